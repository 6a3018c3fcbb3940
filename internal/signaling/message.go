package signaling

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Message type constants.
const (
	TypeHello = "hello"
	TypeLeave = "leave"
	TypePing  = "ping"

	TypeWelcome  = "welcome"
	TypeMatched  = "matched"
	TypePeerLeft = "peer-left"

	TypeSignalOffer  = "signal-offer"
	TypeSignalAnswer = "signal-answer"
	TypeSignalICE    = "signal-ice"
)

// Practice modes. The broker stores the mode but never matches on it.
const (
	ModeSpeak = "speak"
	ModeHear  = "hear"
)

// Message is the flat JSON envelope exchanged with the broker:
// {"type": "...", ...fields}. Only the fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	// welcome
	UserID string `json:"userId,omitempty"`

	// hello
	ScreenName Text `json:"screenName,omitempty"`
	Native     Text `json:"native,omitempty"`
	WantMode   Text `json:"wantMode,omitempty"`
	WantLang   Text `json:"wantLang,omitempty"`

	// matched
	RoomID string    `json:"roomId,omitempty"`
	Peer   *PeerInfo `json:"peer,omitempty"`
	Polite *bool     `json:"polite,omitempty"`

	// signal-offer, signal-answer, signal-ice. Opaque to the broker.
	Data json.RawMessage `json:"data,omitempty"`
}

// PeerInfo is the partner's public profile sent with matched.
type PeerInfo struct {
	ScreenName string `json:"screenName"`
	Native     string `json:"native"`
}

// Profile is what a participant announces in hello.
type Profile struct {
	ScreenName string
	Native     string
	WantMode   string
	WantLang   string
}

// Hello builds the join request for p.
func Hello(p Profile) *Message {
	return &Message{
		Type:       TypeHello,
		ScreenName: Text(p.ScreenName),
		Native:     Text(p.Native),
		WantMode:   Text(p.WantMode),
		WantLang:   Text(p.WantLang),
	}
}

// Matched builds the pairing notification for one side of a room.
func Matched(roomID string, peer PeerInfo, polite bool) *Message {
	return &Message{
		Type:   TypeMatched,
		RoomID: roomID,
		Peer:   &peer,
		Polite: &polite,
	}
}

// IsPolite reports the polite flag of a matched message.
func (m *Message) IsPolite() bool {
	return m.Polite != nil && *m.Polite
}

// IsSignal reports whether t is one of the relayed negotiation types.
func IsSignal(t string) bool {
	switch t {
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		return true
	}
	return false
}

// Decode parses a frame. Anything that is not a JSON object with a string
// type decodes to the zero Message, which every handler ignores.
func Decode(raw []byte) Message {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}
	}
	return msg
}

// Encode serializes msg. Marshalling a Message cannot fail.
func Encode(msg *Message) []byte {
	b, _ := json.Marshal(msg)
	return b
}

// SignalFrame builds {"type":t,"data":data} around the exact bytes of data,
// so relayed payloads reach the partner untouched.
func SignalFrame(t string, data json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Quote(t))
	if len(data) > 0 {
		buf.WriteString(`,"data":`)
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Text is a free-text field that tolerates non-string JSON scalars. Numbers
// and booleans keep their literal spelling, null becomes empty.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case b[0] == '{' || b[0] == '[':
		*t = ""
	default:
		*t = Text(b)
	}
	return nil
}

func (t Text) String() string { return string(t) }
