package peer

import "github.com/vmihailenco/msgpack/v5"

// Data channel message types.
const (
	TypeProfile = "profile"
	TypeChat    = "chat"
	TypeBye     = "bye"
)

// Message is the envelope of every data channel message.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ProfilePayload introduces a participant once the channel opens.
type ProfilePayload struct {
	Name     string `msgpack:"name"`
	Native   string `msgpack:"native"`
	Learning string `msgpack:"learning"`
}

// ChatPayload is one line of text chat.
type ChatPayload struct {
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}
