package signaling

import "encoding/json"

// Match is a pairing announced by the broker.
type Match struct {
	RoomID string
	Peer   PeerInfo
	Polite bool
}

// Signal is a relayed negotiation message from the partner.
type Signal struct {
	Type string
	Data json.RawMessage
}

// Incoming is anything that delivers broker messages, normally a *Client.
type Incoming interface {
	Incoming() <-chan *Message
}

type RoutedKind int

const (
	RoutedWelcome RoutedKind = iota + 1
	RoutedMatched
	RoutedPeerLeft
	RoutedSignal
)

// Routed is one decoded broker message. Match is set for RoutedMatched and
// Signal for RoutedSignal.
type Routed struct {
	Kind   RoutedKind
	UserID string
	Match  *Match
	Signal *Signal
}

// Handler decodes incoming broker messages into Routed values. They are
// delivered on one channel so a peer-left never overtakes the signals the
// partner sent before leaving.
type Handler struct {
	source   Incoming
	Messages chan Routed
}

// NewHandler creates a handler reading from source.
func NewHandler(source Incoming) *Handler {
	return &Handler{
		source:   source,
		Messages: make(chan Routed, 32),
	}
}

// Start routes messages until the source is exhausted, then closes
// Messages.
func (h *Handler) Start() {
	defer close(h.Messages)

	for msg := range h.source.Incoming() {
		switch msg.Type {

		case TypeWelcome:
			h.Messages <- Routed{Kind: RoutedWelcome, UserID: msg.UserID}

		case TypeMatched:
			h.Messages <- Routed{Kind: RoutedMatched, Match: matchOf(msg)}

		case TypePeerLeft:
			h.Messages <- Routed{Kind: RoutedPeerLeft}

		case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
			h.Messages <- Routed{Kind: RoutedSignal, Signal: &Signal{Type: msg.Type, Data: msg.Data}}

		default:
		}
	}
}

// matchOf copies the pairing out of the flat envelope.
func matchOf(msg *Message) *Match {
	match := &Match{RoomID: msg.RoomID, Polite: msg.IsPolite()}
	if msg.Peer != nil {
		match.Peer = *msg.Peer
	}
	return match
}
