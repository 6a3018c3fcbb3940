// Package broker pairs participants with complementary language wishes and
// relays negotiation messages between the two members of each room.
//
// All matching state lives in the goroutine running Broker.Run. Connection
// goroutines only post to its channels, so a participant is in the waiting
// list, in one room, or in neither, and never in two places at once.
package broker

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Linguapair/internal/signaling"
)

type inbound struct {
	from *Participant
	raw  []byte
}

// Broker is the matching and relay service.
type Broker struct {
	register   chan *Participant
	unregister chan *Participant
	inbound    chan inbound
	stats      chan chan Stats
	done       chan struct{}

	logger *slog.Logger

	// Owned by Run.
	participants map[*Participant]struct{}
	waiting      []*Participant
	rooms        map[string]*Room
}

// New creates a broker. Call Run to start it.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		register:     make(chan *Participant),
		unregister:   make(chan *Participant),
		inbound:      make(chan inbound),
		stats:        make(chan chan Stats),
		done:         make(chan struct{}),
		logger:       logger.With("component", "broker"),
		participants: make(map[*Participant]struct{}),
		rooms:        make(map[string]*Room),
	}
}

// NewParticipant wraps conn with a fresh id. It is not known to the broker
// until Register.
func (b *Broker) NewParticipant(conn *websocket.Conn) *Participant {
	id := uuid.NewString()
	return &Participant{
		ID:     id,
		broker: b,
		conn:   conn,
		logger: b.logger.With("participant", id),
		send:   make(chan []byte, sendBuffer),
	}
}

// Register adds p and greets it with welcome.
func (b *Broker) Register(p *Participant) bool {
	select {
	case b.register <- p:
		return true
	case <-b.done:
		return false
	}
}

// Unregister removes p as if it had left, then stops its writer.
func (b *Broker) Unregister(p *Participant) {
	select {
	case b.unregister <- p:
	case <-b.done:
	}
}

// Submit hands a raw frame from p to the broker. Returns false once the
// broker has stopped.
func (b *Broker) Submit(p *Participant, raw []byte) bool {
	select {
	case b.inbound <- inbound{from: p, raw: raw}:
		return true
	case <-b.done:
		return false
	}
}

// Run is the single goroutine that owns participants, the waiting list and
// the rooms. It returns when ctx is done, closing every participant's queue.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case p := <-b.register:
			b.participants[p] = struct{}{}
			p.logger.Info("participant connected")
			p.enqueue(signaling.Encode(&signaling.Message{Type: signaling.TypeWelcome, UserID: p.ID}))

		case p := <-b.unregister:
			if _, ok := b.participants[p]; !ok {
				continue
			}
			b.cleanup(p)
			delete(b.participants, p)
			b.drop(p)
			p.logger.Info("participant disconnected")

		case in := <-b.inbound:
			if _, ok := b.participants[in.from]; !ok {
				continue
			}
			msg := signaling.Decode(in.raw)
			b.handle(in.from, &msg)

		case reply := <-b.stats:
			reply <- b.snapshot()

		case <-ctx.Done():
			for p := range b.participants {
				b.drop(p)
			}
			return
		}
	}
}

func (b *Broker) drop(p *Participant) {
	if p.gone {
		return
	}
	p.gone = true
	close(p.send)
}

func (b *Broker) handle(p *Participant, msg *signaling.Message) {
	switch msg.Type {

	case signaling.TypeHello:
		b.onHello(p, msg)

	case signaling.TypeLeave:
		p.logger.Debug("participant left")
		b.cleanup(p)

	case signaling.TypeSignalOffer, signaling.TypeSignalAnswer, signaling.TypeSignalICE:
		b.onSignal(p, msg)

	default:
		// ping, unknown and malformed frames
	}
}

// onHello (re)queues p under its new profile and tries to match it.
func (b *Broker) onHello(p *Participant, msg *signaling.Message) {
	b.cleanup(p)
	p.profile = profileFromHello(msg)

	for i, u := range b.waiting {
		if !complements(p.profile, u.profile) {
			continue
		}
		b.waiting = slices.Delete(b.waiting, i, i+1)
		b.createRoom(p, u)
		return
	}

	b.waiting = append(b.waiting, p)
	p.logger.Debug("waiting for partner", "native", p.profile.Native, "want", p.profile.WantLang)
}

func (b *Broker) createRoom(polite, impolite *Participant) {
	room := &Room{
		ID:       uuid.NewString(),
		Polite:   polite,
		Impolite: impolite,
	}
	b.rooms[room.ID] = room
	polite.roomID = room.ID
	impolite.roomID = room.ID

	b.logger.Info("room created", "room", room.ID, "polite", polite.ID, "impolite", impolite.ID)

	polite.enqueue(signaling.Encode(signaling.Matched(room.ID, impolite.profile.peerInfo(), true)))
	impolite.enqueue(signaling.Encode(signaling.Matched(room.ID, polite.profile.peerInfo(), false)))
}

// onSignal forwards the payload to p's partner without looking at it.
func (b *Broker) onSignal(p *Participant, msg *signaling.Message) {
	room, ok := b.rooms[p.roomID]
	if !ok {
		p.logger.Debug("dropping signal outside a room", "type", msg.Type)
		return
	}
	if partner := room.Partner(p); partner != nil {
		partner.enqueue(signaling.SignalFrame(msg.Type, msg.Data))
	}
}

// cleanup takes p out of the waiting list and its room. Calling it again is
// a no-op.
func (b *Broker) cleanup(p *Participant) {
	if i := slices.Index(b.waiting, p); i >= 0 {
		b.waiting = slices.Delete(b.waiting, i, i+1)
	}

	if p.roomID == "" {
		return
	}
	room, ok := b.rooms[p.roomID]
	p.roomID = ""
	if !ok {
		return
	}
	delete(b.rooms, room.ID)
	b.logger.Info("room closed", "room", room.ID, "by", p.ID)

	if partner := room.Partner(p); partner != nil {
		partner.roomID = ""
		partner.enqueue(signaling.Encode(&signaling.Message{Type: signaling.TypePeerLeft}))
	}
}
