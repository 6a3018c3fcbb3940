// Package session runs one participant's side of Linguapair: it joins the
// queue, builds a negotiation machine for every match and carries the chat
// channel.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Linguapair/internal/clock"
	"github.com/BioHazard786/Linguapair/internal/config"
	"github.com/BioHazard786/Linguapair/internal/errs"
	"github.com/BioHazard786/Linguapair/internal/negotiation"
	"github.com/BioHazard786/Linguapair/internal/peer"
	"github.com/BioHazard786/Linguapair/internal/signaling"
)

// Signals that arrive before their matched message are held, up to this many.
const maxPending = 64

// Channel is the broker connection, normally a *signaling.Client.
type Channel interface {
	Incoming() <-chan *signaling.Message
	Status() <-chan signaling.Status
	Join(signaling.Profile) error
	SendSignal(t string, data []byte) error
	Leave()
}

// Transport builds the engines of one match and carries its chat channel.
type Transport interface {
	New(relayOnly bool, ev negotiation.Events) (negotiation.Engine, error)
	Send(peer.Message) error
}

// TransportFactory builds the transport for a new match. The callbacks
// report the chat channel opening and every decoded chat message.
type TransportFactory func(onOpen func(), onMessage func(peer.Message)) (Transport, error)

// PeerTransport builds pion transports using the given ICE servers.
func PeerTransport(servers []config.ICEServer, logger *slog.Logger) TransportFactory {
	return func(onOpen func(), onMessage func(peer.Message)) (Transport, error) {
		f, err := peer.NewFactory(peer.Options{
			ICEServers:           servers,
			DetectRestrictiveNAT: true,
			Logger:               logger,
			OnOpen:               onOpen,
			OnMessage:            onMessage,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

type EventKind int

const (
	EventConnection EventKind = iota
	EventSearching
	EventMatched
	EventConnectivity
	EventRelayFallback
	EventChannelOpen
	EventProfile
	EventChat
	EventBye
	EventPeerLeft
	EventFailed
)

var eventNames = [...]string{
	EventConnection:    "connection",
	EventSearching:     "searching",
	EventMatched:       "matched",
	EventConnectivity:  "connectivity",
	EventRelayFallback: "relay-fallback",
	EventChannelOpen:   "channel-open",
	EventProfile:       "profile",
	EventChat:          "chat",
	EventBye:           "bye",
	EventPeerLeft:      "peer-left",
	EventFailed:        "failed",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event is one thing the user should see.
type Event struct {
	Kind    EventKind
	Status  signaling.Status
	Match   *signaling.Match
	ICE     webrtc.ICEConnectionState
	Profile peer.ProfilePayload
	Text    string
	Err     error
}

type Options struct {
	Profile   signaling.Profile
	Transport TransportFactory
	RelayOnly bool

	// Requeue looks for a new partner after the current one leaves,
	// instead of ending the session.
	Requeue bool

	Policy negotiation.Policy
	Clock  clock.Clock
	Logger *slog.Logger
}

type failure struct {
	room string
	err  error
}

// Session drives one participant through matches until it leaves.
type Session struct {
	channel Channel
	opts    Options
	logger  *slog.Logger

	events   chan Event
	fatal    chan failure
	stopping chan struct{}

	mu        sync.Mutex
	room      string
	transport Transport

	// Owned by Run.
	machine *negotiation.Machine
	joined  bool
	pending []*signaling.Signal
}

func New(channel Channel, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		channel:  channel,
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan Event, 64),
		fatal:    make(chan failure, 1),
		stopping: make(chan struct{}),
	}
}

// Events delivers what happens during the session. It is never closed; Run
// returning marks the end.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Run joins the queue and handles broker messages until ctx ends, the
// partner leaves without Requeue, or the channel stops.
func (s *Session) Run(ctx context.Context) error {
	handler := signaling.NewHandler(s.channel)
	go handler.Start()

	defer func() {
		close(s.stopping)
		s.endMatch()
	}()

	status := s.channel.Status()
	for {
		select {
		case <-ctx.Done():
			s.sayBye()
			s.channel.Leave()
			return nil

		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			s.emit(Event{Kind: EventConnection, Status: st})

		case r, ok := <-handler.Messages:
			if !ok {
				return errs.New("session", errs.ErrNotConnected)
			}
			done, err := s.route(r)
			if done {
				return err
			}

		case f := <-s.fatal:
			if f.room != s.currentRoom() {
				continue
			}
			s.endMatch()
			s.emit(Event{Kind: EventFailed, Err: f.err})
			if !s.opts.Requeue {
				s.channel.Leave()
				return f.err
			}
			s.requeue()
		}
	}
}

// route handles one broker message, in arrival order. done ends Run with
// err.
func (s *Session) route(r signaling.Routed) (done bool, err error) {
	switch r.Kind {
	case signaling.RoutedWelcome:
		s.onWelcome()

	case signaling.RoutedMatched:
		if err := s.onMatched(r.Match); err != nil {
			s.channel.Leave()
			return true, err
		}

	case signaling.RoutedPeerLeft:
		s.endMatch()
		s.pending = nil
		s.emit(Event{Kind: EventPeerLeft, Err: errs.ErrPeerLeft})
		if !s.opts.Requeue {
			s.channel.Leave()
			return true, nil
		}
		s.requeue()

	case signaling.RoutedSignal:
		s.onSignal(r.Signal)
	}
	return false, nil
}

// Chat sends one line to the partner.
func (s *Session) Chat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	msg, err := peer.NewMessage(peer.TypeChat, peer.ChatPayload{
		Text:   text,
		SentAt: s.opts.Clock.Now().UnixMilli(),
	})
	if err != nil {
		return errs.New("encode chat", err)
	}
	return s.send(msg)
}

func (s *Session) onWelcome() {
	if s.joined {
		// A new connection. The broker forgot the old membership and the
		// client re-sends hello on its own.
		if s.endMatch() {
			s.emit(Event{Kind: EventPeerLeft, Err: errs.ErrNotConnected})
		}
		s.pending = nil
		s.emit(Event{Kind: EventSearching})
		return
	}
	s.requeue()
}

func (s *Session) requeue() {
	if err := s.channel.Join(s.opts.Profile); err != nil {
		s.logger.Warn("hello not sent", "error", err)
		return
	}
	s.joined = true
	s.emit(Event{Kind: EventSearching})
}

func (s *Session) onMatched(m *signaling.Match) error {
	s.endMatch()

	room := m.RoomID
	logger := s.logger.With("room", room)

	transport, err := s.opts.Transport(s.onOpen(room), s.onMessage(room))
	if err != nil {
		return errs.New("create transport", err)
	}

	machine, err := negotiation.New(negotiation.Config{
		Polite:    m.Polite,
		Send:      s.channel.SendSignal,
		NewEngine: transport.New,
		Policy:    s.opts.Policy,
		Clock:     s.opts.Clock,
		Logger:    logger,
		RelayOnly: s.opts.RelayOnly,
		Hooks: negotiation.Hooks{
			Connectivity: func(state webrtc.ICEConnectionState) {
				s.tryEmit(Event{Kind: EventConnectivity, ICE: state})
			},
			RelayFallback: func() {
				s.tryEmit(Event{Kind: EventRelayFallback})
			},
			Fatal: func(err error) {
				select {
				case s.fatal <- failure{room: room, err: err}:
				default:
				}
			},
		},
	})
	if err != nil {
		return errs.New("start negotiation", err)
	}

	s.mu.Lock()
	s.room = room
	s.transport = transport
	s.mu.Unlock()
	s.machine = machine

	for _, sig := range s.pending {
		machine.HandleSignal(sig.Type, sig.Data)
	}
	s.pending = nil

	logger.Info("matched", "peer", m.Peer.ScreenName, "polite", m.Polite)
	s.emit(Event{Kind: EventMatched, Match: m})
	return nil
}

func (s *Session) onSignal(sig *signaling.Signal) {
	if s.machine != nil {
		s.machine.HandleSignal(sig.Type, sig.Data)
		return
	}
	// Held until the next matched. A peer-left or a new connection drops
	// them.
	if len(s.pending) < maxPending {
		s.pending = append(s.pending, sig)
	}
}

func (s *Session) onOpen(room string) func() {
	return func() {
		if s.currentRoom() != room {
			return
		}
		msg, err := peer.NewMessage(peer.TypeProfile, peer.ProfilePayload{
			Name:     s.opts.Profile.ScreenName,
			Native:   s.opts.Profile.Native,
			Learning: s.opts.Profile.WantLang,
		})
		if err == nil {
			err = s.send(msg)
		}
		if err != nil {
			s.logger.Debug("profile not sent", "error", err)
		}
		s.tryEmit(Event{Kind: EventChannelOpen})
	}
}

func (s *Session) onMessage(room string) func(peer.Message) {
	return func(m peer.Message) {
		if s.currentRoom() != room {
			return
		}
		switch m.Type {
		case peer.TypeProfile:
			var p peer.ProfilePayload
			if err := m.DecodePayload(&p); err != nil {
				s.logger.Debug("bad profile payload", "error", err)
				return
			}
			s.tryEmit(Event{Kind: EventProfile, Profile: p})

		case peer.TypeChat:
			var c peer.ChatPayload
			if err := m.DecodePayload(&c); err != nil {
				s.logger.Debug("bad chat payload", "error", err)
				return
			}
			s.tryEmit(Event{Kind: EventChat, Text: c.Text})

		case peer.TypeBye:
			s.tryEmit(Event{Kind: EventBye})
		}
	}
}

func (s *Session) sayBye() {
	msg, _ := peer.NewMessage(peer.TypeBye, nil)
	if err := s.send(msg); err != nil {
		s.logger.Debug("bye not sent", "error", err)
	}
}

func (s *Session) send(msg peer.Message) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return peer.ErrChannelNotOpen
	}
	return transport.Send(msg)
}

func (s *Session) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// endMatch closes the current machine and its engine. Reports whether there
// was one.
func (s *Session) endMatch() bool {
	if s.machine == nil {
		return false
	}
	s.mu.Lock()
	s.room = ""
	s.transport = nil
	s.mu.Unlock()

	s.machine.Close()
	s.machine = nil
	return true
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stopping:
	}
}

// tryEmit is for engine callbacks, which must never wait on the reader.
func (s *Session) tryEmit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped", "kind", ev.Kind.String())
	}
}
