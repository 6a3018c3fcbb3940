// Package negotiation runs the offer/answer exchange of one session with
// the "perfect negotiation" pattern: both sides may offer at any time, the
// impolite side wins collisions, and the polite side rolls back and yields.
// An engine that refuses to roll back a local offer is replaced instead.
//
// It also owns connectivity recovery: ICE restarts with a cooldown, and a
// one-shot escalation that rebuilds the engine relay-only when a failure
// outlasts Policy.EscalationDelay.
//
// A Machine is a single goroutine reading an inbox. Engine callbacks, timers
// and API calls only post events, so engine calls never overlap.
package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Linguapair/internal/clock"
	"github.com/BioHazard786/Linguapair/internal/errs"
)

// State is the machine's signaling state.
type State int

const (
	Idle State = iota
	MakingOffer
	HaveLocalOffer
	HaveRemoteOffer
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MakingOffer:
		return "making-local-offer"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sender relays a signal to the partner. Failures are logged and dropped.
type Sender func(msgType string, data []byte) error

// Hooks are optional notifications, called from the machine's goroutine.
// They must not block or call back into the machine.
type Hooks struct {
	Connectivity  func(webrtc.ICEConnectionState)
	RelayFallback func()

	// Fatal reports that a replacement engine could not be built. The
	// machine stops.
	Fatal func(error)
}

// Config configures a Machine.
type Config struct {
	Polite    bool
	Send      Sender
	NewEngine Factory
	Policy    Policy
	Clock     clock.Clock
	Logger    *slog.Logger
	RelayOnly bool
	Hooks     Hooks
}

// Snapshot is a consistent view of the machine, taken on its goroutine.
type Snapshot struct {
	State             State
	Connectivity      webrtc.ICEConnectionState
	MakingOffer       bool
	IgnoreOffer       bool
	RemoteApplied     bool
	PendingCandidates int
	Generation        uint64
	RelayOnly         bool
	EscalationArmed   bool
	Restarts          int
}

// Machine is the negotiation state of one session.
type Machine struct {
	polite bool
	send   Sender
	build  Factory
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
	hooks  Hooks

	inbox     *inbox
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop.
	engine        Engine
	gen           uint64
	relayOnly     bool
	state         State
	connectivity  webrtc.ICEConnectionState
	makingOffer   bool
	ignoreOffer   bool
	remoteApplied bool
	pending       []webrtc.ICECandidateInit

	// Candidates the engine accepted, replayed into a replacement engine.
	remoteCandidates []webrtc.ICECandidateInit

	// Negotiation requested while busy. Replayed once stable.
	renegotiate bool
	restartNext bool

	restarts    int
	lastRestart time.Time
	escalation  *clock.Timer
}

// New builds the first engine and starts the machine.
func New(cfg Config) (*Machine, error) {
	if cfg.NewEngine == nil {
		return nil, errors.New("negotiation: no engine factory")
	}
	if cfg.Send == nil {
		return nil, errors.New("negotiation: no sender")
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	role := "impolite"
	if cfg.Polite {
		role = "polite"
	}

	m := &Machine{
		polite:       cfg.Polite,
		send:         cfg.Send,
		build:        cfg.NewEngine,
		policy:       cfg.Policy,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("role", role),
		hooks:        cfg.Hooks,
		inbox:        newInbox(),
		done:         make(chan struct{}),
		relayOnly:    cfg.RelayOnly,
		state:        Idle,
		connectivity: webrtc.ICEConnectionStateNew,
	}

	engine, err := m.newEngine()
	if err != nil {
		return nil, errs.New("create engine", err)
	}
	m.engine = engine

	go m.run()
	return m, nil
}

// Negotiate asks for an offer, as if the engine reported negotiation-needed.
func (m *Machine) Negotiate() {
	m.inbox.push(event{kind: evNegotiationNeeded})
}

// HandleSignal feeds a relayed signal-offer, signal-answer or signal-ice.
func (m *Machine) HandleSignal(msgType string, data []byte) {
	m.inbox.push(event{kind: evSignal, sigType: msgType, sigData: data})
}

// Snapshot returns the machine's current state.
func (m *Machine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	m.inbox.push(event{kind: evSnapshot, reply: reply})
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return Snapshot{State: Closed}
	}
}

// Close stops timers, closes the engine and ends the loop. Safe to call
// more than once.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.inbox.push(event{kind: evClose})
	})
	<-m.done
}

// Done is closed once the machine has stopped.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) run() {
	defer close(m.done)

	for range m.inbox.ready {
		for _, ev := range m.inbox.drain() {
			if !m.dispatch(ev) {
				return
			}
		}
	}
}

// dispatch handles one event. Returns false when the machine stops.
func (m *Machine) dispatch(ev event) bool {
	if ev.gen != 0 && ev.gen != m.gen {
		m.logger.Debug("dropping event from a replaced engine", "generation", ev.gen)
		return true
	}

	switch ev.kind {
	case evNegotiationNeeded:
		m.onNegotiationNeeded()

	case evSignal:
		m.onSignal(ev.sigType, ev.sigData)

	case evConnectivity:
		m.onConnectivity(ev.conn)

	case evLocalCandidate:
		m.onLocalCandidate(ev.candidate)

	case evEscalate:
		return m.onEscalate()

	case evSnapshot:
		ev.reply <- m.snapshot()

	case evClose:
		m.shutdown()
		return false
	}
	return m.state != Closed
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		State:             m.state,
		Connectivity:      m.connectivity,
		MakingOffer:       m.makingOffer,
		IgnoreOffer:       m.ignoreOffer,
		RemoteApplied:     m.remoteApplied,
		PendingCandidates: len(m.pending),
		Generation:        m.gen,
		RelayOnly:         m.relayOnly,
		EscalationArmed:   m.escalation != nil,
		Restarts:          m.restarts,
	}
}

// newEngine bumps the generation and builds an engine whose callbacks are
// stamped with it.
func (m *Machine) newEngine() (Engine, error) {
	m.gen++
	gen := m.gen
	return m.build(m.relayOnly, Events{
		OnCandidate: func(c *webrtc.ICECandidateInit) {
			m.inbox.push(event{kind: evLocalCandidate, gen: gen, candidate: c})
		},
		OnConnectionState: func(s webrtc.ICEConnectionState) {
			m.inbox.push(event{kind: evConnectivity, gen: gen, conn: s})
		},
		OnNegotiationNeeded: func() {
			m.inbox.push(event{kind: evNegotiationNeeded, gen: gen})
		},
	})
}

func (m *Machine) shutdown() {
	m.disarm()
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.logger.Debug("engine close failed", "error", err)
		}
		m.engine = nil
	}
	m.state = Closed
	m.logger.Debug("negotiation closed")
}

// fail stops the machine and reports err through the Fatal hook.
func (m *Machine) fail(err error) {
	m.logger.Error("negotiation failed", "error", err)
	m.shutdown()
	if m.hooks.Fatal != nil {
		m.hooks.Fatal(err)
	}
}

func (m *Machine) relay(msgType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("encode signal", "type", msgType, "error", err)
		return
	}
	if err := m.send(msgType, data); err != nil {
		m.logger.Debug("signal not sent", "type", msgType, "error", err)
	}
}
