// Package enginetest provides an in-memory negotiation.Engine that follows
// the WebRTC signaling state rules without any media or network.
package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Linguapair/internal/errs"
	"github.com/BioHazard786/Linguapair/internal/negotiation"
)

var ErrInjected = errors.New("injected failure")

// Engine is a fake engine. Exported methods are safe to call from tests
// while a machine drives it.
type Engine struct {
	Name      string
	RelayOnly bool

	mu       sync.Mutex
	events   negotiation.Events
	state    webrtc.SignalingState
	offers   int
	answers  int
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	applied  []webrtc.SessionDescription
	added    []string
	restarts int
	closed   bool

	failOffers     int
	failCandidates map[string]bool
}

func newEngine(name string, relayOnly bool, ev negotiation.Events) *Engine {
	return &Engine{
		Name:           name,
		RelayOnly:      relayOnly,
		events:         ev,
		state:          webrtc.SignalingStateStable,
		failCandidates: map[string]bool{},
	}
}

func (e *Engine) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return webrtc.SessionDescription{}, errs.ErrEngineClosed
	}
	if e.failOffers > 0 {
		e.failOffers--
		return webrtc.SessionDescription{}, ErrInjected
	}
	e.offers++
	if iceRestart {
		e.restarts++
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s #%d restart=%t", e.Name, e.offers, iceRestart),
	}, nil
}

func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return webrtc.SessionDescription{}, errs.ErrEngineClosed
	}
	if e.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errs.ErrUnexpectedState
	}
	e.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s #%d", e.Name, e.answers),
	}, nil
}

func (e *Engine) SetLocalDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errs.ErrEngineClosed
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && e.state == webrtc.SignalingStateStable:
		e.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && e.state == webrtc.SignalingStateHaveRemoteOffer:
		e.state = webrtc.SignalingStateStable
	default:
		return errs.Wrap("set local description", errs.ErrUnexpectedState, desc.Type.String()+" in "+e.state.String())
	}
	e.local = &desc
	return nil
}

func (e *Engine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errs.ErrEngineClosed
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && e.state == webrtc.SignalingStateStable:
		e.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && e.state == webrtc.SignalingStateHaveLocalOffer:
		e.state = webrtc.SignalingStateStable
	default:
		return errs.Wrap("set remote description", errs.ErrUnexpectedState, desc.Type.String()+" in "+e.state.String())
	}
	e.remote = &desc
	e.applied = append(e.applied, desc)
	return nil
}

func (e *Engine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errs.ErrEngineClosed
	}
	// pion only rolls back a remote offer.
	if e.state != webrtc.SignalingStateHaveRemoteOffer {
		return errs.Wrap("rollback", errs.ErrUnexpectedState, e.state.String())
	}
	e.state = webrtc.SignalingStateStable
	return nil
}

func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return errs.ErrEngineClosed
	case e.remote == nil:
		return errors.New("remote description not set")
	case e.failCandidates[c.Candidate]:
		return ErrInjected
	}
	e.added = append(e.added, c.Candidate)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// FailNextOffers makes the next n CreateOffer calls fail.
func (e *Engine) FailNextOffers(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOffers = n
}

// FailCandidate makes AddICECandidate reject the given candidate line.
func (e *Engine) FailCandidate(candidate string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCandidates[candidate] = true
}

// SetConnectivity reports a connectivity change to the machine.
func (e *Engine) SetConnectivity(s webrtc.ICEConnectionState) {
	e.events.OnConnectionState(s)
}

// NeedNegotiation fires the negotiation-needed callback.
func (e *Engine) NeedNegotiation() {
	e.events.OnNegotiationNeeded()
}

// Gather reports a local candidate.
func (e *Engine) Gather(candidate string) {
	e.events.OnCandidate(&webrtc.ICECandidateInit{Candidate: candidate})
}

func (e *Engine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Remote returns the last applied remote description.
func (e *Engine) Remote() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// Local returns the last applied local description.
func (e *Engine) Local() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Added lists the candidates applied so far, in order.
func (e *Engine) Added() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.added...)
}

// Offers counts created offers, and how many of them were ICE restarts.
func (e *Engine) Offers() (total, restarts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers, e.restarts
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Factory builds fake engines and remembers them.
type Factory struct {
	Name string

	mu      sync.Mutex
	engines []*Engine
	fail    error
}

func NewFactory(name string) *Factory {
	return &Factory{Name: name}
}

// New implements negotiation.Factory.
func (f *Factory) New(relayOnly bool, ev negotiation.Events) (negotiation.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	e := newEngine(fmt.Sprintf("%s/%d", f.Name, len(f.engines)+1), relayOnly, ev)
	f.engines = append(f.engines, e)
	return e, nil
}

// FailWith makes every later New call fail with err.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// Engines returns every engine built so far, oldest first.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Current returns the newest engine.
func (f *Factory) Current() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}
