package negotiation_test

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Linguapair/internal/clock"
	"github.com/BioHazard786/Linguapair/internal/logging"
	"github.com/BioHazard786/Linguapair/internal/negotiation"
	"github.com/BioHazard786/Linguapair/internal/negotiation/enginetest"
	"github.com/BioHazard786/Linguapair/internal/signaling"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type sent struct {
	Type string
	Data []byte
}

// outbox collects what a machine relays, for manual delivery.
type outbox struct {
	mu   sync.Mutex
	msgs []sent
}

func (o *outbox) send(msgType string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, sent{Type: msgType, Data: data})
	return nil
}

func (o *outbox) take() []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

type side struct {
	m       *negotiation.Machine
	engines *enginetest.Factory
	out     *outbox
}

func (s *side) engine() *enginetest.Engine { return s.engines.Current() }

func newSide(t *testing.T, name string, polite bool, clk clock.Clock, policy negotiation.Policy) *side {
	t.Helper()
	s := &side{engines: enginetest.NewFactory(name), out: &outbox{}}
	s.m = try.To1(negotiation.New(negotiation.Config{
		Polite:    polite,
		Send:      s.out.send,
		NewEngine: s.engines.New,
		Policy:    policy,
		Clock:     clk,
		Logger:    logging.Discard(),
	}))
	t.Cleanup(s.m.Close)
	return s
}

// deliver hands every queued message from one side to the other and waits
// until the receiver has processed them.
func deliver(from, to *side) int {
	msgs := from.out.take()
	for _, msg := range msgs {
		to.m.HandleSignal(msg.Type, msg.Data)
	}
	to.m.Snapshot()
	return len(msgs)
}

// settle exchanges messages until both outboxes stay empty.
func settle(a, b *side) {
	a.m.Snapshot()
	b.m.Snapshot()
	for deliver(a, b)+deliver(b, a) > 0 {
	}
}

func candidate(line string) []byte {
	return try.To1(json.Marshal(webrtc.ICECandidateInit{Candidate: line}))
}

func offerFrom(name string) []byte {
	return try.To1(json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer " + name}))
}

func TestSingleOfferReachesStable(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, "a", false, clk, negotiation.DefaultPolicy())
	b := newSide(t, "b", true, clk, negotiation.DefaultPolicy())

	a.m.Negotiate()
	assert.Equal(a.m.Snapshot().State, negotiation.HaveLocalOffer)
	settle(a, b)

	assert.Equal(a.m.Snapshot().State, negotiation.Stable)
	assert.Equal(b.m.Snapshot().State, negotiation.Stable)
	assert.Equal(b.engine().Remote().SDP, a.engine().Local().SDP)
	assert.Equal(a.engine().Remote().SDP, b.engine().Local().SDP)
}

func TestGlareResolvesToPoliteOffer(t *testing.T) {
	clk := clock.Fake(epoch)
	impolite := newSide(t, "impolite", false, clk, negotiation.DefaultPolicy())
	polite := newSide(t, "polite", true, clk, negotiation.DefaultPolicy())

	impolite.m.Negotiate()
	polite.m.Negotiate()
	assert.Equal(impolite.m.Snapshot().State, negotiation.HaveLocalOffer)
	assert.Equal(polite.m.Snapshot().State, negotiation.HaveLocalOffer)

	// both offers cross in flight
	fromImpolite := impolite.out.take()
	fromPolite := polite.out.take()
	for _, msg := range fromPolite {
		impolite.m.HandleSignal(msg.Type, msg.Data)
	}
	for _, msg := range fromImpolite {
		polite.m.HandleSignal(msg.Type, msg.Data)
	}

	snap := impolite.m.Snapshot()
	assert.That(snap.IgnoreOffer)
	assert.Equal(snap.State, negotiation.HaveLocalOffer)

	// the engine refused to roll back its own offer, so the polite side
	// answered from a fresh one
	snap = polite.m.Snapshot()
	assert.That(!snap.IgnoreOffer)
	assert.Equal(snap.Generation, uint64(2))
	engines := polite.engines.Engines()
	assert.Equal(len(engines), 2)
	assert.That(engines[0].Closed())
	assert.Equal(engines[1].Local().Type, webrtc.SDPTypeAnswer)

	settle(impolite, polite)

	for _, s := range []*side{impolite, polite} {
		snap := s.m.Snapshot()
		assert.Equal(snap.State, negotiation.Stable)
		assert.That(!snap.MakingOffer)
		assert.Equal(s.engine().SignalingState(), webrtc.SignalingStateStable)
	}

	// the last description set on the impolite side is the polite side's
	// re-offer, answered by the impolite side
	assert.That(strings.HasPrefix(impolite.engine().Remote().SDP, "offer polite"))
	assert.Equal(polite.engine().Remote().SDP, impolite.engine().Local().SDP)
	assert.That(strings.HasPrefix(polite.engine().Remote().SDP, "answer impolite"))
}

func TestReplacedEngineGetsKnownCandidates(t *testing.T) {
	clk := clock.Fake(epoch)
	a, b := connectedPair(t, clk, negotiation.DefaultPolicy())

	b.m.HandleSignal(signaling.TypeSignalICE, candidate("c1"))
	b.m.HandleSignal(signaling.TypeSignalICE, candidate("c2"))
	b.m.Snapshot()
	old := b.engine()
	assert.DeepEqual(old.Added(), []string{"c1", "c2"})

	// renegotiation glare: the polite side's engine is replaced mid-session
	a.m.Negotiate()
	b.m.Negotiate()
	a.m.Snapshot()
	b.m.Snapshot()
	fromA, fromB := a.out.take(), b.out.take()
	for _, msg := range fromB {
		a.m.HandleSignal(msg.Type, msg.Data)
	}
	for _, msg := range fromA {
		b.m.HandleSignal(msg.Type, msg.Data)
	}

	snap := b.m.Snapshot()
	assert.Equal(snap.Generation, uint64(2))
	assert.Equal(snap.PendingCandidates, 0)
	assert.That(old.Closed())
	assert.DeepEqual(b.engine().Added(), []string{"c1", "c2"})

	settle(a, b)
	assert.Equal(a.m.Snapshot().State, negotiation.Stable)
	assert.Equal(b.m.Snapshot().State, negotiation.Stable)
}

func TestFailedReplacementIsFatal(t *testing.T) {
	engines := enginetest.NewFactory("polite")
	fatal := make(chan error, 1)
	m := try.To1(negotiation.New(negotiation.Config{
		Polite:    true,
		Send:      (&outbox{}).send,
		NewEngine: engines.New,
		Clock:     clock.Fake(epoch),
		Logger:    logging.Discard(),
		Hooks:     negotiation.Hooks{Fatal: func(err error) { fatal <- err }},
	}))
	defer m.Close()

	m.Negotiate()
	assert.Equal(m.Snapshot().State, negotiation.HaveLocalOffer)

	engines.FailWith(enginetest.ErrInjected)
	m.HandleSignal(signaling.TypeSignalOffer, offerFrom("impolite"))

	<-m.Done()
	assert.That(errors.Is(<-fatal, enginetest.ErrInjected))
	assert.That(engines.Current().Closed())
	assert.Equal(m.Snapshot().State, negotiation.Closed)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	s := newSide(t, "s", false, clock.Fake(epoch), negotiation.DefaultPolicy())
	s.engine().FailCandidate("c2")

	for _, c := range []string{"c1", "c2", "c3"} {
		s.m.HandleSignal(signaling.TypeSignalICE, candidate(c))
	}
	snap := s.m.Snapshot()
	assert.Equal(snap.PendingCandidates, 3)
	assert.That(!snap.RemoteApplied)
	assert.Equal(len(s.engine().Added()), 0)

	s.m.HandleSignal(signaling.TypeSignalOffer, offerFrom("peer"))
	s.m.HandleSignal(signaling.TypeSignalICE, candidate("c4"))

	snap = s.m.Snapshot()
	assert.Equal(snap.PendingCandidates, 0)
	assert.Equal(snap.State, negotiation.Stable)
	assert.DeepEqual(s.engine().Added(), []string{"c1", "c3", "c4"})

	msgs := s.out.take()
	assert.Equal(len(msgs), 1)
	assert.Equal(msgs[0].Type, signaling.TypeSignalAnswer)
}

func TestMalformedSignalsAreIgnored(t *testing.T) {
	s := newSide(t, "s", true, clock.Fake(epoch), negotiation.DefaultPolicy())

	s.m.HandleSignal(signaling.TypeSignalOffer, []byte(`{"type":"answer","sdp":"x"}`))
	s.m.HandleSignal(signaling.TypeSignalOffer, []byte(`nope`))
	s.m.HandleSignal(signaling.TypeSignalAnswer, []byte(`{"type":"answer","sdp":"x"}`))
	s.m.HandleSignal(signaling.TypeSignalICE, []byte(`[]`))
	s.m.HandleSignal("signal-bogus", []byte(`{}`))

	snap := s.m.Snapshot()
	assert.Equal(snap.State, negotiation.Idle)
	assert.Equal(snap.PendingCandidates, 0)
	assert.Equal(len(s.out.take()), 0)
}

func TestOfferFailureKeepsMachineUsable(t *testing.T) {
	s := newSide(t, "s", false, clock.Fake(epoch), negotiation.DefaultPolicy())
	s.engine().FailNextOffers(1)

	s.m.Negotiate()
	snap := s.m.Snapshot()
	assert.Equal(snap.State, negotiation.Idle)
	assert.That(!snap.MakingOffer)
	assert.Equal(len(s.out.take()), 0)

	s.m.Negotiate()
	assert.Equal(s.m.Snapshot().State, negotiation.HaveLocalOffer)
	assert.Equal(s.out.take()[0].Type, signaling.TypeSignalOffer)
}

func TestNegotiationNeededWhileBusyIsReplayed(t *testing.T) {
	clk := clock.Fake(epoch)
	a := newSide(t, "a", false, clk, negotiation.DefaultPolicy())
	b := newSide(t, "b", true, clk, negotiation.DefaultPolicy())

	a.m.Negotiate()
	a.engine().NeedNegotiation()
	assert.Equal(a.m.Snapshot().State, negotiation.HaveLocalOffer)
	total, _ := a.engine().Offers()
	assert.Equal(total, 1)

	settle(a, b)

	total, _ = a.engine().Offers()
	assert.Equal(total, 2)
	assert.Equal(a.m.Snapshot().State, negotiation.Stable)
	assert.Equal(b.m.Snapshot().State, negotiation.Stable)
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	s := newSide(t, "s", false, clock.Fake(epoch), negotiation.DefaultPolicy())
	s.engine().Gather("candidate:1 1 udp 1 192.0.2.1 5000 typ host")
	s.m.Snapshot()

	msgs := s.out.take()
	assert.Equal(len(msgs), 1)
	assert.Equal(msgs[0].Type, signaling.TypeSignalICE)

	var c webrtc.ICECandidateInit
	try.To(json.Unmarshal(msgs[0].Data, &c))
	assert.Equal(c.Candidate, "candidate:1 1 udp 1 192.0.2.1 5000 typ host")
}

func connectedPair(t *testing.T, clk clock.Clock, policy negotiation.Policy) (a, b *side) {
	t.Helper()
	a = newSide(t, "a", false, clk, policy)
	b = newSide(t, "b", true, clk, policy)
	a.m.Negotiate()
	settle(a, b)
	a.engine().SetConnectivity(webrtc.ICEConnectionStateConnected)
	assert.Equal(a.m.Snapshot().Connectivity, webrtc.ICEConnectionStateConnected)
	return a, b
}

func TestRestartCooldown(t *testing.T) {
	clk := clock.Fake(epoch)
	policy := negotiation.DefaultPolicy()
	policy.MaxRestarts = 2
	a, b := connectedPair(t, clk, policy)

	a.engine().SetConnectivity(webrtc.ICEConnectionStateFailed)
	snap := a.m.Snapshot()
	assert.Equal(snap.Restarts, 1)
	assert.That(snap.EscalationArmed)
	settle(a, b)
	_, restarts := a.engine().Offers()
	assert.Equal(restarts, 1)

	// a second failure inside the cooldown does nothing
	clk.Advance(time.Second)
	a.engine().SetConnectivity(webrtc.ICEConnectionStateDisconnected)
	settle(a, b)
	_, restarts = a.engine().Offers()
	assert.Equal(restarts, 1)

	clk.Advance(time.Second)
	a.engine().SetConnectivity(webrtc.ICEConnectionStateFailed)
	settle(a, b)
	_, restarts = a.engine().Offers()
	assert.Equal(restarts, 2)

	// the episode is out of restarts
	clk.Advance(2 * time.Second)
	a.engine().SetConnectivity(webrtc.ICEConnectionStateFailed)
	settle(a, b)
	_, restarts = a.engine().Offers()
	assert.Equal(restarts, 2)
}

func TestRestartDeferredUntilStable(t *testing.T) {
	clk := clock.Fake(epoch)
	a, b := connectedPair(t, clk, negotiation.DefaultPolicy())

	a.m.Negotiate()
	assert.Equal(a.m.Snapshot().State, negotiation.HaveLocalOffer)
	a.engine().SetConnectivity(webrtc.ICEConnectionStateFailed)
	assert.Equal(a.m.Snapshot().Restarts, 1)
	_, restarts := a.engine().Offers()
	assert.Equal(restarts, 0)

	settle(a, b)
	_, restarts = a.engine().Offers()
	assert.Equal(restarts, 1)
	assert.Equal(a.m.Snapshot().State, negotiation.Stable)
}

func TestConnectedDisarmsEscalation(t *testing.T) {
	clk := clock.Fake(epoch)
	a, _ := connectedPair(t, clk, negotiation.DefaultPolicy())

	a.engine().SetConnectivity(webrtc.ICEConnectionStateDisconnected)
	assert.That(a.m.Snapshot().EscalationArmed)

	a.engine().SetConnectivity(webrtc.ICEConnectionStateConnected)
	snap := a.m.Snapshot()
	assert.That(!snap.EscalationArmed)
	assert.Equal(snap.Restarts, 0)

	clk.Advance(10 * time.Second)
	snap = a.m.Snapshot()
	assert.Equal(snap.Generation, uint64(1))
	assert.That(!snap.RelayOnly)
	assert.Equal(len(a.engines.Engines()), 1)
}

func TestEscalationRebuildsRelayOnly(t *testing.T) {
	clk := clock.Fake(epoch)
	a, b := connectedPair(t, clk, negotiation.DefaultPolicy())
	old := a.engine()

	a.engine().SetConnectivity(webrtc.ICEConnectionStateFailed)
	settle(a, b)

	clk.Advance(6 * time.Second)
	snap := a.m.Snapshot()
	assert.Equal(snap.Generation, uint64(2))
	assert.That(snap.RelayOnly)
	assert.That(!snap.EscalationArmed)
	assert.Equal(snap.PendingCandidates, 0)
	assert.Equal(snap.State, negotiation.HaveLocalOffer)

	assert.That(old.Closed())
	fresh := a.engine()
	assert.That(fresh != old)
	assert.That(fresh.RelayOnly)
	total, restarts := fresh.Offers()
	assert.Equal(total, 1)
	assert.Equal(restarts, 1)

	// callbacks from the replaced engine are stale
	old.SetConnectivity(webrtc.ICEConnectionStateConnected)
	old.NeedNegotiation()
	snap = a.m.Snapshot()
	assert.Equal(snap.Connectivity, webrtc.ICEConnectionStateNew)
	total, _ = fresh.Offers()
	assert.Equal(total, 1)

	settle(a, b)
	assert.Equal(a.m.Snapshot().State, negotiation.Stable)
}

func TestLateRecoveryFromReplacedEngineIsIgnored(t *testing.T) {
	clk := clock.Fake(epoch)
	a, _ := connectedPair(t, clk, negotiation.DefaultPolicy())
	old := a.engine()

	old.SetConnectivity(webrtc.ICEConnectionStateFailed)
	a.m.Snapshot()
	clk.Advance(6 * time.Second)
	old.SetConnectivity(webrtc.ICEConnectionStateCompleted)

	snap := a.m.Snapshot()
	assert.Equal(snap.Generation, uint64(2))
	assert.That(snap.RelayOnly)
	assert.Equal(snap.Connectivity, webrtc.ICEConnectionStateNew)
}

func TestEscalationFailureIsFatal(t *testing.T) {
	clk := clock.Fake(epoch)
	engines := enginetest.NewFactory("a")

	fatal := make(chan error, 1)
	m := try.To1(negotiation.New(negotiation.Config{
		Send:      (&outbox{}).send,
		NewEngine: engines.New,
		Clock:     clk,
		Logger:    logging.Discard(),
		Hooks:     negotiation.Hooks{Fatal: func(err error) { fatal <- err }},
	}))
	defer m.Close()

	engines.FailWith(errors.New("no relay"))
	engines.Current().SetConnectivity(webrtc.ICEConnectionStateFailed)
	m.Snapshot()
	clk.Advance(6 * time.Second)

	<-m.Done()
	assert.That((<-fatal) != nil)
	assert.Equal(m.Snapshot().State, negotiation.Closed)
}

func TestCloseStopsEverything(t *testing.T) {
	clk := clock.Fake(epoch)
	s := newSide(t, "s", false, clk, negotiation.DefaultPolicy())
	s.engine().SetConnectivity(webrtc.ICEConnectionStateFailed)
	assert.That(s.m.Snapshot().EscalationArmed)

	s.m.Close()
	s.m.Close()
	assert.That(s.engine().Closed())
	assert.Equal(clk.PendingTimers(), 0)

	clk.Advance(time.Minute)
	assert.Equal(len(s.engines.Engines()), 1)
	assert.Equal(s.m.Snapshot().State, negotiation.Closed)
}
