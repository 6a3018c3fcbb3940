package negotiation

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evNegotiationNeeded eventKind = iota
	evSignal
	evConnectivity
	evLocalCandidate
	evEscalate
	evSnapshot
	evClose
)

// event is one inbox entry. gen is the engine generation that produced it,
// zero for calls made through the public API.
type event struct {
	kind eventKind
	gen  uint64

	sigType string
	sigData json.RawMessage

	conn      webrtc.ICEConnectionState
	candidate *webrtc.ICECandidateInit

	reply chan Snapshot
}

// inbox is an unbounded FIFO. Engine callbacks may fire while the loop is
// inside an engine call, so posting must never block.
type inbox struct {
	mu     sync.Mutex
	events []event
	ready  chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (b *inbox) push(ev event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}
