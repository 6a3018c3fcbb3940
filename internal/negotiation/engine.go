package negotiation

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Engine is the media transport the machine drives. All calls happen on the
// machine's goroutine, one at a time.
type Engine interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error

	// Rollback discards a pending offer. An engine may refuse to roll back
	// its own offer; the machine then replaces it.
	Rollback() error

	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// Events are the engine's callbacks into the machine. They may be called
// from any goroutine and must not block.
type Events struct {
	// OnCandidate reports a gathered local candidate, nil once gathering
	// is complete.
	OnCandidate func(*webrtc.ICECandidateInit)

	OnConnectionState func(webrtc.ICEConnectionState)

	OnNegotiationNeeded func()
}

// Factory builds an engine. relayOnly restricts it to TURN candidates.
type Factory func(relayOnly bool, ev Events) (Engine, error)

// Policy is the connectivity recovery schedule of one machine.
type Policy struct {
	// RestartCooldown is the minimum time between two ICE restarts.
	RestartCooldown time.Duration

	// MaxRestarts bounds the ICE restarts of one failure episode.
	MaxRestarts int

	// EscalationDelay is how long a failure may last before the engine is
	// rebuilt relay-only.
	EscalationDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RestartCooldown: 1500 * time.Millisecond,
		MaxRestarts:     5,
		EscalationDelay: 6 * time.Second,
	}
}
