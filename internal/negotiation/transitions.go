package negotiation

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Linguapair/internal/errs"
	"github.com/BioHazard786/Linguapair/internal/signaling"
)

// settled reports whether a new offer may start now.
func (m *Machine) settled() bool {
	return (m.state == Idle || m.state == Stable) && !m.makingOffer
}

func (m *Machine) onNegotiationNeeded() {
	if !m.settled() {
		m.renegotiate = true
		return
	}
	m.offer(false)
}

// offer creates and applies a local offer and sends it. On failure the
// previous state is restored.
func (m *Machine) offer(iceRestart bool) {
	if m.engine == nil {
		return
	}

	prev := m.state
	m.makingOffer = true
	m.state = MakingOffer

	desc, err := m.engine.CreateOffer(iceRestart)
	if err == nil {
		err = m.engine.SetLocalDescription(desc)
	}
	m.makingOffer = false

	if err != nil {
		m.state = prev
		m.logger.Warn("offer failed", "restart", iceRestart, "error", err)
		return
	}

	m.state = HaveLocalOffer
	m.logger.Debug("offer sent", "restart", iceRestart)
	m.relay(signaling.TypeSignalOffer, desc)
}

// becameStable replays negotiation that was requested while busy.
func (m *Machine) becameStable() {
	m.state = Stable
	if !m.renegotiate {
		return
	}
	restart := m.restartNext
	m.renegotiate = false
	m.restartNext = false
	m.offer(restart)
}

func (m *Machine) onSignal(msgType string, data json.RawMessage) {
	if m.engine == nil {
		return
	}

	switch msgType {
	case signaling.TypeSignalOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil || desc.Type != webrtc.SDPTypeOffer {
			m.logger.Warn("dropping offer", "error", errs.ErrBadSignal)
			return
		}
		m.onRemoteOffer(desc)

	case signaling.TypeSignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil || desc.Type != webrtc.SDPTypeAnswer {
			m.logger.Warn("dropping answer", "error", errs.ErrBadSignal)
			return
		}
		m.onRemoteAnswer(desc)

	case signaling.TypeSignalICE:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(data, &c); err != nil {
			m.logger.Warn("dropping candidate", "error", errs.ErrBadSignal)
			return
		}
		if !m.remoteApplied {
			m.pending = append(m.pending, c)
			return
		}
		m.addCandidate(c)
	}
}

func (m *Machine) onRemoteOffer(desc webrtc.SessionDescription) {
	collision := !m.settled()
	m.ignoreOffer = !m.polite && collision
	if m.ignoreOffer {
		m.logger.Debug("ignoring colliding offer", "state", m.state)
		return
	}

	prev := m.state
	if collision {
		if err := m.yield(); err != nil {
			m.fail(errs.New("replace engine", err))
			return
		}
		m.logger.Debug("yielded local offer to colliding remote offer")
		prev = Stable
		m.renegotiate = true
	}

	if err := m.engine.SetRemoteDescription(desc); err != nil {
		m.state = prev
		m.logger.Warn("apply remote offer failed", "error", err)
		return
	}
	m.state = HaveRemoteOffer
	m.remoteApplied = true
	m.flushCandidates()

	answer, err := m.engine.CreateAnswer()
	if err == nil {
		err = m.engine.SetLocalDescription(answer)
	}
	if err != nil {
		m.logger.Warn("answer failed", "error", err)
		if rbErr := m.engine.Rollback(); rbErr != nil {
			m.logger.Debug("rollback after failed answer", "error", rbErr)
		}
		m.state = prev
		return
	}

	m.relay(signaling.TypeSignalAnswer, answer)
	m.becameStable()
}

// yield drops the local offer. Engines that cannot roll back a local offer,
// like pion, are replaced by a fresh one that has never offered.
func (m *Machine) yield() error {
	err := m.engine.Rollback()
	if err == nil {
		return nil
	}
	m.logger.Debug("rollback refused, replacing engine", "error", err)
	return m.replaceEngine()
}

// replaceEngine swaps in a fresh engine with the same transport policy. The
// partner's candidates are queued again for it.
func (m *Machine) replaceEngine() error {
	m.disarm()
	if err := m.engine.Close(); err != nil {
		m.logger.Debug("engine close failed", "error", err)
	}
	m.engine = nil

	m.connectivity = webrtc.ICEConnectionStateNew
	m.remoteApplied = false
	m.pending = append(m.remoteCandidates, m.pending...)
	m.remoteCandidates = nil

	engine, err := m.newEngine()
	if err != nil {
		return err
	}
	m.engine = engine
	return nil
}

func (m *Machine) onRemoteAnswer(desc webrtc.SessionDescription) {
	if m.state != HaveLocalOffer {
		m.logger.Debug("dropping answer", "state", m.state, "error", errs.ErrUnexpectedState)
		return
	}
	if err := m.engine.SetRemoteDescription(desc); err != nil {
		m.logger.Warn("apply remote answer failed", "error", err)
		return
	}
	m.remoteApplied = true
	m.flushCandidates()
	m.becameStable()
}

// flushCandidates applies buffered candidates in arrival order.
func (m *Machine) flushCandidates() {
	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		m.addCandidate(c)
	}
}

func (m *Machine) addCandidate(c webrtc.ICECandidateInit) {
	err := m.engine.AddICECandidate(c)
	if err == nil {
		m.remoteCandidates = append(m.remoteCandidates, c)
		return
	}
	if m.ignoreOffer {
		m.logger.Debug("candidate rejected while ignoring offer", "error", err)
		return
	}
	m.logger.Warn("candidate rejected", "error", err)
}

func (m *Machine) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	m.relay(signaling.TypeSignalICE, c)
}

func (m *Machine) onConnectivity(s webrtc.ICEConnectionState) {
	m.connectivity = s
	if m.hooks.Connectivity != nil {
		m.hooks.Connectivity(s)
	}

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.disarm()
		m.restarts = 0

	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		m.restartICE()
		m.arm()
	}
}

// restartICE starts an ICE restart unless one ran within the cooldown or
// the episode is out of restarts. While busy it waits for stable.
func (m *Machine) restartICE() {
	now := m.clock.Now()
	if !m.lastRestart.IsZero() && now.Sub(m.lastRestart) < m.policy.RestartCooldown {
		m.logger.Debug("ice restart suppressed by cooldown")
		return
	}
	if m.restarts >= m.policy.MaxRestarts {
		m.logger.Debug("ice restart budget exhausted", "restarts", m.restarts)
		return
	}
	m.restarts++
	m.lastRestart = now
	m.logger.Info("restarting ice", "attempt", m.restarts, "connectivity", m.connectivity)

	if !m.settled() {
		m.renegotiate = true
		m.restartNext = true
		return
	}
	m.offer(true)
}

func (m *Machine) arm() {
	if m.escalation != nil {
		return
	}
	gen := m.gen
	m.escalation = m.clock.AfterFunc(m.policy.EscalationDelay, func() {
		m.inbox.push(event{kind: evEscalate, gen: gen})
	})
}

func (m *Machine) disarm() {
	m.escalation.Stop()
	m.escalation = nil
}

func recovered(s webrtc.ICEConnectionState) bool {
	return s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted
}

// onEscalate replaces the engine with a relay-only one and renegotiates
// from scratch. Returns false if no engine could be built.
func (m *Machine) onEscalate() bool {
	m.escalation = nil
	if recovered(m.connectivity) {
		return true
	}

	m.logger.Warn("connectivity did not recover, falling back to relay", "connectivity", m.connectivity)

	if err := m.engine.Close(); err != nil {
		m.logger.Debug("engine close failed", "error", err)
	}
	m.engine = nil

	m.relayOnly = true
	m.state = Idle
	m.connectivity = webrtc.ICEConnectionStateNew
	m.makingOffer = false
	m.ignoreOffer = false
	m.remoteApplied = false
	m.pending = nil
	m.remoteCandidates = nil
	m.renegotiate = false
	m.restartNext = false
	m.restarts = 0
	m.lastRestart = m.clock.Now()

	engine, err := m.newEngine()
	if err != nil {
		m.fail(errs.New("rebuild engine", err))
		return false
	}
	m.engine = engine

	if m.hooks.RelayFallback != nil {
		m.hooks.RelayFallback()
	}
	m.offer(true)
	return true
}
