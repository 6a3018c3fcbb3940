// Package peer implements the negotiation engine on top of pion/webrtc: one
// peer connection with sendrecv audio and video and a negotiated chat data
// channel.
package peer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BioHazard786/Linguapair/internal/config"
	"github.com/BioHazard786/Linguapair/internal/errs"
	"github.com/BioHazard786/Linguapair/internal/logging"
	"github.com/BioHazard786/Linguapair/internal/negotiation"
)

const (
	channelLabel = "linguapair"
	channelID    = 0
)

var ErrChannelNotOpen = errors.New("chat channel not open")

// Options configures every engine a Factory builds.
type Options struct {
	ICEServers []config.ICEServer

	// DetectRestrictiveNAT starts relay-only when BehindRestrictiveNAT
	// reports a VPN or CGNAT and a TURN server is configured.
	DetectRestrictiveNAT bool

	// IncludeLoopback gathers loopback candidates, for same-host sessions.
	IncludeLoopback bool

	Logger *slog.Logger

	// Chat channel callbacks, called from pion goroutines.
	OnOpen    func()
	OnMessage func(Message)
}

// Factory builds engines that share one API and one DTLS certificate, so a
// rebuilt engine keeps the fingerprint the partner already knows.
type Factory struct {
	opts        Options
	api         *webrtc.API
	certificate webrtc.Certificate
	hasRelay    bool

	mu      sync.Mutex
	current *Conn
}

// NewFactory prepares the pion API.
func NewFactory(opts Options) (*Factory, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errs.New("generate key", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, errs.New("generate certificate", err)
	}

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, errs.New("register codecs", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: &logging.PionFactory{Logger: opts.Logger},
	}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &Factory{
		opts:        opts,
		api:         webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settingEngine)),
		certificate: *cert,
		hasRelay:    config.HasRelay(opts.ICEServers),
	}, nil
}

// TransportPolicy picks the ICE policy for a new engine.
func (f *Factory) TransportPolicy(relayOnly bool) webrtc.ICETransportPolicy {
	if relayOnly {
		return webrtc.ICETransportPolicyRelay
	}
	if f.hasRelay && f.opts.DetectRestrictiveNAT && BehindRestrictiveNAT() {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

// New implements negotiation.Factory.
func (f *Factory) New(relayOnly bool, ev negotiation.Events) (negotiation.Engine, error) {
	policy := f.TransportPolicy(relayOnly)
	if policy == webrtc.ICETransportPolicyRelay && !f.hasRelay {
		f.opts.Logger.Warn("relay-only transport without a TURN server", "error", errs.ErrNoRelay)
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         config.PionICEServers(f.opts.ICEServers),
		ICETransportPolicy: policy,
		Certificates:       []webrtc.Certificate{f.certificate},
	})
	if err != nil {
		return nil, errs.New("create peer connection", err)
	}

	conn := &Conn{pc: pc, logger: f.opts.Logger.With("transport", policy.String())}
	if err := conn.setup(ev, f.opts); err != nil {
		pc.Close()
		return nil, err
	}

	f.mu.Lock()
	f.current = conn
	f.mu.Unlock()
	return conn, nil
}

// Current returns the newest engine, nil before the first.
func (f *Factory) Current() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Send writes m on the newest engine's chat channel.
func (f *Factory) Send(m Message) error {
	conn := f.Current()
	if conn == nil {
		return ErrChannelNotOpen
	}
	return conn.Send(m)
}

// Conn is one pion peer connection.
type Conn struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger *slog.Logger
}

var _ negotiation.Engine = (*Conn)(nil)

func (c *Conn) setup(ev negotiation.Events, opts Options) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return errs.Wrap("add transceiver", err, kind.String())
		}
	}

	negotiated := true
	ordered := true
	id := uint16(channelID)
	dc, err := c.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
		Ordered:    &ordered,
	})
	if err != nil {
		return errs.New("create data channel", err)
	}
	c.dc = dc

	dc.OnOpen(func() {
		c.logger.Debug("chat channel open")
		if opts.OnOpen != nil {
			opts.OnOpen()
		}
	})
	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		var m Message
		if err := msgpack.Unmarshal(raw.Data, &m); err != nil {
			c.logger.Debug("dropping undecodable chat message", "error", err)
			return
		}
		if opts.OnMessage != nil {
			opts.OnMessage(m)
		}
	})

	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			ev.OnCandidate(nil)
			return
		}
		candidateInit := candidate.ToJSON()
		ev.OnCandidate(&candidateInit)
	})
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debug("ice connection state", "state", state)
		ev.OnConnectionState(state)
	})
	c.pc.OnNegotiationNeeded(func() {
		ev.OnNegotiationNeeded()
	})
	return nil
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

// Rollback returns to stable from have-remote-offer. pion rejects rolling
// back a local offer, so that is refused up front.
func (c *Conn) Rollback() error {
	state := c.pc.SignalingState()
	if state != webrtc.SignalingStateHaveRemoteOffer {
		return errs.Wrap("rollback", errs.ErrUnexpectedState, state.String())
	}
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if pending := c.pc.PendingRemoteDescription(); pending != nil {
		rollback.SDP = pending.SDP
	}
	return c.pc.SetRemoteDescription(rollback)
}

// SignalingState reports the peer connection's signaling state.
func (c *Conn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *Conn) Close() error {
	return c.pc.Close()
}

// Send writes m on the chat channel.
func (c *Conn) Send(m Message) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	b, err := msgpack.Marshal(m)
	if err != nil {
		return errs.New("encode chat message", err)
	}
	return c.dc.Send(b)
}
