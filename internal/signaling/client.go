package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Linguapair/internal/clock"
	"github.com/BioHazard786/Linguapair/internal/dns"
	"github.com/BioHazard786/Linguapair/internal/errs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
	outgoingSize   = 64
)

var ErrQueueFull = errors.New("outgoing queue full")

// Policy is the channel's reconnect and keepalive schedule.
type Policy struct {
	BaseDelay         time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	SettleDelay       time.Duration
	HeartbeatInterval time.Duration
}

// DefaultPolicy returns the production schedule.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:         800 * time.Millisecond,
		Multiplier:        1.8,
		MaxDelay:          15 * time.Second,
		SettleDelay:       250 * time.Millisecond,
		HeartbeatInterval: 20 * time.Second,
	}
}

// NewBackOff builds the reconnect schedule for p: exponential, no jitter,
// never gives up.
func NewBackOff(p Policy, clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return b
}

// ConnState is the channel's lifecycle state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateLeft
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLeft:
		return "left"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Status is a channel lifecycle event. Attempt and Delay are set while
// reconnecting.
type Status struct {
	State   ConnState
	Attempt int
	Delay   time.Duration
}

// DialFunc opens one websocket connection.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Dial connects through the fallback DNS resolver.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		NetDialContext:   dns.DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// Options configures a Client. Zero fields take defaults.
type Options struct {
	Policy Policy
	Clock  clock.Clock
	Dial   DialFunc
	Logger *slog.Logger
}

// Client is the participant's signaling channel. It reconnects with backoff
// after unexpected closes, keeps the connection warm with application
// pings, and re-sends the last hello once a new connection has settled.
type Client struct {
	serverURL string
	policy    Policy
	clock     clock.Clock
	dial      DialFunc
	logger    *slog.Logger

	incoming chan *Message
	status   chan Status

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	out    chan []byte // current connection's queue, nil while down
	hello  *Message
	left   bool
	closed bool
}

// NewClient creates a client for serverURL. Call Connect to start it.
func NewClient(serverURL string, opts Options) *Client {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		serverURL: serverURL,
		policy:    opts.Policy,
		clock:     opts.Clock,
		dial:      opts.Dial,
		logger:    opts.Logger.With("component", "signaling"),
		incoming:  make(chan *Message, 16),
		status:    make(chan Status, 16),
	}
}

// Connect dials the broker once and returns the error if that first attempt
// fails. Afterwards the channel reconnects on its own until Leave, Close or
// ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.emit(Status{State: StateConnecting})

	conn, err := c.dial(c.ctx, c.serverURL)
	if err != nil {
		c.cancel()
		return errs.Wrap("connect", err, c.serverURL)
	}

	go c.run(conn)
	return nil
}

// Incoming delivers decoded broker messages across reconnects. It is closed
// once the client stops.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Status delivers lifecycle events. Slow readers miss events. It is closed
// once the client stops.
func (c *Client) Status() <-chan Status {
	return c.status
}

// Join sends hello for p and remembers it for re-sending after reconnects.
func (c *Client) Join(p Profile) error {
	hello := Hello(p)
	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()
	return c.Send(hello)
}

// Send queues msg on the current connection. It never blocks.
func (c *Client) Send(msg *Message) error {
	return c.SendRaw(Encode(msg))
}

// SendSignal relays data to the partner under the given signal type.
func (c *Client) SendSignal(t string, data []byte) error {
	return c.SendRaw(SignalFrame(t, data))
}

// SendRaw queues an encoded frame on the current connection.
func (c *Client) SendRaw(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueLocked(frame)
}

func (c *Client) queueLocked(frame []byte) error {
	switch {
	case c.left || c.closed:
		return errs.ErrLeft
	case c.out == nil:
		return errs.ErrNotConnected
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Leave tells the broker this participant is gone and stops the channel for
// good.
func (c *Client) Leave() {
	c.mu.Lock()
	if c.left || c.closed {
		c.mu.Unlock()
		return
	}
	if err := c.queueLocked(Encode(&Message{Type: TypeLeave})); err != nil {
		c.logger.Debug("leave not delivered", "error", err)
	}
	c.left = true
	c.mu.Unlock()

	c.stop()
}

// Close stops the channel without sending leave.
func (c *Client) Close() {
	c.mu.Lock()
	if c.left || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()
}

func (c *Client) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) stopped() bool {
	return c.ctx.Err() != nil
}

func (c *Client) emit(s Status) {
	select {
	case c.status <- s:
	default:
	}
}

func (c *Client) run(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		final := StateClosed
		if c.left {
			final = StateLeft
		}
		c.closed = true
		c.mu.Unlock()

		c.emit(Status{State: final})
		close(c.incoming)
		close(c.status)
	}()

	b := NewBackOff(c.policy, c.clock)
	rejoin := false

	for {
		// A connection that dies before its first heartbeat does not count
		// as recovered, so the delay keeps growing.
		if c.serve(conn, rejoin) {
			b.Reset()
		}
		if c.stopped() {
			return
		}

		conn = c.reconnect(b)
		if conn == nil {
			return
		}
		rejoin = true
	}
}

// reconnect dials until it succeeds or the client stops.
func (c *Client) reconnect(b *backoff.ExponentialBackOff) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		wait := c.clock.After(delay)
		c.emit(Status{State: StateReconnecting, Attempt: attempt, Delay: delay})
		c.logger.Info("signaling channel down, reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-wait:
		case <-c.ctx.Done():
			return nil
		}

		conn, err := c.dial(c.ctx, c.serverURL)
		if err == nil {
			return conn
		}
		if c.stopped() {
			return nil
		}
		c.logger.Debug("reconnect failed", "attempt", attempt, "error", err)
	}
}

// serve runs one connection until it closes. Reports whether a heartbeat
// went out on it.
func (c *Client) serve(conn *websocket.Conn, rejoin bool) bool {
	out := make(chan []byte, outgoingSize)
	stopWriter := make(chan struct{})
	writerDone := make(chan struct{})

	c.mu.Lock()
	c.out = out
	hello := c.hello
	c.mu.Unlock()

	heartbeat := c.clock.NewTicker(c.policy.HeartbeatInterval)
	var healthy bool
	go func() {
		defer close(writerDone)
		healthy = c.writePump(conn, out, heartbeat, stopWriter)
	}()

	var settle *clock.Timer
	if rejoin && hello != nil {
		frame := Encode(hello)
		settle = c.clock.AfterFunc(c.policy.SettleDelay, func() {
			if err := c.SendRaw(frame); err != nil {
				c.logger.Debug("re-join not sent", "error", err)
			}
		})
	}
	c.emit(Status{State: StateConnected})

	c.readPump(conn)

	settle.Stop()
	c.mu.Lock()
	if c.out == out {
		c.out = nil
	}
	c.mu.Unlock()
	close(stopWriter)
	<-writerDone
	conn.Close()
	return healthy
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.stopped() {
				c.logger.Debug("signaling read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg := Decode(raw)
		if msg.Type == "" {
			continue
		}
		select {
		case c.incoming <- &msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump is the connection's only writer. On client stop it flushes what
// is queued (a final leave) before closing. Reports whether a heartbeat was
// written.
func (c *Client) writePump(conn *websocket.Conn, out <-chan []byte, heartbeat *clock.Ticker, stop <-chan struct{}) (healthy bool) {
	defer func() {
		heartbeat.Stop()
		conn.Close()
	}()

	ping := Encode(&Message{Type: TypePing})

	write := func(frame []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	for {
		select {
		case frame := <-out:
			if err := write(frame); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := write(ping); err != nil {
				return
			}
			healthy = true

		case <-stop:
			return

		case <-c.ctx.Done():
			for {
				select {
				case frame := <-out:
					if err := write(frame); err != nil {
						return
					}
				default:
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}
