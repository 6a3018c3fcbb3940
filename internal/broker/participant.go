package broker

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with many candidates fits.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Participant is one connected websocket. Its profile and room are owned by
// the broker loop.
type Participant struct {
	ID string

	broker *Broker
	conn   *websocket.Conn
	logger *slog.Logger

	// send carries encoded frames to WritePump. Only the broker loop sends
	// on it or closes it.
	send chan []byte

	profile Profile
	roomID  string
	gone    bool
}

// ReadPump pumps frames from the websocket connection to the broker.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (p *Participant) ReadPump() {
	defer func() {
		p.broker.Unregister(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("read failed", "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !p.broker.Submit(p, raw) {
			return
		}
	}
}

// WritePump pumps frames from the broker to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (p *Participant) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The broker closed the channel.
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to WritePump without blocking. Must only be called
// from the broker loop.
func (p *Participant) enqueue(frame []byte) {
	if p.gone {
		return
	}
	select {
	case p.send <- frame:
	default:
		p.logger.Warn("outbound queue full, dropping message")
	}
}
