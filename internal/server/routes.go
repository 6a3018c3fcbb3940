package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Linguapair/internal/broker"
	"github.com/BioHazard786/Linguapair/internal/config"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Browsers connect from wherever the page is hosted.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewRouter mounts the broker's endpoints.
func NewRouter(b *broker.Broker, cfg *config.ServerConfig, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	ws := ServeWs(b, logger)
	mux.HandleFunc("GET /ws", ws)
	// Browser clients connect to the bare origin.
	mux.HandleFunc("GET /{$}", ws)
	mux.HandleFunc("GET /config", ServeConfig(cfg))
	mux.HandleFunc("GET /health", Health(b))
	return mux
}

// ServeWs upgrades the request and attaches the connection to the broker.
func ServeWs(b *broker.Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		p := b.NewParticipant(conn)
		if !b.Register(p) {
			conn.Close()
			return
		}

		// The pumps own the connection from here on.
		go p.WritePump()
		go p.ReadPump()
	}
}

// ServeConfig returns the ICE servers clients should use.
func ServeConfig(cfg *config.ServerConfig) http.HandlerFunc {
	body := config.ICEResponse{ICEServers: cfg.ICEServers()}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(body)
	}
}

// Health reports liveness along with the broker's queue sizes.
func Health(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := b.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Linguapair broker is healthy. participants=%d waiting=%d rooms=%d\n",
			s.Participants, len(s.Waiting), len(s.Rooms))
	}
}
