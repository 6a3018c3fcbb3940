package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"

	"github.com/BioHazard786/Linguapair/internal/logging"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{"PORT", "STUN_URL", "TURN_URL", "TURN_USERNAME", "TURN_PASSWORD", "LINGUAPAIR_SERVER"} {
		t.Setenv(key, "")
	}
}

func TestICEServersStunOnly(t *testing.T) {
	clearEnv(t)
	cfg := try.To1(LoadServer(ServerOptions{}))

	servers := cfg.ICEServers()
	assert.Equal(len(servers), 1)
	assert.DeepEqual(servers[0].URLs, []string{DefaultSTUN})
	assert.That(!HasRelay(servers))
}

func TestICEServersIncompleteTURNIsDropped(t *testing.T) {
	clearEnv(t)
	t.Setenv("TURN_URL", "turn:relay.example.org:3478")
	t.Setenv("TURN_USERNAME", "user")

	cfg := try.To1(LoadServer(ServerOptions{}))
	assert.Equal(len(cfg.ICEServers()), 1)
}

func TestICEServersMultipleTURNURLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("TURN_URL", " turn:a.example.org:3478?transport=udp, ,turns:a.example.org:5349 ")
	t.Setenv("TURN_USERNAME", "user")
	t.Setenv("TURN_PASSWORD", "secret")

	cfg := try.To1(LoadServer(ServerOptions{}))
	servers := cfg.ICEServers()
	assert.Equal(len(servers), 2)
	assert.DeepEqual(servers[1], ICEServer{
		URLs:       []string{"turn:a.example.org:3478?transport=udp", "turns:a.example.org:5349"},
		Username:   "user",
		Credential: "secret",
	})
	assert.That(HasRelay(servers))

	pion := PionICEServers(servers)
	assert.Equal(len(pion), 2)
	assert.Equal(pion[1].Username, "user")
}

func TestLoadServerFlagBeatsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")

	cfg := try.To1(LoadServer(ServerOptions{}))
	assert.Equal(cfg.Port, 4000)

	cfg = try.To1(LoadServer(ServerOptions{Port: 5000}))
	assert.Equal(cfg.Addr(), ":5000")

	t.Setenv("PORT", "not-a-port")
	_, err := LoadServer(ServerOptions{})
	assert.That(err != nil)
}

func TestLoadClientNormalizesURL(t *testing.T) {
	clearEnv(t)

	cfg := try.To1(LoadClient(ClientOptions{}))
	assert.Equal(cfg.ServerURL, DefaultServerURL)
	assert.Equal(cfg.ConfigURL(), "http://localhost:3000/config")

	cfg = try.To1(LoadClient(ClientOptions{ServerURL: "https://pair.example.org"}))
	assert.Equal(cfg.ServerURL, "wss://pair.example.org/ws")
	assert.Equal(cfg.ConfigURL(), "https://pair.example.org/config")

	_, err := LoadClient(ClientOptions{ServerURL: "ftp://nope"})
	assert.That(err != nil)
}

func TestICEServersOrDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ICEResponse{ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.example.org"}},
		}})
	}))
	defer srv.Close()

	servers := ICEServersOrDefault(context.Background(), srv.URL+"/config", logging.Discard())
	assert.DeepEqual(servers, []ICEServer{{URLs: []string{"stun:stun.example.org"}}})

	srv.Close()
	servers = ICEServersOrDefault(context.Background(), srv.URL+"/config", logging.Discard())
	assert.DeepEqual(servers, DefaultICEServers())
}
