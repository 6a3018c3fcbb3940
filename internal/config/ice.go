package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// ICEServer is one entry of the /config response, in the shape browsers
// accept for RTCIceServer.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEResponse is the body served on /config.
type ICEResponse struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// DefaultICEServers is the list used when nothing better is known.
func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: []string{DefaultSTUN}}}
}

// ICEServers returns the STUN entry, followed by a single TURN entry when a
// URL set and a full credential pair are configured.
func (c *ServerConfig) ICEServers() []ICEServer {
	stun := c.STUNServer
	if stun == "" {
		stun = DefaultSTUN
	}
	servers := []ICEServer{{URLs: []string{stun}}}

	if c.HasTURN() {
		servers = append(servers, ICEServer{
			URLs:       append([]string(nil), c.TURNURLs...),
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// HasTURN reports whether a relay entry will be handed out.
func (c *ServerConfig) HasTURN() bool {
	return len(c.TURNURLs) > 0 && c.TURNUser != "" && c.TURNPass != ""
}

// HasRelay reports whether any entry can hand out relay candidates.
func HasRelay(servers []ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

// PionICEServers converts the wire entries for pion's Configuration.
func PionICEServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
		}
		out = append(out, entry)
	}
	return out
}

// FetchICEServers asks the broker for its ICE list.
func FetchICEServers(ctx context.Context, configURL string) ([]ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config endpoint returned %s", res.Status)
	}

	var body ICEResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice config: %w", err)
	}
	if len(body.ICEServers) == 0 {
		return nil, fmt.Errorf("config endpoint returned no ice servers")
	}
	return body.ICEServers, nil
}

// ICEServersOrDefault fetches the broker's list and falls back to the
// public STUN entry on any failure.
func ICEServersOrDefault(ctx context.Context, configURL string, logger *slog.Logger) []ICEServer {
	servers, err := FetchICEServers(ctx, configURL)
	if err != nil {
		logger.Warn("falling back to default ICE servers", "url", configURL, "error", err)
		return DefaultICEServers()
	}
	return servers
}
