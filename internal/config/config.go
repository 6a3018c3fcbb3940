package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Default configuration values
const (
	DefaultPort      = 3000
	DefaultSTUN      = "stun:stun.l.google.com:19302"
	DefaultServerURL = "ws://localhost:3000/ws"
)

// ServerConfig holds the broker's configuration.
type ServerConfig struct {
	Port int

	// ICE servers handed out on /config
	STUNServer string
	TURNURLs   []string
	TURNUser   string
	TURNPass   string
}

// ServerOptions carries flag overrides for LoadServer. Zero values mean
// "not set on the command line".
type ServerOptions struct {
	Port       int
	STUNServer string
	TURNURL    string
	TURNUser   string
	TURNPass   string
}

// LoadServer reads configuration with the following priority:
// 1. CLI flags (passed via ServerOptions) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	port := opts.Port
	if port == 0 {
		if env := os.Getenv("PORT"); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return nil, fmt.Errorf("invalid PORT %q: %w", env, err)
			}
			port = p
		}
	}
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range", port)
	}

	return &ServerConfig{
		Port:       port,
		STUNServer: firstNonEmpty(opts.STUNServer, os.Getenv("STUN_URL"), DefaultSTUN),
		TURNURLs:   SplitURLs(firstNonEmpty(opts.TURNURL, os.Getenv("TURN_URL"))),
		TURNUser:   firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:   firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD")),
	}, nil
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ClientConfig holds the terminal client's configuration.
type ClientConfig struct {
	// ServerURL is the broker's websocket endpoint
	ServerURL string

	// ForceRelay restricts the media engine to TURN candidates from the start
	ForceRelay bool
}

// ClientOptions carries flag overrides for LoadClient.
type ClientOptions struct {
	ServerURL  string
	ForceRelay bool
}

// LoadClient resolves the client configuration: flag > env > default.
func LoadClient(opts ClientOptions) (*ClientConfig, error) {
	serverURL := firstNonEmpty(opts.ServerURL, os.Getenv("LINGUAPAIR_SERVER"), DefaultServerURL)

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server URL %q: scheme must be ws or wss", serverURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	return &ClientConfig{
		ServerURL:  u.String(),
		ForceRelay: opts.ForceRelay,
	}, nil
}

// ConfigURL returns the HTTP URL of the broker's ICE configuration endpoint,
// derived from the websocket URL.
func (c *ClientConfig) ConfigURL() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/config"
	u.RawQuery = ""
	return u.String()
}

// SplitURLs splits a comma-separated URL list, trimming blanks.
func SplitURLs(list string) []string {
	var urls []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
