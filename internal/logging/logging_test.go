package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/lainio/err2/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"dev":        slog.LevelDebug,
		"debug":      slog.LevelDebug,
		"info":       slog.LevelInfo,
		"warning":    slog.LevelWarn,
		"production": slog.LevelError,
		"loud":       slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(ParseLevel(in, slog.LevelInfo), want)
	}
}

func TestInitHonoursLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	var out bytes.Buffer
	logger := InitWriter(&out, slog.LevelDebug)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.That(!strings.Contains(out.String(), "hidden"))
	assert.That(strings.Contains(out.String(), "shown"))
}

func TestPionFactoryScopesLoggers(t *testing.T) {
	var out bytes.Buffer
	base := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := (&PionFactory{Logger: base}).NewLogger("ice")
	l.Tracef("noise %d", 1)
	l.Warnf("candidate %s failed", "c1")

	logged := out.String()
	assert.That(!strings.Contains(logged, "noise"))
	assert.That(strings.Contains(logged, "candidate c1 failed"))
	assert.That(strings.Contains(logged, "pion=ice"))
}
