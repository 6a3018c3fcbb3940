package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/Linguapair/internal/config"
)

// RenderICETable writes the ICE servers as a table.
func RenderICETable(w io.Writer, servers []config.ICEServer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.Bold, text.FgHiMagenta}
	t.AppendHeader(table.Row{"#", "Kind", "URL", "Username", "Credential"})

	for i, s := range servers {
		for _, url := range s.URLs {
			t.AppendRow(table.Row{i + 1, serverKind(url), url, s.Username, mask(s.Credential)})
		}
	}
	if !config.HasRelay(servers) {
		t.AppendFooter(table.Row{"", "", "no TURN server, relay fallback unavailable"})
	}
	t.Render()
}

func serverKind(url string) string {
	switch {
	case strings.HasPrefix(url, "turns:"):
		return "TURNS"
	case strings.HasPrefix(url, "turn:"):
		return "TURN"
	case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		return "STUN"
	default:
		return "?"
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return strings.Repeat("•", min(len(secret), 8))
}

// PartnerCard renders who the broker matched us with.
func PartnerCard(name, native string, polite bool) string {
	role := "impolite"
	if polite {
		role = "polite"
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("%s %s", IconPeer, BoldStyle.Render(name)),
		MutedStyle.Render(fmt.Sprintf("speaks %s · %s side", native, role)),
	)
	return InfoBoxStyle.Render(body)
}
