package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Speaker tells who wrote a chat line.
type Speaker int

const (
	System Speaker = iota
	Self
	Partner
)

type chatLine struct {
	from Speaker
	name string
	text string
}

type statusMsg struct {
	text string
	busy bool
}

type partnerMsg struct {
	name     string
	native   string
	learning string
}

type lineMsg chatLine

// ChatUI shows the session status and the chat with the partner.
type ChatUI struct {
	program *tea.Program
	model   *chatModel
	updates chan tea.Msg
	done    chan struct{}
	once    sync.Once
}

type chatModel struct {
	self     string
	partner  string
	about    string
	status   string
	busy     bool
	lines    []chatLine
	send     func(string) error
	spinner  spinner.Model
	input    textinput.Model
	viewport viewport.Model
	updates  chan tea.Msg
	quitting bool
}

// NewChatUI creates the chat screen. send delivers a typed line to the
// partner.
func NewChatUI(self string, send func(string) error) *ChatUI {
	updates := make(chan tea.Msg, 100)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	input := textinput.New()
	input.Placeholder = "Say something…"
	input.CharLimit = 500
	input.Focus()

	return &ChatUI{
		model: &chatModel{
			self:     self,
			status:   "Connecting…",
			busy:     true,
			send:     send,
			spinner:  s,
			input:    input,
			viewport: viewport.New(80, 12),
			updates:  updates,
		},
		updates: updates,
		done:    make(chan struct{}),
	}
}

// Start runs the UI in a goroutine. Done is closed when it exits.
func (ui *ChatUI) Start() {
	ui.program = tea.NewProgram(ui.model, tea.WithAltScreen())
	go func() {
		defer close(ui.done)
		if _, err := ui.program.Run(); err != nil {
			fmt.Printf("UI error: %v\n", err)
		}
	}()
}

func (ui *ChatUI) Done() <-chan struct{} {
	return ui.done
}

// SetStatus replaces the status line. busy shows the spinner.
func (ui *ChatUI) SetStatus(text string, busy bool) {
	ui.push(statusMsg{text: text, busy: busy})
}

func (ui *ChatUI) SetPartner(name, native, learning string) {
	ui.push(partnerMsg{name: name, native: native, learning: learning})
}

func (ui *ChatUI) AddLine(from Speaker, name, text string) {
	ui.push(lineMsg{from: from, name: name, text: text})
}

func (ui *ChatUI) push(msg tea.Msg) {
	select {
	case ui.updates <- msg:
	default:
	}
}

// Stop quits the UI and waits for it.
func (ui *ChatUI) Stop() {
	ui.once.Do(func() {
		if ui.program != nil {
			ui.program.Quit()
			<-ui.done
		}
	})
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, m.listenForUpdates())
}

func (m *chatModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			m.submit()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(3, msg.Height-6)
		m.input.Width = max(10, msg.Width-4)
		m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusMsg:
		m.status, m.busy = msg.text, msg.busy
		return m, m.listenForUpdates()

	case partnerMsg:
		m.partner = msg.name
		m.about = fmt.Sprintf("speaks %s, learning %s", msg.native, msg.learning)
		return m, m.listenForUpdates()

	case lineMsg:
		m.lines = append(m.lines, chatLine(msg))
		m.refresh()
		return m, m.listenForUpdates()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) submit() {
	text := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if text == "" {
		return
	}

	if m.send != nil {
		if err := m.send(text); err != nil {
			m.lines = append(m.lines, chatLine{from: System, text: "not sent: " + err.Error()})
			m.refresh()
			return
		}
	}
	m.lines = append(m.lines, chatLine{from: Self, name: m.self, text: text})
	m.refresh()
}

func (m *chatModel) refresh() {
	rendered := make([]string, len(m.lines))
	for i, l := range m.lines {
		rendered[i] = renderLine(l)
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	m.viewport.GotoBottom()
}

func renderLine(l chatLine) string {
	switch l.from {
	case Self:
		return SelfStyle.Render(l.name+":") + " " + l.text
	case Partner:
		return PartnerStyle.Render(l.name+":") + " " + l.text
	default:
		return MutedStyle.Render("· " + l.text)
	}
}

func (m *chatModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	header := "Linguapair"
	if m.partner != "" {
		header = fmt.Sprintf("Linguapair %s %s", IconChat, m.partner)
	}
	b.WriteString(HeaderStyle.Render(header))
	if m.about != "" {
		b.WriteString(" " + MutedStyle.Render(m.about))
	}
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if m.busy {
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), m.status))
	} else {
		b.WriteString(MutedStyle.Render(m.status) + "\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n" + FooterStyle.Render("enter to send · esc to leave"))

	return b.String()
}
