// Prattle TUI client.
//
// Screens
// -------
//   stateUsername – centered username form, driven by the server's prompt
//   stateChat     – full-screen chat with scrollable message viewport
//
// Concurrency
// -----------
//   A single goroutine reads the TLS stream and forwards one tea.Msg per
//   server line to the events channel.  The username prompt is the only
//   server output without a newline terminator, so the reader watches for
//   it explicitly.  The Bubbletea event loop consumes one message at a time
//   via waitForEvent (a tea.Cmd), immediately queuing the next read after
//   each message is processed.
package main

import (
	"bytes"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/noahkawaguchi/prattle/internal/certs"
	"github.com/noahkawaguchi/prattle/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(cyan).
			Width(10)

	hintStyle = lipgloss.NewStyle().
			Foreground(gray).
			Italic(true)

	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(orange)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type serverLineMsg string     // one newline-terminated line from the server
type promptMsg struct{}       // the server is asking for a username
type disconnectedMsg struct{} // server closed the connection

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateUsername appState = iota
	stateChat
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type model struct {
	conn   net.Conn
	events chan tea.Msg // reader goroutine → bubbletea bridge

	state appState
	me    string // accepted username

	// Username form
	nameInput   textinput.Model
	pendingName string // submitted, awaiting the server's verdict
	prompted    bool   // the server has asked for a name
	statusMsg   string

	// Chat
	ready       bool
	viewport    viewport.Model
	chatInput   textinput.Model
	chatLines   []string // rendered lines shown in the viewport
	onlineCount int

	width, height int
}

func newModel(conn net.Conn, events chan tea.Msg) model {
	nf := textinput.New()
	nf.Placeholder = "username"
	nf.Focus()
	nf.CharLimit = 32
	nf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…  (/help for commands)"
	ci.CharLimit = 500

	return model{
		conn:      conn,
		events:    events,
		state:     stateUsername,
		nameInput: nf,
		chatInput: ci,
		statusMsg: "Connecting…",
	}
}

// ---------------------------------------------------------------------------
// Tea interface – Init
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events))
}

// ---------------------------------------------------------------------------
// Tea interface – Update
// ---------------------------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case promptMsg:
		m.prompted = true
		// Clear only transient statuses; a rejection should stay visible.
		if m.statusMsg == "Connecting…" || m.statusMsg == "Joining…" {
			m.statusMsg = ""
		}
		return m, waitForEvent(m.events)

	case serverLineMsg:
		m = m.handleServerLine(string(msg))
		return m, waitForEvent(m.events)

	case disconnectedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch m.state {
		case stateUsername:
			return m.handleUsernameKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleUsernameKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEnter:
		if !m.prompted {
			return m, nil
		}
		name := strings.TrimSpace(m.nameInput.Value())
		if name == "" {
			m.statusMsg = "username is required"
			return m, nil
		}
		sendLine(m.conn, name)
		m.pendingName = name
		m.prompted = false
		m.statusMsg = "Joining…"
		return m, nil
	}

	// Forward keystroke to the username field.
	var cmd tea.Cmd
	m.nameInput, cmd = m.nameInput.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		sendLine(m.conn, "/quit")
		return m, tea.Quit

	case tea.KeyEnter:
		content := strings.TrimSpace(m.chatInput.Value())
		if content != "" {
			sendLine(m.conn, content)
			m.chatInput.Reset()
			if protocol.Parse(content).Kind == protocol.KindQuit {
				return m, tea.Quit
			}
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// ---------------------------------------------------------------------------
// Server line handler
// ---------------------------------------------------------------------------

func (m model) handleServerLine(line string) model {
	if m.state == stateUsername {
		return m.handleJoinLine(line)
	}

	switch {
	case line == protocol.ShutdownNotice:
		m.appendChat(errorStyle.Render("⚡ " + line))

	case strings.HasPrefix(line, "Warning: you missed "):
		m.appendChat(warnStyle.Render("⚠ " + line))

	case strings.HasPrefix(line, "Currently online: "):
		m.appendChat(sysStyle.Render(line))

	case strings.HasPrefix(line, "* "):
		m.appendChat(sysStyle.Render(line))
		// Track rough online count from join/leave announcements.
		if strings.HasSuffix(line, "joined the server") {
			m.onlineCount++
		} else if strings.HasSuffix(line, "left the server") && m.onlineCount > 0 {
			m.onlineCount--
		}

	default:
		// "name: text" chat messages; anything else (help output, the
		// goodbye line) passes through unstyled.
		if name, text, ok := strings.Cut(line, ": "); ok && !strings.ContainsRune(name, ' ') {
			if name == m.me {
				line = myNameStyle.Render(name) + ": " + text
			} else {
				line = peerStyle.Render(name) + ": " + text
			}
		}
		m.appendChat(line)
	}
	return m
}

// handleJoinLine interprets server output while the username is negotiated.
func (m model) handleJoinLine(line string) model {
	switch line {
	case protocol.NameEmptyLine, protocol.NameTakenLine, protocol.NameInvalidLine:
		m.statusMsg = line
		m.pendingName = ""
	case protocol.ShutdownNotice:
		m.statusMsg = line
	case protocol.WelcomeLine(m.pendingName):
		m.me = m.pendingName
		m.state = stateChat
		m.chatInput.Focus()
		m.onlineCount = 1
		m.appendChat(sysStyle.Render(line))
	}
	return m
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

// ---------------------------------------------------------------------------
// Tea interface – View
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateUsername:
		return m.viewUsername()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewUsername() string {
	if m.width == 0 {
		return "\n  Connecting to server…"
	}

	title := titleStyle.Render("  Prattle  ")

	form := lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		labelStyle.Render("Username")+"  "+m.nameInput.View(),
		"",
		hintStyle.Render("Enter: join   Ctrl+C: quit"),
		"",
		m.renderStatus(),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" Prattle  ·  %s  ·  %d online  ·  PgUp/Dn: Scroll  Ctrl+C: Quit",
			m.me, m.onlineCount))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

// renderStatus renders the username status line with appropriate colour.
func (m model) renderStatus() string {
	switch m.statusMsg {
	case "":
		return ""
	case "Connecting…", "Joining…":
		return hintStyle.Render(m.statusMsg)
	}
	return errorStyle.Render(m.statusMsg)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitForEvent returns a tea.Cmd that blocks until the reader goroutine
// delivers the next server event.  When ch is closed (server disconnected),
// it returns disconnectedMsg.
func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return msg
	}
}

// sendLine writes one newline-terminated line to conn.  Write errors are
// left for the reader goroutine to surface as a disconnect.
func sendLine(conn net.Conn, line string) {
	conn.Write([]byte(line + "\n"))
}

// readServer forwards server output to events: one serverLineMsg per line,
// plus a promptMsg whenever the unterminated username prompt is pending.
func readServer(conn net.Conn, events chan<- tea.Msg) {
	defer close(events)
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				events <- serverLineMsg(strings.TrimSuffix(string(pending[:i]), "\r"))
				pending = pending[i+1:]
			}
			if string(pending) == protocol.UsernamePrompt {
				events <- promptMsg{}
				pending = pending[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", envOr("PRATTLE_ADDR", "127.0.0.1:8000"), "server address")
	certDir := flag.String("certs", envOr("PRATTLE_CERT_DIR", "certs"), "directory holding the server's server.crt")
	flag.Parse()

	pool, err := certs.Pool(*certDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load server certificate: %v\n", err)
		os.Exit(1)
	}

	conn, err := tls.Dial("tcp", *addr, &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost", // the generated certificate's DNS name
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// events bridges the TLS reader goroutine and the Bubbletea event loop.
	events := make(chan tea.Msg, 64)
	go readServer(conn, events)

	p := tea.NewProgram(
		newModel(conn, events),
		tea.WithAltScreen(),       // use the alternate screen buffer
		tea.WithMouseCellMotion(), // enable mouse wheel scrolling
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// envOr reads key from the environment, falling back when unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
