package console

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/nodecore/pkg/types"
)

// ErrDetached the terminal UI has exited; renders are dropped
var ErrDetached = errors.New("console detached")

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	phaseStyles = map[types.Phase]lipgloss.Style{
		types.PhaseStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		types.PhaseRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		types.PhaseDraining: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
	statusStyles = map[types.PeerStatus]lipgloss.Style{
		types.PeerConnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		types.PeerActive:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		types.PeerStale:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		types.PeerEvicted:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	logStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	boxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const maxPeerRows = 15

type frameMsg Frame

// model the bubbletea model of the dashboard
type model struct {
	frame       Frame
	hasFrame    bool
	width       int
	onInterrupt func()
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case frameMsg:
		m.frame = Frame(msg)
		m.hasFrame = true
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q":
			// Detach the dashboard only; the node keeps running.
			return m, tea.Quit
		case "ctrl+c":
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
			return m, nil
		}
	}
	return m, nil
}

func (m model) View() string {
	if !m.hasFrame {
		return "starting...\n"
	}
	return renderFrame(m.frame)
}

// renderFrame draws a frame as text
func renderFrame(f Frame) string {
	var s strings.Builder
	snap := f.Snapshot

	phase := f.Phase.String()
	if st, ok := phaseStyles[f.Phase]; ok {
		phase = st.Render(phase)
	}
	s.WriteString(titleStyle.Render("nodecore " + snap.Identity.NodeID))
	s.WriteString(fmt.Sprintf("  phase=%s generation=%d addr=%s\n\n", phase, snap.Generation, snap.Identity.Address))

	// Endpoints and sessions
	var eps strings.Builder
	eps.WriteString(headerStyle.Render(fmt.Sprintf("%-14s %-22s %s", "ENDPOINT", "ADDRESS", "SESSIONS")))
	eps.WriteString("\n")
	for _, role := range types.Roles {
		addr := f.Addrs[role]
		if addr == "" {
			addr = "-"
		}
		eps.WriteString(fmt.Sprintf("%-14s %-22s %d\n", role, addr, f.Sessions[role]))
	}
	s.WriteString(boxStyle.Render(strings.TrimRight(eps.String(), "\n")))
	s.WriteString("\n")

	// Peers
	var peers strings.Builder
	counts := snap.StatusCounts()
	peers.WriteString(headerStyle.Render(fmt.Sprintf("PEERS %d (active %d, stale %d, evicted %d)",
		len(snap.Peers), counts[types.PeerActive], counts[types.PeerStale], counts[types.PeerEvicted])))
	peers.WriteString("\n")
	list := snap.PeerList()
	if len(list) == 0 {
		peers.WriteString("(no peers)\n")
	}
	for i, p := range list {
		if i == maxPeerRows {
			peers.WriteString(fmt.Sprintf("... %d more\n", len(list)-maxPeerRows))
			break
		}
		status := string(p.Status)
		if st, ok := statusStyles[p.Status]; ok {
			status = st.Render(fmt.Sprintf("%-10s", status))
		}
		age := f.RenderedAt.Sub(p.LastSeen).Truncate(time.Second)
		peers.WriteString(fmt.Sprintf("%-24s %-22s %s %v ago\n", truncate(p.ID, 24), p.Address, status, age))
	}
	s.WriteString(boxStyle.Render(strings.TrimRight(peers.String(), "\n")))
	s.WriteString("\n")

	// Counters
	if names := snap.CounterNames(); len(names) > 0 {
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", name, snap.Counter(name)))
		}
		s.WriteString(headerStyle.Render("COUNTERS "))
		s.WriteString(strings.Join(parts, "  "))
		s.WriteString("\n")
	}

	// Logs
	if len(f.Logs) > 0 {
		var logs strings.Builder
		for _, e := range f.Logs {
			logs.WriteString(e.Time.Format("15:04:05") + " " + e.Message + "\n")
		}
		s.WriteString(logStyle.Render(strings.TrimRight(logs.String(), "\n")))
		s.WriteString("\n")
	}

	s.WriteString(helpStyle.Render("q detach console • ctrl+c shut down node"))
	s.WriteString("\n")
	return s.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// TeaRenderer renders frames through a bubbletea program
type TeaRenderer struct {
	prog *tea.Program
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewTeaRenderer creates the terminal renderer. onInterrupt runs when the
// user presses ctrl+c inside the dashboard.
func NewTeaRenderer(onInterrupt func(), opts ...tea.ProgramOption) *TeaRenderer {
	m := model{onInterrupt: onInterrupt}
	return &TeaRenderer{
		prog: tea.NewProgram(m, opts...),
		done: make(chan struct{}),
	}
}

// Start runs the program in the background
func (r *TeaRenderer) Start() {
	go func() {
		defer close(r.done)
		if _, err := r.prog.Run(); err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		}
	}()
}

// Done is closed when the program exits (stop, detach or failure)
func (r *TeaRenderer) Done() <-chan struct{} { return r.done }

// Err returns the error the program exited with, if any
func (r *TeaRenderer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Render implements Renderer
func (r *TeaRenderer) Render(f Frame) error {
	select {
	case <-r.done:
		return ErrDetached
	default:
	}
	r.prog.Send(frameMsg(f))
	return nil
}

// Stop quits the program and restores the terminal
func (r *TeaRenderer) Stop() {
	r.prog.Quit()
	<-r.done
}
