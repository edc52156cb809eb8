// Package main provides a terminal dashboard over the Core facade's
// resource status (spec.md §6.1's operational surface).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/core"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(24)
	valueStyle = lipgloss.NewStyle().Bold(true)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).MarginBottom(1)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	critStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
)

const pollInterval = time.Second

func main() {
	hintsPath := flag.String("hints", "", "Path to an engine-selector hints file (overrides RGEC_HINTS_PATH)")
	flag.Parse()

	cfg := config.Load()
	cfg.Validate()

	path := cfg.HintsPath
	if *hintsPath != "" {
		path = *hintsPath
	}

	c, err := core.New(cfg, core.Dependencies{HintsPath: path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize core: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	p := tea.NewProgram(newModel(c))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		os.Exit(1)
	}
}

type statusMsg core.ResourceStatus

type model struct {
	core   *core.Core
	status core.ResourceStatus
	ticks  int
}

func newModel(c *core.Core) model {
	return model{core: c}
}

func (m model) Init() tea.Cmd {
	return m.poll()
}

func (m model) poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return statusMsg(m.core.ResourceStatus())
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		m.status = core.ResourceStatus(msg)
		m.ticks++
		return m, m.poll()
	}
	return m, nil
}

func (m model) View() string {
	s := m.status

	var b lipgloss.Style
	degradationLine := fmt.Sprintf("%.2f", s.DegradationScore)
	switch {
	case s.DegradationScore >= 0.8:
		b = critStyle
	case s.DegradationScore >= 0.5:
		b = warnStyle
	default:
		b = okStyle
	}

	breakerLine := fmt.Sprintf("%.1f%%", s.BreakerOpenFraction*100)
	var breakerStyle lipgloss.Style
	if s.BreakerOpenFraction > 0.25 {
		breakerStyle = warnStyle
	} else {
		breakerStyle = okStyle
	}

	row := func(label string, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
	}

	out := titleStyle.Render("rgec resource status") + "\n"
	out += row("Browser pool available:", fmt.Sprintf("%d", s.BrowserPoolAvailable))
	out += row("Browsers acquired:", fmt.Sprintf("%d", s.BrowserPoolStats.Acquired.Load()))
	out += row("Browsers recycled:", fmt.Sprintf("%d", s.BrowserPoolStats.Recycled.Load()))
	out += row("Browser pool errors:", fmt.Sprintf("%d", s.BrowserPoolStats.Errors.Load()))
	out += row("WASM pool available:", fmt.Sprintf("%d", s.WasmPoolAvailable))
	out += row("CDP connections:", fmt.Sprintf("%d", s.CDPConnections))
	out += row("Cached artifacts:", fmt.Sprintf("%d", s.CachedArtifacts))
	out += row("Active sessions:", fmt.Sprintf("%d", s.ActiveSessions))
	out += row("Tracked domains:", fmt.Sprintf("%d", s.TrackedDomains))
	out += labelStyle.Render("Degradation score:") + b.Render(degradationLine) + "\n"
	out += labelStyle.Render("Breaker open fraction:") + breakerStyle.Render(breakerLine) + "\n"
	out += "\n" + lipgloss.NewStyle().Faint(true).Render(fmt.Sprintf("polled %d times · press q to quit", m.ticks))

	return out
}
