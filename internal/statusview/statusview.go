// Package statusview implements a live terminal dashboard over a
// runtimegroup.RuntimeGroup, for `list-runtimes --watch` and `start-dask`
// (spec.md §6). Heavily trimmed and retargeted from the teacher's
// internal/ui/ui.go (Bubble Tea Model-Update-View dashboard, periodic
// tick-driven refresh, lipgloss bordered panels) from SSH-tunnel rows to
// runtime/process rows, and switched from the teacher's hand-rolled table
// rendering to bubbles/table for the process grid.
package statusview

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ml-tooling/lazycluster/runtimegroup"
)

// DefaultRefreshSeconds mirrors the teacher's util.DefaultRefreshSeconds.
const DefaultRefreshSeconds = 3

type tickMsg time.Time

// model is the Bubble Tea model for the dashboard. Unexported: Run is the
// only entry point.
type model struct {
	group         *runtimegroup.RuntimeGroup
	refreshEvery  int
	title         string
	tbl           table.Model
	status        string
	width, height int
}

func newModel(group *runtimegroup.RuntimeGroup, title string, refreshSeconds int) model {
	if refreshSeconds <= 0 {
		refreshSeconds = DefaultRefreshSeconds
	}
	columns := []table.Column{
		{Title: "HOST", Width: 22},
		{Title: "OS", Width: 10},
		{Title: "CPU", Width: 5},
		{Title: "MEM(MB)", Width: 9},
		{Title: "GPU", Width: 5},
		{Title: "PROCESS", Width: 14},
		{Title: "DETAIL", Width: 18},
		{Title: "ALIVE", Width: 6},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(12),
	)
	style := table.DefaultStyles()
	style.Header = style.Header.Bold(true).Foreground(lipgloss.Color("39"))
	style.Selected = style.Selected.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("0"))
	t.SetStyles(style)

	m := model{group: group, refreshEvery: refreshSeconds, title: title, tbl: t}
	m.refreshRows()
	m.status = "Press q or Ctrl+C to quit."
	return m
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(seconds)*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.refreshEvery)
}

func (m *model) refreshRows() {
	var rows []table.Row
	for _, rt := range m.group.Runtimes() {
		osName, cpu, mem, gpu := "?", "?", "?", "no"
		if info, ok := rt.CachedInfo(); ok {
			osName = info.OS
			cpu = fmt.Sprint(info.CPUCores)
			mem = fmt.Sprint(info.MemoryMB)
			if info.HasGPU() {
				gpu = fmt.Sprint(len(info.GPUs))
			}
		}

		procs := rt.GetProcesses(false)
		if len(procs) == 0 {
			rows = append(rows, table.Row{rt.Host(), osName, cpu, mem, gpu, "-", "-", "-"})
			continue
		}
		for _, p := range procs {
			kind, a, b := p.Key.Describe()
			detail := a
			if b != "" {
				detail = a + " -> " + b
			}
			alive := "no"
			if p.Alive() {
				alive = "yes"
			}
			rows = append(rows, table.Row{rt.Host(), osName, cpu, mem, gpu, kind, detail, alive})
		}
	}
	m.tbl.SetRows(rows)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refreshRows()
		return m, tickCmd(m.refreshEvery)
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func (m model) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render(m.title)
	subhead := fmt.Sprintf("runtimes=%d", m.group.Len())
	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Render(m.tbl.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Render(m.status)
	return lipgloss.JoinVertical(lipgloss.Left, head, subhead, border, status, "")
}

// Run starts the dashboard as a full-screen terminal application, polling
// group every refreshSeconds until the user quits. Used by list-runtimes
// --watch and start-dask (spec.md §6).
func Run(group *runtimegroup.RuntimeGroup, title string, refreshSeconds int) error {
	p := tea.NewProgram(newModel(group, title, refreshSeconds), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Snapshot renders a single, non-interactive frame of the table (used by
// list-runtimes --long without --watch, avoiding a TUI takeover for a
// one-shot listing).
func Snapshot(group *runtimegroup.RuntimeGroup) string {
	m := newModel(group, "lazycluster runtimes", DefaultRefreshSeconds)
	var b strings.Builder
	b.WriteString(m.View())
	return b.String()
}
