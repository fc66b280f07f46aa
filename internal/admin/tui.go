// Package admin is a terminal dashboard over the activity ledger and the
// stored project memories.
package admin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/projmem/internal/ledger"
	"github.com/xiy/projmem/pkg/types"
)

const refreshInterval = 2 * time.Second

// Ledger is the part of the ledger the dashboard reads.
type Ledger interface {
	Stats(ctx context.Context) (ledger.Stats, error)
	RecentRequests(ctx context.Context, limit int) ([]ledger.Request, error)
	UsageByProvider(ctx context.Context) ([]ledger.ProviderUsage, error)
}

// Projects lists stored project memories.
type Projects interface {
	Recent(ctx context.Context, limit int) []types.ProjectMemoryRecord
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, l Ledger, p Projects) error {
	_, err := tea.NewProgram(newModel(ctx, l, p), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

// snapshot is one read of everything the dashboard shows.
type snapshot struct {
	stats    ledger.Stats
	usage    []ledger.ProviderUsage
	requests []ledger.Request
	projects []types.ProjectMemoryRecord
	took     time.Duration
}

type refreshedMsg struct {
	snap snapshot
	err  error
}

type tickMsg time.Time

type pane struct {
	title string
	body  func(m model) string
}

var panes = []pane{
	{"Stats", model.statsBody},
	{"Token Usage", func(m model) string { return usageLines(m.snap.usage) }},
	{"Requests", func(m model) string { return requestLines(m.snap.requests) }},
	{"Recent Projects", func(m model) string { return projectLines(m.snap.projects) }},
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	paneStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	focusedColor = lipgloss.Color("205")
)

type model struct {
	ctx      context.Context
	ledger   Ledger
	projects Projects

	snap      snapshot
	err       error
	refreshed time.Time
	status    string
	focus     int

	requestLimit int
	projectLimit int
	width        int
	height       int
}

func newModel(ctx context.Context, l Ledger, p Projects) model {
	return model{
		ctx:          ctx,
		ledger:       l,
		projects:     p,
		status:       "starting",
		requestLimit: 8,
		projectLimit: 8,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "tab":
			m.focus = (m.focus + 1) % len(panes)
		case "shift+tab":
			m.focus = (m.focus + len(panes) - 1) % len(panes)
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.refreshed = time.Time(msg)
		return m, tea.Batch(m.refresh(), tick())
	case refreshedMsg:
		m.err = msg.err
		if msg.err != nil {
			m.status = "refresh failed: " + msg.err.Error()
			break
		}
		m.snap = msg.snap
		m.status = fmt.Sprintf("%d requests, %d providers, %d projects in %s",
			msg.snap.stats.Requests, len(msg.snap.usage), len(msg.snap.projects), roundDuration(msg.snap.took))
	}
	return m, nil
}

// refresh reads the ledger and the project store off the update loop.
func (m model) refresh() tea.Cmd {
	ctx, l, p := m.ctx, m.ledger, m.projects
	reqLimit, projLimit := m.requestLimit, m.projectLimit
	return func() tea.Msg {
		start := time.Now()
		var snap snapshot
		if p != nil {
			snap.projects = p.Recent(ctx, projLimit)
		}
		if l != nil {
			var err error
			if snap.stats, err = l.Stats(ctx); err == nil {
				if snap.usage, err = l.UsageByProvider(ctx); err == nil {
					snap.requests, err = l.RecentRequests(ctx, reqLimit)
				}
			}
			if err != nil {
				return refreshedMsg{err: err}
			}
		}
		snap.took = time.Since(start)
		return refreshedMsg{snap: snap}
	}
}

func (m model) View() string {
	w, h := 54, 9
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}

	boxes := make([]string, len(panes))
	for i, p := range panes {
		style := paneStyle.Width(w).Height(h)
		if i == m.focus {
			style = style.BorderForeground(focusedColor)
		}
		boxes[i] = style.Render(p.title + "\n\n" + p.body(m))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("projmem admin"))
	b.WriteByte('\n')
	b.WriteString(helpStyle.Render("q quit · r refresh · tab focus · every " + refreshInterval.String() + " · " + m.status))
	b.WriteString("\n\n")
	for i := 0; i < len(boxes); i += 2 {
		row := boxes[i]
		if i+1 < len(boxes) {
			row = lipgloss.JoinHorizontal(lipgloss.Top, boxes[i], " ", boxes[i+1])
		}
		b.WriteString(row)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) statsBody() string {
	st := m.snap.stats
	rows := [][2]string{
		{"Requests", fmt.Sprint(st.Requests)},
		{"Errors", fmt.Sprint(st.Errors)},
		{"Provider calls", fmt.Sprint(st.ProviderCalls)},
		{"Tokens", fmt.Sprint(st.TotalTokens)},
		{"Last refresh", stamp(m.refreshed)},
	}
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-16s %s", r[0]+":", r[1])
	}
	if m.err != nil {
		b.WriteString("\n\nLast error: " + ellipsize(squash(m.err.Error()), 120))
	}
	return b.String()
}

func requestLines(rows []ledger.Request) string {
	if len(rows) == 0 {
		return "(no requests yet)"
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		name := strings.TrimSpace(r.Method)
		if tool := strings.TrimSpace(r.ToolName); tool != "" {
			name += ":" + tool
		}
		status := "ok"
		if !r.Success {
			status = "err"
		}
		line := fmt.Sprintf("[%s] %-4s %-3s %-24s %4dms", clock(r.CreatedAt), r.Transport, status, ellipsize(name, 24), max(0, r.DurationMS))
		if reason := squash(r.ErrorText); !r.Success && reason != "" {
			line += " " + ellipsize(reason, 52)
		}
		out[i] = line
	}
	return strings.Join(out, "\n")
}

func usageLines(rows []ledger.ProviderUsage) string {
	if len(rows) == 0 {
		return "(no provider calls yet)"
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = fmt.Sprintf("%-10s %5d calls %8d tokens %6.0fms avg", ellipsize(r.Provider, 10), r.Calls, r.TotalTokens, r.AvgDurationMS)
		if r.Failures > 0 {
			out[i] += fmt.Sprintf(" (%d failed)", r.Failures)
		}
	}
	return strings.Join(out, "\n")
}

func projectLines(rows []types.ProjectMemoryRecord) string {
	if len(rows) == 0 {
		return "(no projects yet)"
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		lang := r.Context.Language
		if lang == "" {
			lang = "-"
		}
		var opened time.Time
		if r.Metadata.LastOpened > 0 {
			opened = time.UnixMilli(r.Metadata.LastOpened)
		}
		out[i] = fmt.Sprintf("[%s] %-10s %s", clock(opened), ellipsize(lang, 10), ellipsize(filepath.Base(r.ProjectPath), 40))
	}
	return strings.Join(out, "\n")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format(time.TimeOnly)
}

func roundDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// ellipsize trims s and cuts it to n runes, marking the cut with "...".
func ellipsize(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	switch {
	case len(r) <= n:
		return string(r)
	case n <= 3:
		return string(r[:n])
	default:
		return string(r[:n-3]) + "..."
	}
}

// squash collapses runs of whitespace to single spaces.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
