// Copyright 2025 James Ross
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/flyingrobots/cognitive-event-bus/internal/admin"
)

// Read-only operator dashboard for a running eventbusd. Polls the admin
// HTTP surface rather than touching the bus in-process, so the TUI can
// run on a different host than the daemon it's watching.

type viewMode int

const (
	modeConsumers viewMode = iota
	modeGroups
	modeBreakers
)

type snapshotMsg struct {
	snap admin.Snapshot
	err  error
}

type tickMsg struct{}

type model struct {
	client   *http.Client
	baseURL  string
	interval time.Duration

	mode    viewMode
	width   int
	height  int
	loading bool
	errText string

	spinner spinner.Model
	filter  textinput.Model
	tbl     table.Model

	last       admin.Snapshot
	depthHist  []float64
	filterText string
}

func initialModel(baseURL string, interval time.Duration) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	fi := textinput.New()
	fi.Placeholder = "filter consumers (fuzzy)"

	cols := []table.Column{
		{Title: "Consumer", Width: 24},
		{Title: "Group", Width: 16},
		{Title: "State", Width: 12},
		{Title: "Queue", Width: 8},
		{Title: "Load", Width: 8},
		{Title: "Success%", Width: 10},
	}
	t := table.New(table.WithColumns(cols), table.WithFocused(true))
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Selected: lipgloss.NewStyle().Bold(true),
	})

	return model{
		client:   &http.Client{Timeout: 3 * time.Second},
		baseURL:  baseURL,
		interval: interval,
		spinner:  sp,
		filter:   fi,
		tbl:      t,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tea.Every(m.interval, func(time.Time) tea.Msg { return tickMsg{} }), spinner.Tick)
}

func (m model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.baseURL + "/admin/snapshot")
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return snapshotMsg{err: fmt.Errorf("admin snapshot: status %d", resp.StatusCode)}
		}
		var snap admin.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{snap: snap}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			m.mode = (m.mode + 1) % 3
		case "r":
			m.loading = true
			cmds = append(cmds, m.fetchCmd(), spinner.Tick)
		case "/":
			m.filter.Focus()
		case "esc":
			m.filter.Blur()
			m.filter.SetValue("")
			m.filterText = ""
		}
		if m.filter.Focused() {
			var c tea.Cmd
			m.filter, c = m.filter.Update(msg)
			m.filterText = m.filter.Value()
			cmds = append(cmds, c)
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.tbl.SetWidth(m.width)
		if m.height > 10 {
			m.tbl.SetHeight(m.height - 10)
		}
	case tickMsg:
		cmds = append(cmds, m.fetchCmd(), tea.Every(m.interval, func(time.Time) tea.Msg { return tickMsg{} }))
	case snapshotMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.errText = ""
			m.last = msg.snap
			m.depthHist = append(m.depthHist, totalQueueDepth(msg.snap))
			if len(m.depthHist) > 120 {
				m.depthHist = m.depthHist[len(m.depthHist)-120:]
			}
			m.tbl.SetRows(consumerRows(msg.snap, m.filterText))
		}
	}

	if m.loading {
		var c tea.Cmd
		m.spinner, c = m.spinner.Update(msg)
		cmds = append(cmds, c)
	}
	if m.mode == modeConsumers {
		var c tea.Cmd
		m.tbl, c = m.tbl.Update(msg)
		cmds = append(cmds, c)
	}
	return m, tea.Batch(cmds...)
}

func totalQueueDepth(snap admin.Snapshot) float64 {
	var total float64
	for _, c := range snap.Consumers {
		total += float64(c.CurrentQueueDepth)
	}
	return total
}

func consumerRows(snap admin.Snapshot, filter string) []table.Row {
	rows := make([]table.Row, 0, len(snap.Consumers))
	for _, c := range snap.Consumers {
		if filter != "" && !fuzzy.MatchFold(filter, c.ConsumerID) {
			continue
		}
		load := 0.0
		if c.MaxConcurrent > 0 {
			load = float64(c.CurrentConcurrent) / float64(c.MaxConcurrent)
		}
		rows = append(rows, table.Row{
			c.ConsumerID,
			c.GroupID,
			string(c.State),
			fmt.Sprintf("%d", c.CurrentQueueDepth),
			fmt.Sprintf("%.0f%%", load*100),
			fmt.Sprintf("%.1f%%", c.Metrics.SuccessRate()*100),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("Cognitive Event Bus — " + m.baseURL)
	sub := fmt.Sprintf("Mode: %s  |  Uptime: %s  |  Published: %d  |  Dispatched: %d",
		modeName(m.mode), time.Duration(m.last.Bus.UptimeSeconds)*time.Second,
		m.last.Bus.PublishedTotal, m.last.Bus.DispatchedTotal)
	if m.errText != "" {
		sub += "  |  Error: " + m.errText
	}
	if m.loading {
		sub += "  " + m.spinner.View()
	}

	var body string
	switch m.mode {
	case modeConsumers:
		body = m.filter.View() + "\n" + m.tbl.View()
		if len(m.depthHist) > 1 {
			body += "\n" + asciigraph.Plot(m.depthHist, asciigraph.Height(8), asciigraph.Caption("total queue depth"))
		}
	case modeGroups:
		body = renderGroups(m.last)
	case modeBreakers:
		body = renderBreakers(m.last)
	}

	return header + "\n" + sub + "\n\n" + body + "\n" + helpBar()
}

func renderGroups(snap admin.Snapshot) string {
	if len(snap.Groups) == 0 {
		return "(no consumer groups registered)"
	}
	var b strings.Builder
	for _, g := range snap.Groups {
		fmt.Fprintf(&b, "%-20s members=%-4d healthy=%-4d last_scale=%s\n",
			g.GroupID, g.MemberCount, g.HealthyCount, g.LastScaleEvent.Format(time.Kitchen))
	}
	fmt.Fprintf(&b, "\nDLQ: retry_queue=%d permanent=%d poison=%d recovered=%d\n",
		snap.DLQ.RetryQueueDepth, snap.DLQ.PermanentFailures, snap.DLQ.PoisonCount, snap.DLQ.Recovered)
	if len(snap.FailedConsumers) > 0 {
		fmt.Fprintf(&b, "Failed consumers: %s\n", strings.Join(snap.FailedConsumers, ", "))
	}
	return b.String()
}

func renderBreakers(snap admin.Snapshot) string {
	if len(snap.Breakers) == 0 {
		return "(no backpressure components tracked)"
	}
	names := make([]string, 0, len(snap.Breakers))
	for name := range snap.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%-24s %s\n", name, snap.Breakers[name])
	}
	return b.String()
}

func helpBar() string {
	return strings.Join([]string{
		"q:quit", "tab:switch view", "r:refresh", "/:filter", "esc:clear filter",
	}, "  ")
}

func modeName(m viewMode) string {
	switch m {
	case modeConsumers:
		return "Consumers"
	case modeGroups:
		return "Groups/DLQ"
	case modeBreakers:
		return "Breakers"
	default:
		return "?"
	}
}

func main() {
	var addr string
	var interval time.Duration
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&addr, "addr", "http://localhost:9090", "Base URL of a running eventbusd admin surface")
	fs.DurationVar(&interval, "refresh", 2*time.Second, "Refresh interval")
	_ = fs.Parse(os.Args[1:])

	m := initialModel(strings.TrimRight(addr, "/"), interval)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
		os.Exit(1)
	}
}
