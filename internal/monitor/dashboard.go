// Package monitor renders a live terminal dashboard of one tenant's quota
// usage.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/rag"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Source fetches the tenant's usage. *client.Client implements it.
type Source interface {
	Quota(ctx context.Context) (*quota.Status, error)
	Stats(ctx context.Context) (*rag.Stats, error)
}

// Snapshot is one poll of the server.
type Snapshot struct {
	Status *quota.Status
	Stats  *rag.Stats
}

// Model is the BubbleTea dashboard model.
type Model struct {
	source     Source
	server     string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	history    map[quota.Dimension][]float64
	err        error
	quitting   bool

	usageProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling source every interval. server is
// only displayed.
func NewModel(source Source, server string, interval time.Duration) Model {
	return Model{
		source:   source,
		server:   server,
		interval: interval,
		history:  make(map[quota.Dimension][]float64, len(quota.Dimensions)),
		usageProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
	}
}

// usageBadge returns a colored badge for a usage percentage.
func usageBadge(pct float64) string {
	if pct < 70 {
		return healthyStyle.Render("[✓]")
	} else if pct < 90 {
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// statusBadge summarizes the most used dimension.
func statusBadge(pct float64) string {
	if pct < 70 {
		return healthyStyle.Render("✓ OK")
	} else if pct < 90 {
		return warningStyle.Render("⚠ NEAR LIMIT")
	} else if pct < 100 {
		return errorStyle.Render("✗ CRITICAL")
	}
	return errorStyle.Render("✗ AT LIMIT")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.source),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls quota and stats.
func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		status, err := source.Quota(ctx)
		if err != nil {
			return errMsg{err}
		}
		stats, err := source.Stats(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{Status: status, Stats: stats}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.source),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		history := make(map[quota.Dimension][]float64, len(m.history))
		for dim, h := range m.history {
			history[dim] = h
		}
		if snap.Status != nil {
			for _, dim := range quota.Dimensions {
				history[dim] = appendToHistory(history[dim], float64(snap.Status.Dimensions[dim].Current))
			}
		}
		m.history = history
		m.snapshot = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("ragd Quota Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot fetch usage from ragd") + "\n\n")
	b.WriteString(dimStyle.Render("Server: ") + valueStyle.Render(m.server) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" ragd Quota Monitor ") + "\n")

	st := m.snapshot.Status
	if st == nil {
		b.WriteString(dimStyle.Render("Waiting for data from "+m.server) + "\n")
		b.WriteString("\n" + m.footer())
		return containerStyle.Render(b.String())
	}

	peak := 0.0
	for _, ds := range st.Dimensions {
		if ds.Percentage > peak {
			peak = ds.Percentage
		}
	}
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		statusBadge(peak),
		dimStyle.Render("Tenant:"), valueStyle.Render(st.TenantID),
		dimStyle.Render("Plan:"), valueStyle.Render(string(st.Plan)),
		dimStyle.Render(lastUpdateStr))

	b.WriteString("\n" + sectionStyle.Render("┃ Storage") + "\n")
	for _, dim := range []quota.Dimension{quota.DimDocuments, quota.DimVectors, quota.DimStorageBytes} {
		b.WriteString(m.renderDimension(dim, st.Dimensions[dim]))
	}
	if stats := m.snapshot.Stats; stats != nil && !stats.LastUpdated.IsZero() {
		b.WriteString(labelStyle.Render("  Last change: ") +
			valueStyle.Render(stats.LastUpdated.Local().Format("2006-01-02 15:04:05")) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Activity") + "\n")
	for _, dim := range []quota.Dimension{quota.DimUploads, quota.DimQueries} {
		b.WriteString(m.renderDimension(dim, st.Dimensions[dim]))
		if period := st.Periods[dim]; period != "" {
			b.WriteString(labelStyle.Render("    Period: ") + dimStyle.Render(period) + "\n")
		}
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) renderDimension(dim quota.Dimension, ds quota.DimensionStatus) string {
	pct := ds.Percentage / 100
	if pct > 1 {
		pct = 1
	}
	return labelStyle.Render(fmt.Sprintf("  %-10s ", DimensionLabel(dim)+":")) +
		valueStyle.Render(FormatUsage(dim, ds)) +
		" " + usageBadge(ds.Percentage) +
		"   " + createSparkline(m.history[dim]) + "\n" +
		"    " + m.usageProgress.ViewAs(pct) +
		" " + dimStyle.Render(FormatPercentage(ds.Percentage)) + "\n"
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}
