// Package progress renders a live terminal dashboard for an ingestion
// run. The model consumes pipeline notifications as bubbletea messages
// and draws counters, a documents-per-second sparkline, and the most
// recently processed documents. It is only started for interactive
// terminals; batch runs get plain logs.
package progress

import (
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/qloader/internal/state"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 60
	recentSize      = 6
	titleWidth      = 48
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// Messages fed into the model.
type (
	runStartedMsg struct {
		projectID string
		runID     int64
	}
	runFinishedMsg struct {
		projectID string
		runID     int64
		counters  state.RunCounters
	}
	docIngestedMsg struct {
		title      string
		sourceType string
		chunks     int
	}
	docFailedMsg struct {
		title      string
		sourceType string
		reason     string
	}
	docDeletedMsg struct {
		documentID string
	}
	tickMsg time.Time
)

// docLine is one row of the recent-documents section.
type docLine struct {
	title      string
	sourceType string
	ok         bool
	reason     string
}

// liveStats tallies notifications while the run is in flight; the
// authoritative RunCounters replace them when the run finishes.
type liveStats struct {
	ingested int
	failed   int
	deleted  int
	chunks   int
}

// Model is the bubbletea model for one ingestion session. Watch mode
// reuses it across cycles; each runStartedMsg resets the live tallies.
type Model struct {
	project  string
	runID    int64
	started  time.Time
	running  bool
	quitting bool

	spinner    spinner.Model
	throughput progress.Model

	stats        liveStats
	final        *state.RunCounters
	recent       []docLine
	docsThisTick int
	rateHistory  []float64
	ratePeak     float64
}

// NewModel creates a dashboard model for the given project.
func NewModel(project string) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	bar := progress.New(
		progress.WithGradient("#00ffff", "#ff00ff"),
		progress.WithWidth(40),
	)
	return Model{
		project:     project,
		started:     time.Now(),
		spinner:     sp,
		throughput:  bar,
		recent:      make([]docLine, 0, recentSize),
		rateHistory: make([]float64, 0, historySize),
		ratePeak:    1.0,
	}
}

// Quitting reports whether the user asked to stop the run.
func (m Model) Quitting() bool { return m.quitting }

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the spinner and the once-per-second rate tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

// Update folds one message into the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.rateHistory = appendToHistory(m.rateHistory, float64(m.docsThisTick))
		if float64(m.docsThisTick) > m.ratePeak {
			m.ratePeak = float64(m.docsThisTick)
		}
		m.docsThisTick = 0
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case runStartedMsg:
		m.runID = msg.runID
		m.running = true
		m.final = nil
		m.stats = liveStats{}
		m.recent = m.recent[:0]
		return m, nil

	case runFinishedMsg:
		counters := msg.counters
		m.final = &counters
		m.running = false
		return m, nil

	case docIngestedMsg:
		m.stats.ingested++
		m.stats.chunks += msg.chunks
		m.docsThisTick++
		m.recent = appendRecent(m.recent, docLine{
			title:      msg.title,
			sourceType: msg.sourceType,
			ok:         true,
		})
		return m, nil

	case docFailedMsg:
		m.stats.failed++
		m.recent = appendRecent(m.recent, docLine{
			title:      msg.title,
			sourceType: msg.sourceType,
			reason:     msg.reason,
		})
		return m, nil

	case docDeletedMsg:
		m.stats.deleted++
		return m, nil
	}

	return m, nil
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func appendRecent(lines []docLine, line docLine) []docLine {
	lines = append(lines, line)
	if len(lines) > recentSize {
		lines = lines[1:]
	}
	return lines
}

func renderSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	return sparklineStyle.Render(spark.View())
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string

	header := headerStyle.Render(" qloader ingest ")
	headerLine := fmt.Sprintf("%s   %s %s   %s",
		m.statusBadge(),
		dimStyle.Render("project:"),
		valueStyle.Render(m.project),
		dimStyle.Render("elapsed: "+FormatElapsed(time.Since(m.started))),
	)
	content += header + "\n" + headerLine + "\n"

	content += "\n" + sectionStyle.Render("┃ Documents") + "\n"
	content += labelStyle.Render("  Ingested: ") + valueStyle.Render(fmt.Sprintf("%d", m.stats.ingested)) +
		"  " + labelStyle.Render("Failed: ") + m.failedValue() +
		"  " + labelStyle.Render("Deleted: ") + valueStyle.Render(fmt.Sprintf("%d", m.stats.deleted)) + "\n"
	content += labelStyle.Render("  Chunks: ") + valueStyle.Render(FormatCount(m.stats.chunks)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Throughput") + "\n"
	content += labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(m.currentRate())) +
		"   " + renderSparkline(m.rateHistory) + "\n"
	content += labelStyle.Render("  Load: ") +
		m.throughput.ViewAs(m.loadRatio()) +
		" " + dimStyle.Render(fmt.Sprintf("%.0f%%", m.loadRatio()*100)) + "\n"

	if len(m.recent) > 0 {
		content += "\n" + sectionStyle.Render("┃ Recent") + "\n"
		for _, line := range m.recent {
			content += "  " + renderDocLine(line) + "\n"
		}
	}

	if m.final != nil {
		content += "\n" + sectionStyle.Render("┃ Run Summary") + "\n"
		content += labelStyle.Render("  Seen: ") + valueStyle.Render(fmt.Sprintf("%d", m.final.Seen)) +
			"  " + labelStyle.Render("New: ") + valueStyle.Render(fmt.Sprintf("%d", m.final.New)) +
			"  " + labelStyle.Render("Updated: ") + valueStyle.Render(fmt.Sprintf("%d", m.final.Updated)) +
			"  " + labelStyle.Render("Unchanged: ") + valueStyle.Render(fmt.Sprintf("%d", m.final.Unchanged)) +
			"  " + labelStyle.Render("Failed: ") + valueStyle.Render(fmt.Sprintf("%d", m.final.Failed)) + "\n"
		content += labelStyle.Render("  Chunks: ") + valueStyle.Render(FormatCount(m.final.ChunksWritten)) +
			"  " + labelStyle.Render("Embeddings: ") + valueStyle.Render(FormatCount(m.final.EmbeddingsMade)) + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" stop run")
	content += "\n" + footer

	return containerStyle.Render(content)
}

func (m Model) statusBadge() string {
	switch {
	case m.final != nil:
		return okStyle.Render("✓ DONE")
	case m.running:
		return m.spinner.View() + okStyle.Render(fmt.Sprintf("RUN %d", m.runID))
	default:
		return dimStyle.Render("WAITING")
	}
}

func (m Model) failedValue() string {
	if m.stats.failed > 0 {
		return failStyle.Render(fmt.Sprintf("%d", m.stats.failed))
	}
	return valueStyle.Render("0")
}

func (m Model) currentRate() float64 {
	if len(m.rateHistory) == 0 {
		return 0
	}
	return m.rateHistory[len(m.rateHistory)-1]
}

func (m Model) loadRatio() float64 {
	if m.ratePeak <= 0 {
		return 0
	}
	ratio := m.currentRate() / m.ratePeak
	if ratio > 1.0 {
		ratio = 1.0
	}
	return ratio
}

func renderDocLine(line docLine) string {
	badge := okStyle.Render("✓")
	if !line.ok {
		badge = failStyle.Render("✗")
	}
	out := badge + " " + valueStyle.Render(TruncateTitle(line.title, titleWidth)) +
		" " + dimStyle.Render(line.sourceType)
	if line.reason != "" {
		out += " " + failStyle.Render(TruncateTitle(line.reason, titleWidth))
	}
	return out
}
