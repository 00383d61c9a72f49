package progress

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// IsInteractive reports whether stdout is attached to a terminal. The
// dashboard takes over the screen, so batch and piped invocations must
// fall back to plain log output.
func IsInteractive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Tracker translates orchestrator run events into dashboard messages.
// Its methods are safe to call from the ingest goroutines; bubbletea
// serializes delivery on its own loop.
type Tracker struct {
	send func(tea.Msg)
}

// NewTracker builds a tracker that forwards messages through send.
// Exposed for tests; production code obtains one from Dashboard.
func NewTracker(send func(tea.Msg)) *Tracker {
	return &Tracker{send: send}
}

// RunStarted resets the dashboard for a fresh run.
func (t *Tracker) RunStarted(_ context.Context, projectID string, runID int64) {
	t.send(runStartedMsg{projectID: projectID, runID: runID})
}

// RunFinished publishes the authoritative counters for the run.
func (t *Tracker) RunFinished(_ context.Context, projectID string, runID int64, counters state.RunCounters) {
	t.send(runFinishedMsg{projectID: projectID, runID: runID, counters: counters})
}

// DocumentIngested records one successfully written document.
func (t *Tracker) DocumentIngested(_ context.Context, _ string, h document.Header, chunks int) {
	t.send(docIngestedMsg{title: headerTitle(h), sourceType: h.SourceType, chunks: chunks})
}

// DocumentFailed records one document that could not be processed.
func (t *Tracker) DocumentFailed(_ context.Context, _ string, h document.Header, reason string) {
	t.send(docFailedMsg{title: headerTitle(h), sourceType: h.SourceType, reason: reason})
}

// DocumentDeleted records the removal of a document that vanished upstream.
func (t *Tracker) DocumentDeleted(_ context.Context, _ string, _ string, _ string, documentID string) {
	t.send(docDeletedMsg{documentID: documentID})
}

// headerTitle prefers the human title but falls back to the document ID,
// which is always set.
func headerTitle(h document.Header) string {
	if h.Title != "" {
		return h.Title
	}
	return h.ID
}

// Dashboard owns the terminal UI program for one ingest invocation.
type Dashboard struct {
	program *tea.Program
	tracker *Tracker
}

// New builds a dashboard for the given project. Run must be called on
// the main goroutine before any tracker events are delivered.
func New(project string) *Dashboard {
	program := tea.NewProgram(NewModel(project), tea.WithAltScreen())
	return &Dashboard{
		program: program,
		tracker: NewTracker(func(msg tea.Msg) { program.Send(msg) }),
	}
}

// Tracker returns the event sink to hand to the orchestrator.
func (d *Dashboard) Tracker() *Tracker {
	return d.tracker
}

// Run blocks until the user quits or Quit is called. It reports whether
// the user asked to stop, which the caller turns into a run cancel.
func (d *Dashboard) Run() (userQuit bool, err error) {
	final, err := d.program.Run()
	if err != nil {
		return false, err
	}
	if m, ok := final.(Model); ok {
		return m.Quitting(), nil
	}
	return false, nil
}

// Quit tears the dashboard down once the ingest driver has finished.
func (d *Dashboard) Quit() {
	d.program.Quit()
}
