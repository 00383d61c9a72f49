package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// Events receives run and document notifications from the pipeline.
// Implementations must return quickly and must never fail the run; the
// NATS publisher in internal/events is the production implementation.
type Events interface {
	RunStarted(ctx context.Context, projectID string, runID int64)
	RunFinished(ctx context.Context, projectID string, runID int64, counters state.RunCounters)
	DocumentIngested(ctx context.Context, projectID string, h document.Header, chunks int)
	DocumentFailed(ctx context.Context, projectID string, h document.Header, reason string)
	DocumentDeleted(ctx context.Context, projectID, sourceType, sourceName, documentID string)
}

// MultiEvents fans every notification out to each sink in order. Nil
// sinks are skipped so callers can pass optional publishers straight
// through.
func MultiEvents(sinks ...Events) Events {
	kept := make(multiEvents, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	switch len(kept) {
	case 0:
		return NopEvents{}
	case 1:
		return kept[0]
	}
	return kept
}

type multiEvents []Events

func (m multiEvents) RunStarted(ctx context.Context, projectID string, runID int64) {
	for _, s := range m {
		s.RunStarted(ctx, projectID, runID)
	}
}

func (m multiEvents) RunFinished(ctx context.Context, projectID string, runID int64, counters state.RunCounters) {
	for _, s := range m {
		s.RunFinished(ctx, projectID, runID, counters)
	}
}

func (m multiEvents) DocumentIngested(ctx context.Context, projectID string, h document.Header, chunks int) {
	for _, s := range m {
		s.DocumentIngested(ctx, projectID, h, chunks)
	}
}

func (m multiEvents) DocumentFailed(ctx context.Context, projectID string, h document.Header, reason string) {
	for _, s := range m {
		s.DocumentFailed(ctx, projectID, h, reason)
	}
}

func (m multiEvents) DocumentDeleted(ctx context.Context, projectID, sourceType, sourceName, documentID string) {
	for _, s := range m {
		s.DocumentDeleted(ctx, projectID, sourceType, sourceName, documentID)
	}
}

// NopEvents discards every notification.
type NopEvents struct{}

func (NopEvents) RunStarted(context.Context, string, int64) {}

func (NopEvents) RunFinished(context.Context, string, int64, state.RunCounters) {}

func (NopEvents) DocumentIngested(context.Context, string, document.Header, int) {}

func (NopEvents) DocumentFailed(context.Context, string, document.Header, string) {}

func (NopEvents) DocumentDeleted(context.Context, string, string, string, string) {}
