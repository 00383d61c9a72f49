// Package events publishes ingest lifecycle notifications to NATS.
// Subjects are <prefix>.run.started, <prefix>.run.finished,
// <prefix>.document.ingested, <prefix>.document.failed, and
// <prefix>.document.deleted, with JSON payloads.
//
// Publication is fire-and-forget: a broker outage logs one warning and
// is otherwise invisible to the ingestion run.
package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// DefaultSubjectPrefix is used when the configuration leaves the
// prefix empty.
const DefaultSubjectPrefix = "qloader"

// Config connects a Publisher.
type Config struct {
	// URL is the NATS server address.
	URL string

	// SubjectPrefix replaces DefaultSubjectPrefix when set.
	SubjectPrefix string

	Logger *logging.Logger
}

// conn is the slice of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher emits lifecycle events. It implements the orchestrator's
// Events interface.
type Publisher struct {
	nc     conn
	prefix string
	logger *logging.Logger
	warned atomic.Bool
}

// Connect dials NATS and returns a Publisher. Connection retries are
// left to the client: it buffers while reconnecting, so a broker
// restart mid-run loses nothing it can avoid losing.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errkind.New(errkind.Config, "events: nats url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("qloader"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	logger.Info(context.Background(), "connected to nats", zap.String("url", cfg.URL))
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(nc conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger.Named("events"),
	}
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}

type runEvent struct {
	ProjectID string             `json:"project_id"`
	RunID     int64              `json:"run_id"`
	At        time.Time          `json:"at"`
	Counters  *state.RunCounters `json:"counters,omitempty"`
}

type documentEvent struct {
	ProjectID  string    `json:"project_id"`
	SourceType string    `json:"source_type"`
	SourceName string    `json:"source_name"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title,omitempty"`
	URL        string    `json:"url,omitempty"`
	Chunks     int       `json:"chunks,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// RunStarted publishes <prefix>.run.started.
func (p *Publisher) RunStarted(ctx context.Context, projectID string, runID int64) {
	p.publish(ctx, p.prefix+".run.started", runEvent{
		ProjectID: projectID,
		RunID:     runID,
		At:        time.Now().UTC(),
	})
}

// RunFinished publishes <prefix>.run.finished with the run counters.
func (p *Publisher) RunFinished(ctx context.Context, projectID string, runID int64, counters state.RunCounters) {
	p.publish(ctx, p.prefix+".run.finished", runEvent{
		ProjectID: projectID,
		RunID:     runID,
		At:        time.Now().UTC(),
		Counters:  &counters,
	})
}

// DocumentIngested publishes <prefix>.document.ingested.
func (p *Publisher) DocumentIngested(ctx context.Context, projectID string, h document.Header, chunks int) {
	p.publish(ctx, p.prefix+".document.ingested", documentEvent{
		ProjectID:  projectID,
		SourceType: h.SourceType,
		SourceName: h.SourceName,
		DocumentID: h.ID,
		Title:      h.Title,
		URL:        h.URL,
		Chunks:     chunks,
		At:         time.Now().UTC(),
	})
}

// DocumentFailed publishes <prefix>.document.failed.
func (p *Publisher) DocumentFailed(ctx context.Context, projectID string, h document.Header, reason string) {
	p.publish(ctx, p.prefix+".document.failed", documentEvent{
		ProjectID:  projectID,
		SourceType: h.SourceType,
		SourceName: h.SourceName,
		DocumentID: h.ID,
		Title:      h.Title,
		URL:        h.URL,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}

// DocumentDeleted publishes <prefix>.document.deleted.
func (p *Publisher) DocumentDeleted(ctx context.Context, projectID, sourceType, sourceName, documentID string) {
	p.publish(ctx, p.prefix+".document.deleted", documentEvent{
		ProjectID:  projectID,
		SourceType: sourceType,
		SourceName: sourceName,
		DocumentID: documentID,
		At:         time.Now().UTC(),
	})
}

// publish marshals and sends one message. The first failure logs a
// warning; later ones log at debug so a dead broker does not flood the
// run output.
func (p *Publisher) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err == nil {
		err = p.nc.Publish(subject, data)
	}
	if err == nil {
		return
	}
	if p.warned.CompareAndSwap(false, true) {
		p.logger.Warn(ctx, "event publication failing",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	p.logger.Debug(ctx, "event dropped",
		zap.String("subject", subject), zap.Error(err))
}
