// Package orchestrator runs the staged ingestion pipeline. Per project
// it snapshots known documents from the state store, discovers headers
// from every source adapter, classifies each header against the stored
// version signal and content hash, fetches and converts the changed
// ones, then chunks, embeds, and upserts them in batches. After a
// complete discovery it sweeps orphans per source. State records are
// written only after Qdrant acknowledges the corresponding points, so
// a crash re-does work instead of losing it.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/chunking"
	"github.com/fyrsmithlabs/qloader/internal/convert"
	"github.com/fyrsmithlabs/qloader/internal/embeddings"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/sanitize"
	"github.com/fyrsmithlabs/qloader/internal/sources"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// Stage sizing defaults. Queue capacities are fixed; worker counts and
// batch size are configurable through Options.
const (
	DefaultFetchWorkers  = 8
	DefaultEmbedWorkers  = 4
	DefaultEmbedBatch    = 64
	DefaultDrainDeadline = 30 * time.Second
	DefaultWatchDebounce = 2 * time.Second

	headerQueueCap = 256
	docQueueCap    = 64
)

// VectorStore is the slice of the Qdrant client the pipeline writes
// through. *qdrant.Client satisfies it; tests substitute an in-memory
// implementation.
type VectorStore interface {
	Upsert(ctx context.Context, points []*qdrant.Point) error
	DeleteByDocument(ctx context.Context, projectID, documentID string) error
}

// Options tune the pipeline. Zero values take the defaults above.
type Options struct {
	// FetchWorkers sizes the I/O pool that fetches and converts
	// changed documents.
	FetchWorkers int

	// EmbedWorkers sizes the pool that chunks, embeds, and upserts.
	EmbedWorkers int

	// EmbedBatch is the chunk count that triggers an embedding call.
	// A single document larger than the batch is still embedded in
	// one call so its chunks land together.
	EmbedBatch int

	// DrainDeadline bounds how long in-flight batches and final state
	// writes may run after the run context is cancelled.
	DrainDeadline time.Duration

	// WatchDebounce is the quiet period Watch waits after a
	// filesystem event before re-running ingestion.
	WatchDebounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchWorkers <= 0 {
		o.FetchWorkers = DefaultFetchWorkers
	}
	if o.EmbedWorkers <= 0 {
		o.EmbedWorkers = DefaultEmbedWorkers
	}
	if o.EmbedBatch <= 0 {
		o.EmbedBatch = DefaultEmbedBatch
	}
	if o.DrainDeadline <= 0 {
		o.DrainDeadline = DefaultDrainDeadline
	}
	if o.WatchDebounce <= 0 {
		o.WatchDebounce = DefaultWatchDebounce
	}
	return o
}

// Deps are the collaborators an Orchestrator writes through. State,
// Vectors, Embedder, Converter, and Chunker are required. Scrubber is
// optional secret redaction; Logger and Events default to no-ops.
type Deps struct {
	State     *state.Store
	Vectors   VectorStore
	Embedder  embeddings.Provider
	Converter *convert.Converter
	Chunker   *chunking.Chunker
	Scrubber  *sanitize.Scrubber
	Logger    *logging.Logger
	Events    Events
}

// Orchestrator executes ingestion runs for one workspace.
type Orchestrator struct {
	state   *state.Store
	vectors VectorStore
	embed   embeddings.Provider
	conv    *convert.Converter
	chunker *chunking.Chunker
	scrub   *sanitize.Scrubber
	log     *logging.Logger
	events  Events
	opts    Options
	metrics *metrics
}

// New validates deps and returns a ready Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.State == nil:
		return nil, errkind.New(errkind.Config, "orchestrator: state store is required")
	case deps.Vectors == nil:
		return nil, errkind.New(errkind.Config, "orchestrator: vector store is required")
	case deps.Embedder == nil:
		return nil, errkind.New(errkind.Config, "orchestrator: embedding provider is required")
	case deps.Converter == nil:
		return nil, errkind.New(errkind.Config, "orchestrator: converter is required")
	case deps.Chunker == nil:
		return nil, errkind.New(errkind.Config, "orchestrator: chunker is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Events == nil {
		deps.Events = NopEvents{}
	}
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		state:   deps.State,
		vectors: deps.Vectors,
		embed:   deps.Embedder,
		conv:    deps.Converter,
		chunker: deps.Chunker,
		scrub:   deps.Scrubber,
		log:     deps.Logger.Named("orchestrator"),
		events:  deps.Events,
		opts:    opts.withDefaults(),
		metrics: m,
	}, nil
}

// ProjectRun is one project's ingestion scope: the adapters to run and,
// for Watch, the local directories whose changes trigger re-runs.
type ProjectRun struct {
	ProjectID  string
	Adapters   []sources.Adapter
	WatchRoots []string
}

// RunProject executes one full ingestion run and returns the persisted
// run row. Source-level failures are reported through the returned
// counters, not the error; the error is non-nil only for process-fatal
// conditions (Config, State) and cancellation.
func (o *Orchestrator) RunProject(ctx context.Context, run ProjectRun) (state.Run, error) {
	if run.ProjectID == "" {
		return state.Run{}, errkind.New(errkind.Config, "orchestrator: project id is empty")
	}
	if len(run.Adapters) == 0 {
		return state.Run{}, errkind.New(errkind.Config, "orchestrator: project %s has no sources", run.ProjectID)
	}

	startedAt := time.Now().UTC()
	runID, err := o.state.BeginRun(ctx, run.ProjectID, startedAt)
	if err != nil {
		return state.Run{}, err
	}
	o.events.RunStarted(ctx, run.ProjectID, runID)
	o.log.Info(ctx, "run started",
		zap.String("project_id", run.ProjectID),
		zap.Int64("run_id", runID),
		zap.Int("sources", len(run.Adapters)))

	acct, err := newAccounting(ctx, o.state, run)
	if err != nil {
		return state.Run{}, err
	}

	runErr := o.pipeline(ctx, run, acct)
	if runErr == nil && ctx.Err() != nil {
		runErr = errkind.New(errkind.Cancelled, "ingestion cancelled: %v", ctx.Err())
	}
	if runErr == nil {
		runErr = o.sweepOrphans(ctx, run.ProjectID, acct)
	}

	counters := acct.counters()
	finishedAt := time.Now().UTC()

	wctx, cancel := o.drainContext(ctx)
	finishErr := o.state.FinishRun(wctx, runID, counters, finishedAt)
	cancel()
	o.events.RunFinished(ctx, run.ProjectID, runID, counters)
	o.log.Info(ctx, "run finished",
		zap.String("project_id", run.ProjectID),
		zap.Int64("run_id", runID),
		zap.Int("seen", counters.Seen),
		zap.Int("new", counters.New),
		zap.Int("updated", counters.Updated),
		zap.Int("unchanged", counters.Unchanged),
		zap.Int("failed", counters.Failed),
		zap.Int("chunks_written", counters.ChunksWritten),
		zap.Duration("elapsed", finishedAt.Sub(startedAt)))

	result := state.Run{
		ID:          runID,
		ProjectID:   run.ProjectID,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		RunCounters: counters,
	}
	if runErr != nil {
		return result, runErr
	}
	return result, finishErr
}

// sweepOrphans tombstones and deletes documents that a complete
// discovery no longer reports. Sources whose discovery errored are
// skipped: absence from a partial listing proves nothing.
func (o *Orchestrator) sweepOrphans(ctx context.Context, projectID string, acct *accounting) error {
	for _, src := range acct.ordered() {
		if err := src.discoveryFailure(); err != nil {
			o.log.Warn(ctx, "orphan sweep refused, discovery incomplete",
				zap.String("source", src.key),
				zap.Error(err))
			continue
		}

		orphans := src.orphans()
		sort.Strings(orphans)
		swept := 0
		for _, docID := range orphans {
			if ctx.Err() != nil {
				return errkind.New(errkind.Cancelled, "orphan sweep cancelled: %v", ctx.Err())
			}
			if err := o.vectors.DeleteByDocument(ctx, projectID, docID); err != nil {
				// Record stays live so the next complete run retries.
				o.log.Warn(ctx, "orphan point delete failed",
					zap.String("source", src.key),
					zap.String("document_id", docID),
					zap.Error(err))
				continue
			}
			key := state.Key{
				ProjectID:  projectID,
				SourceType: src.adapter.Type(),
				SourceName: src.adapter.Name(),
				DocumentID: docID,
			}
			if err := o.state.Tombstone(ctx, key, time.Now().UTC()); err != nil {
				return err
			}
			o.events.DocumentDeleted(ctx, projectID, src.adapter.Type(), src.adapter.Name(), docID)
			o.metrics.deleted(ctx, src.adapter.Type())
			swept++
		}
		if len(orphans) > 0 {
			o.log.Info(ctx, "orphan sweep complete",
				zap.String("source", src.key),
				zap.Int("orphans", len(orphans)),
				zap.Int("swept", swept))
		}
	}
	return nil
}

// drainContext returns ctx unchanged while it is live. Once cancelled,
// it returns a detached context bounded by DrainDeadline so in-flight
// batches and final state writes can still complete.
func (o *Orchestrator) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.DrainDeadline)
}

// fatalKind reports whether err must abort the whole run rather than a
// single document or source.
func fatalKind(err error) bool {
	switch errkind.KindOf(err) {
	case errkind.Config, errkind.State:
		return true
	default:
		return false
	}
}
