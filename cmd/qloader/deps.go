package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/chunking"
	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/convert"
	"github.com/fyrsmithlabs/qloader/internal/embeddings"
	"github.com/fyrsmithlabs/qloader/internal/events"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
	"github.com/fyrsmithlabs/qloader/internal/lifecycle"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/orchestrator"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/sanitize"
	"github.com/fyrsmithlabs/qloader/internal/sources"
	"github.com/fyrsmithlabs/qloader/internal/sources/confluence"
	"github.com/fyrsmithlabs/qloader/internal/sources/gitrepo"
	"github.com/fyrsmithlabs/qloader/internal/sources/jira"
	"github.com/fyrsmithlabs/qloader/internal/sources/localfile"
	"github.com/fyrsmithlabs/qloader/internal/sources/publicdocs"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// pipeline bundles the long-lived dependencies of an ingestion run.
// Close releases them in reverse construction order.
type pipeline struct {
	store    *state.Store
	vectors  *qdrant.Client
	embedder embeddings.Provider
	registry *sources.Registry
	srcDeps  sources.Deps
	orch     *orchestrator.Orchestrator

	// events is non-nil only when global.events.nats_url is set and
	// the broker answered.
	events *events.Publisher
}

// newPipeline wires the full ingestion stack from the loaded
// configuration. The extra sink, when non-nil, receives run and
// document events alongside the optional NATS publisher.
func newPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger, lc *lifecycle.Manager, extra orchestrator.Events) (*pipeline, error) {
	p := &pipeline{}

	store, err := state.Open(cfg.Global.State.DatabasePath)
	if err != nil {
		return nil, err
	}
	p.store = store

	qcfg, err := qdrant.FromGlobal(cfg.Global.Qdrant)
	if err != nil {
		p.Close()
		return nil, err
	}
	vectors, err := qdrant.New(qcfg, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.vectors = vectors

	embedder, err := embeddings.New(ctx, embeddingsConfig(cfg.Global.LLM, logger))
	if err != nil {
		p.Close()
		return nil, err
	}
	p.embedder = embedder

	var scrubber *sanitize.Scrubber
	if cfg.Global.Sanitize.DetectSecrets {
		scrubber, err = sanitize.NewScrubber(cfg.Global.Sanitize.AllowlistPath)
		if err != nil {
			p.Close()
			return nil, err
		}
	}

	// Broker outages never fail the run; events are best effort.
	if cfg.Global.Events.NATSURL != "" {
		pub, err := events.Connect(events.Config{
			URL:           cfg.Global.Events.NATSURL,
			SubjectPrefix: cfg.Global.Events.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn(ctx, "event publishing disabled", zap.Error(err))
		} else {
			p.events = pub
		}
	}

	client, err := fetch.New(fetch.Config{Logger: logger})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.srcDeps = sources.Deps{
		Fetch:       client,
		Logger:      logger,
		TempDir:     lc.TempDir,
		MaxFileSize: cfg.Global.FileConversion.MaxFileSize,
	}

	p.registry, err = newSourceRegistry()
	if err != nil {
		p.Close()
		return nil, err
	}

	var sinks []orchestrator.Events
	if p.events != nil {
		sinks = append(sinks, p.events)
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}

	p.orch, err = orchestrator.New(orchestrator.Deps{
		State:    store,
		Vectors:  vectors,
		Embedder: embedder,
		Converter: convert.New(
			cfg.Global.FileConversion.MaxFileSize,
			cfg.Global.FileConversion.Timeout()),
		Chunker: chunking.New(chunking.Config{
			ChunkSize:     cfg.Global.Chunking.ChunkSize,
			ChunkOverlap:  cfg.Global.Chunking.ChunkOverlap,
			MaxChunkBytes: cfg.Global.Chunking.MaxChunkBytes,
		}, chunking.NewCounter(cfg.Global.LLM.Models.Embeddings)),
		Scrubber: scrubber,
		Logger:   logger,
		Events:   orchestrator.MultiEvents(sinks...),
	}, orchestrator.Options{})
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) Close() error {
	var errs []error
	if p.events != nil {
		errs = append(errs, p.events.Close())
	}
	if p.embedder != nil {
		errs = append(errs, p.embedder.Close())
	}
	if p.vectors != nil {
		errs = append(errs, p.vectors.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}

// embeddingsConfig maps the loaded llm block onto the provider config.
func embeddingsConfig(llm config.LLM, logger *logging.Logger) embeddings.Config {
	return embeddings.Config{
		Provider:          llm.Provider,
		BaseURL:           llm.BaseURL,
		APIKey:            llm.APIKey.Value(),
		APIVersion:        llm.APIVersion,
		Model:             llm.Models.Embeddings,
		VectorSize:        llm.Embeddings.VectorSize,
		MaxBatch:          llm.Embeddings.MaxBatch,
		Timeout:           llm.Request.Timeout(),
		RequestsPerMinute: llm.RateLimits.RPM,
		Logger:            logger,
	}
}

// newSourceRegistry registers the built-in adapter factories.
func newSourceRegistry() (*sources.Registry, error) {
	reg := sources.NewRegistry()
	factories := map[string]sources.Factory{
		config.SourceTypeLocalFile:  localfile.Factory,
		config.SourceTypeGit:        gitrepo.Factory,
		config.SourceTypeConfluence: confluence.Factory,
		config.SourceTypeJira:       jira.Factory,
		config.SourceTypePublicDocs: publicdocs.Factory,
	}
	for typ, factory := range factories {
		if err := reg.Register(typ, factory); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
