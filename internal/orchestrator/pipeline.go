package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/qloader/internal/convert"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/identity"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/sanitize"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// headerItem travels from discovery to the fetch/convert pool.
type headerItem struct {
	src    *sourceState
	header document.Header
}

// docItem travels from the fetch/convert pool to the embed/upsert
// pool. hash is the authoritative content hash of doc.Content; isNew
// tells the embed stage whether stale points must be cleared first.
type docItem struct {
	src    *sourceState
	header document.Header
	doc    document.Document
	hash   string
	isNew  bool
}

// pipeline wires the three stage pools with bounded queues. Producers
// block when a queue fills; that backpressure is the only flow control
// inside the pipeline. The returned error is process-fatal.
func (o *Orchestrator) pipeline(ctx context.Context, run ProjectRun, acct *accounting) error {
	g, gctx := errgroup.WithContext(ctx)
	headers := make(chan headerItem, headerQueueCap)
	docs := make(chan docItem, docQueueCap)

	g.Go(func() error {
		defer close(headers)
		return o.discoverAll(gctx, acct, headers)
	})

	g.Go(func() error {
		defer close(docs)
		fg, fctx := errgroup.WithContext(gctx)
		for i := 0; i < o.opts.FetchWorkers; i++ {
			fg.Go(func() error {
				for item := range headers {
					if fctx.Err() != nil {
						return nil
					}
					if err := o.processHeader(fctx, run.ProjectID, item, docs); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return fg.Wait()
	})

	g.Go(func() error {
		eg, ectx := errgroup.WithContext(gctx)
		for i := 0; i < o.opts.EmbedWorkers; i++ {
			eg.Go(func() error {
				return o.embedWorker(ectx, run.ProjectID, acct, docs)
			})
		}
		return eg.Wait()
	})

	return g.Wait()
}

// discoverAll runs one goroutine per adapter. Source-level discovery
// failures are recorded and logged; only Config and State failures
// abort the run.
func (o *Orchestrator) discoverAll(ctx context.Context, acct *accounting, headers chan<- headerItem) error {
	dg, dctx := errgroup.WithContext(ctx)
	for _, src := range acct.ordered() {
		dg.Go(func() error {
			err := src.adapter.Discover(dctx, func(h document.Header) error {
				src.markSeen(h.ID)
				o.metrics.discovered(dctx, src.adapter.Type())
				select {
				case headers <- headerItem{src: src, header: h}:
					return nil
				case <-dctx.Done():
					return dctx.Err()
				}
			})
			if err != nil {
				src.setDiscoveryError(err)
				o.log.Warn(dctx, "discovery failed",
					zap.String("source", src.key),
					zap.Error(err))
				if fatalKind(err) {
					return err
				}
			}
			return nil
		})
	}
	return dg.Wait()
}

// processHeader classifies one discovered header and, when the
// document is new or changed, fetches, converts, and forwards it. The
// returned error is process-fatal; per-document failures land in the
// counters instead.
func (o *Orchestrator) processHeader(ctx context.Context, projectID string, item headerItem, docs chan<- docItem) error {
	src, h := item.src, item.header

	if h.IsDeleted {
		return o.deleteInline(ctx, projectID, src, h)
	}
	if src.isAuthFailed() {
		src.addFailed()
		o.metrics.processed(ctx, outcomeFailed)
		o.log.Debug(ctx, "document skipped, source auth failed",
			zap.String("source", src.key),
			zap.String("document_id", h.ID))
		return nil
	}

	rec, found := src.lookup(h.ID)
	live := found && !rec.IsDeleted

	// Cheap signal match: no fetch needed. Tombstoned records never
	// match, so a resurrected document is re-ingested in full.
	if live && h.Version != "" && rec.VersionSignal == h.Version {
		if err := o.state.Touch(ctx, o.stateKey(projectID, src, h.ID), time.Now().UTC()); err != nil {
			return err
		}
		src.addUnchanged()
		o.metrics.processed(ctx, outcomeUnchanged)
		return nil
	}

	if h.Fetch == nil {
		o.failDocument(ctx, projectID, src, h, errkind.New(errkind.Unknown, "document has no fetch function"))
		return nil
	}
	raw, err := h.Fetch(ctx)
	if err != nil {
		switch errkind.KindOf(err) {
		case errkind.Cancelled:
			return nil
		case errkind.Auth:
			if src.markAuthFailed(err) {
				o.log.Warn(ctx, "source auth failed, skipping its remaining documents",
					zap.String("source", src.key),
					zap.Error(err))
			}
		}
		o.failDocument(ctx, projectID, src, h, err)
		return nil
	}

	doc, err := o.convertDocument(ctx, h, raw)
	if err != nil {
		if errkind.KindOf(err) == errkind.Cancelled {
			return nil
		}
		o.failDocument(ctx, projectID, src, h, err)
		return nil
	}

	hash := identity.ContentHash(doc.Content)
	if live && rec.ContentHash == hash {
		// The cheap signal was a false positive. Refresh it so the
		// next run short-circuits without fetching.
		rec.VersionSignal = h.Version
		rec.LastIngestedAt = time.Now().UTC()
		if err := o.state.Upsert(ctx, rec); err != nil {
			return err
		}
		src.addUnchanged()
		o.metrics.processed(ctx, outcomeUnchanged)
		return nil
	}

	select {
	case docs <- docItem{src: src, header: h, doc: doc, hash: hash, isNew: !live}:
	case <-ctx.Done():
	}
	return nil
}

// convertDocument turns raw bytes into a Document. Conversion failures
// with a typed class produce a fallback stub instead of an error, so
// the file stays findable by name and parent.
func (o *Orchestrator) convertDocument(ctx context.Context, h document.Header, raw []byte) (document.Document, error) {
	name := fileName(h)

	doc := document.FromHeader(h)

	res, err := o.conv.Convert(ctx, convert.Input{Data: raw, MIMEHint: h.ContentType, FileName: name})
	if err != nil {
		f := convert.AsFailure(err)
		if f == nil {
			return document.Document{}, err
		}
		doc.Content = stubContent(h.Title, name, f)
		doc.ContentType = "text/plain"
		doc.Metadata[document.MetaConversionFailed] = true
		doc.Metadata[document.MetaConversionError] = fmt.Sprintf("%s: %s", f.Class, f.Description)
		return doc, nil
	}

	text := res.Text
	if o.scrub != nil {
		scrubbed, findings := o.scrub.Scrub(text)
		if len(findings) > 0 {
			o.log.Warn(ctx, "redacted secrets",
				zap.String("document_id", h.ID),
				zap.String("url", h.URL),
				zap.Any("rules", sanitize.RuleCounts(findings)))
			text = scrubbed
		}
	}
	doc.Content = text
	if res.MIME != "" {
		doc.ContentType = res.MIME
	}
	if res.Title != "" {
		doc.Title = res.Title
	}
	for k, v := range res.Metadata {
		if _, exists := doc.Metadata[k]; !exists {
			doc.Metadata[k] = v
		}
	}
	return doc, nil
}

// deleteInline handles a header the adapter itself reported deleted:
// points first, tombstone second, so a failed delete is retried on the
// next run instead of leaving unreachable vectors behind.
func (o *Orchestrator) deleteInline(ctx context.Context, projectID string, src *sourceState, h document.Header) error {
	rec, found := src.lookup(h.ID)
	if !found || rec.IsDeleted {
		o.log.Debug(ctx, "deletion for unknown document ignored",
			zap.String("source", src.key),
			zap.String("document_id", h.ID))
		return nil
	}
	if err := o.vectors.DeleteByDocument(ctx, projectID, h.ID); err != nil {
		if fatalKind(err) {
			return err
		}
		o.failDocument(ctx, projectID, src, h, err)
		return nil
	}
	if err := o.state.Tombstone(ctx, o.stateKey(projectID, src, h.ID), time.Now().UTC()); err != nil {
		return err
	}
	o.events.DocumentDeleted(ctx, projectID, src.adapter.Type(), src.adapter.Name(), h.ID)
	o.metrics.deleted(ctx, src.adapter.Type())
	o.log.Info(ctx, "document deleted",
		zap.String("source", src.key),
		zap.String("document_id", h.ID),
		zap.String("url", h.URL))
	return nil
}

// embedWorker chunks documents and accumulates chunks across documents
// up to EmbedBatch before each embed+upsert round trip. A document's
// chunks stay within this worker, so its points are written in order
// and its state record lands only after the whole document is acked.
// On cancellation the current batch drains within DrainDeadline.
func (o *Orchestrator) embedWorker(ctx context.Context, projectID string, acct *accounting, docs <-chan docItem) error {
	b := &batcher{o: o, projectID: projectID, acct: acct}
	for item := range docs {
		if ctx.Err() != nil {
			break
		}
		chunks, err := o.chunker.Chunk(item.doc)
		if err != nil {
			o.failDocument(ctx, projectID, item.src, item.header, err)
			continue
		}
		if len(chunks) == 0 {
			if err := o.finishEmptyDocument(ctx, projectID, item); err != nil {
				return err
			}
			continue
		}
		if !item.isNew {
			// Clear stale points up front; a shrinking document must
			// not leave tail chunks behind.
			if err := o.vectors.DeleteByDocument(ctx, projectID, item.doc.ID); err != nil {
				if fatalKind(err) {
					return err
				}
				o.failDocument(ctx, projectID, item.src, item.header, err)
				continue
			}
		}
		b.add(item, chunks)
		if b.full() {
			if err := b.flush(ctx); err != nil {
				return err
			}
		}
	}

	fctx, cancel := o.drainContext(ctx)
	defer cancel()
	return b.flush(fctx)
}

// finishEmptyDocument records a document whose converted content
// produced no chunks. Old points are removed so searches stop
// returning content the source no longer has.
func (o *Orchestrator) finishEmptyDocument(ctx context.Context, projectID string, item docItem) error {
	if !item.isNew {
		if err := o.vectors.DeleteByDocument(ctx, projectID, item.doc.ID); err != nil {
			if fatalKind(err) {
				return err
			}
			o.failDocument(ctx, projectID, item.src, item.header, err)
			return nil
		}
	}
	if err := o.state.Upsert(ctx, o.record(projectID, item, time.Now().UTC())); err != nil {
		return err
	}
	o.countIngested(ctx, projectID, item, 0)
	return nil
}

// batcher accumulates whole documents' chunk lists until EmbedBatch is
// reached. flush always leaves the batcher empty.
type batcher struct {
	o         *Orchestrator
	projectID string
	acct      *accounting
	entries   []batchEntry
	size      int
}

type batchEntry struct {
	item   docItem
	chunks []document.Chunk
}

func (b *batcher) add(item docItem, chunks []document.Chunk) {
	b.entries = append(b.entries, batchEntry{item: item, chunks: chunks})
	b.size += len(chunks)
}

func (b *batcher) full() bool { return b.size >= b.o.opts.EmbedBatch }

// flush embeds and upserts the accumulated chunks in one round trip
// each, then writes the state records in one batch. On failure every
// document in the batch is counted failed and none of their records
// are written, so the next run retries them.
func (b *batcher) flush(ctx context.Context) error {
	if len(b.entries) == 0 {
		return nil
	}
	entries := b.entries
	total := b.size
	b.entries = nil
	b.size = 0

	texts := make([]string, 0, total)
	for _, e := range entries {
		for _, c := range e.chunks {
			texts = append(texts, c.Content)
		}
	}

	start := time.Now()
	vectors, err := b.o.embed.Embed(ctx, texts)
	if err != nil {
		return b.failAll(ctx, entries, err)
	}

	points := make([]*qdrant.Point, 0, total)
	i := 0
	for _, e := range entries {
		for _, c := range e.chunks {
			points = append(points, &qdrant.Point{
				ID:      identity.PointID(b.projectID, c.ID),
				Vector:  vectors[i],
				Payload: b.o.pointPayload(b.projectID, e.item, c),
			})
			i++
		}
	}
	if err := b.o.vectors.Upsert(ctx, points); err != nil {
		return b.failAll(ctx, entries, err)
	}

	b.o.metrics.batch(ctx, time.Since(start), total)
	b.acct.addChunks(total)
	b.acct.addEmbeddings(total)

	now := time.Now().UTC()
	recs := make([]state.Record, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, b.o.record(b.projectID, e.item, now))
	}
	if err := b.o.state.UpsertBatch(ctx, recs); err != nil {
		return err
	}

	for _, e := range entries {
		b.o.countIngested(ctx, b.projectID, e.item, len(e.chunks))
	}
	return nil
}

// failAll counts every document of a failed batch. Auth here means the
// embedding provider or Qdrant rejected credentials, which no later
// batch can recover from, so it aborts the run like Config and State.
func (b *batcher) failAll(ctx context.Context, entries []batchEntry, err error) error {
	for _, e := range entries {
		b.o.failDocument(ctx, b.projectID, e.item.src, e.item.header, err)
	}
	if fatalKind(err) || errkind.KindOf(err) == errkind.Auth {
		return err
	}
	return nil
}

func (o *Orchestrator) failDocument(ctx context.Context, projectID string, src *sourceState, h document.Header, err error) {
	src.addFailed()
	o.metrics.processed(ctx, outcomeFailed)
	o.events.DocumentFailed(ctx, projectID, h, err.Error())
	o.log.Warn(ctx, "document failed",
		zap.String("source", src.key),
		zap.String("document_id", h.ID),
		zap.String("url", h.URL),
		zap.Error(err))
}

func (o *Orchestrator) countIngested(ctx context.Context, projectID string, item docItem, chunks int) {
	if item.isNew {
		item.src.addNew()
		o.metrics.processed(ctx, outcomeNew)
	} else {
		item.src.addUpdated()
		o.metrics.processed(ctx, outcomeUpdated)
	}
	o.events.DocumentIngested(ctx, projectID, item.header, chunks)
	o.log.Debug(ctx, "document ingested",
		zap.String("source", item.src.key),
		zap.String("document_id", item.doc.ID),
		zap.Int("chunks", chunks),
		zap.Bool("new", item.isNew))
}

func (o *Orchestrator) stateKey(projectID string, src *sourceState, docID string) state.Key {
	return state.Key{
		ProjectID:  projectID,
		SourceType: src.adapter.Type(),
		SourceName: src.adapter.Name(),
		DocumentID: docID,
	}
}

// record builds the durable state row for an acknowledged document.
func (o *Orchestrator) record(projectID string, item docItem, at time.Time) state.Record {
	parentID, _ := item.doc.Metadata[document.MetaParentID].(string)
	return state.Record{
		Key:            o.stateKey(projectID, item.src, item.doc.ID),
		ContentHash:    item.hash,
		VersionSignal:  item.header.Version,
		URL:            item.header.URL,
		Title:          item.doc.Title,
		ParentID:       parentID,
		LastIngestedAt: at,
	}
}

// pointPayload assembles the eight required payload keys plus the
// nested metadata map. Timestamps are RFC 3339 strings so payloads stay
// JSON-serializable primitives and sort lexicographically by time.
func (o *Orchestrator) pointPayload(projectID string, item docItem, c document.Chunk) map[string]any {
	meta := make(map[string]any, len(item.doc.Metadata)+len(c.Metadata)+2)
	for k, v := range item.doc.Metadata {
		meta[k] = v
	}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	if !item.doc.CreatedAt.IsZero() {
		meta[document.MetaCreatedAt] = item.doc.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !item.doc.UpdatedAt.IsZero() {
		meta[document.MetaUpdatedAt] = item.doc.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if _, ok := meta[document.MetaContentType]; !ok {
		// The source-declared type survives even when conversion
		// replaced the content with a plain-text stub.
		switch {
		case item.header.ContentType != "":
			meta[document.MetaContentType] = item.header.ContentType
		case item.doc.ContentType != "":
			meta[document.MetaContentType] = item.doc.ContentType
		}
	}
	return map[string]any{
		document.PayloadProjectID:  projectID,
		document.PayloadSourceType: item.src.adapter.Type(),
		document.PayloadSourceName: item.src.adapter.Name(),
		document.PayloadDocumentID: item.doc.ID,
		document.PayloadChunkIndex: c.Index,
		document.PayloadContent:    c.Content,
		document.PayloadURL:        item.doc.URL,
		document.PayloadTitle:      item.doc.Title,
		document.PayloadMetadata:   meta,
	}
}

// fileName picks the best available file name for MIME detection.
func fileName(h document.Header) string {
	if fn, ok := h.Metadata[document.MetaFileName].(string); ok && fn != "" {
		return fn
	}
	if u, err := url.Parse(h.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return ""
}

// stubContent is the fallback body for a document the converter
// rejected. The name and failure reason keep it searchable.
func stubContent(title, name string, f *convert.Failure) string {
	if title == "" {
		title = name
	}
	if name == "" || name == title {
		return fmt.Sprintf("%s\n\nUnconverted document: %s (%s).\n", title, f.Description, f.Class)
	}
	return fmt.Sprintf("%s\n\nUnconverted document %s: %s (%s).\n", title, name, f.Description, f.Class)
}
