package orchestrator

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/qloader/internal/sources"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// sourceState is one adapter's view of a run: the pre-run snapshot of
// known records, the live set of document IDs discovery has emitted,
// and the per-source counters. known is written before the pipeline
// starts and read-only afterwards; everything else is guarded by mu.
type sourceState struct {
	key     string
	adapter sources.Adapter
	known   map[string]state.Record

	mu         sync.Mutex
	seen       map[string]struct{}
	counters   state.SourceCounters
	discErr    error
	authFailed bool
}

func (s *sourceState) markSeen(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[docID]; dup {
		return
	}
	s.seen[docID] = struct{}{}
	s.counters.Seen++
}

// lookup returns the pre-run record for docID. Safe without the lock:
// known is frozen before discovery starts.
func (s *sourceState) lookup(docID string) (state.Record, bool) {
	rec, ok := s.known[docID]
	return rec, ok
}

// markAuthFailed records the first auth error and flips the source
// into skip mode. Returns true on the first call so the caller logs
// the transition exactly once.
func (s *sourceState) markAuthFailed(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authFailed {
		return false
	}
	s.authFailed = true
	if s.counters.Error == "" {
		s.counters.Error = err.Error()
	}
	return true
}

func (s *sourceState) isAuthFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFailed
}

// setDiscoveryError records a failed enumeration. The orphan sweep
// checks it before trusting the seen set.
func (s *sourceState) setDiscoveryError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discErr = err
	if s.counters.Error == "" {
		s.counters.Error = err.Error()
	}
}

func (s *sourceState) discoveryFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discErr
}

// orphans lists known live documents the finished discovery never
// reported. Tombstoned records are not candidates twice.
func (s *sourceState) orphans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.known {
		if rec.IsDeleted {
			continue
		}
		if _, ok := s.seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *sourceState) addNew() {
	s.mu.Lock()
	s.counters.New++
	s.mu.Unlock()
}

func (s *sourceState) addUpdated() {
	s.mu.Lock()
	s.counters.Updated++
	s.mu.Unlock()
}

func (s *sourceState) addUnchanged() {
	s.mu.Lock()
	s.counters.Unchanged++
	s.mu.Unlock()
}

func (s *sourceState) addFailed() {
	s.mu.Lock()
	s.counters.Failed++
	s.mu.Unlock()
}

func (s *sourceState) snapshot() state.SourceCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// accounting aggregates all sources of one run plus the run-wide chunk
// and embedding tallies.
type accounting struct {
	order []*sourceState

	mu         sync.Mutex
	chunks     int
	embeddings int
}

// newAccounting snapshots the known records for every adapter. A state
// read error here is process-fatal: classification and orphan sweeping
// both depend on the snapshot.
func newAccounting(ctx context.Context, st *state.Store, run ProjectRun) (*accounting, error) {
	acct := &accounting{}
	for _, ad := range run.Adapters {
		src := &sourceState{
			key:     ad.Type() + "/" + ad.Name(),
			adapter: ad,
			known:   make(map[string]state.Record),
			seen:    make(map[string]struct{}),
		}
		err := st.List(ctx, run.ProjectID, ad.Type(), ad.Name(), func(rec state.Record) error {
			src.known[rec.DocumentID] = rec
			return nil
		})
		if err != nil {
			return nil, err
		}
		acct.order = append(acct.order, src)
	}
	return acct, nil
}

func (a *accounting) ordered() []*sourceState { return a.order }

func (a *accounting) addChunks(n int) {
	a.mu.Lock()
	a.chunks += n
	a.mu.Unlock()
}

func (a *accounting) addEmbeddings(n int) {
	a.mu.Lock()
	a.embeddings += n
	a.mu.Unlock()
}

// counters folds every source into the run-level totals.
func (a *accounting) counters() state.RunCounters {
	a.mu.Lock()
	rc := state.RunCounters{
		ChunksWritten:  a.chunks,
		EmbeddingsMade: a.embeddings,
		Sources:        make(map[string]state.SourceCounters, len(a.order)),
	}
	a.mu.Unlock()

	for _, src := range a.order {
		sc := src.snapshot()
		rc.Seen += sc.Seen
		rc.New += sc.New
		rc.Updated += sc.Updated
		rc.Unchanged += sc.Unchanged
		rc.Failed += sc.Failed
		rc.Sources[src.key] = sc
	}
	return rc
}
