package project

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/sources"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// StateStore is the slice of the state store that status reporting
// reads. *state.Store satisfies it.
type StateStore interface {
	CountDocuments(ctx context.Context, projectID string) (live, deleted int, err error)
	LastRuns(ctx context.Context, projectID string, n int) ([]state.Run, error)
}

// PointCounter counts live points in the vector store. *qdrant.Client
// satisfies it.
type PointCounter interface {
	Count(ctx context.Context, filter *qdrant.Filter) (uint64, error)
}

// Deps carries the services the manager's operations draw on. List
// needs none of them; Status needs State and optionally Points;
// Validate needs Registry and Sources.
type Deps struct {
	State    StateStore
	Points   PointCounter
	Registry *sources.Registry
	Sources  sources.Deps
	Logger   *logging.Logger
}

// Manager answers the project subcommands for one workspace.
type Manager struct {
	projects []*Project
	deps     Deps
	logger   *logging.Logger
}

// NewManager materializes the configured projects.
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	projects, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{projects: projects, deps: deps, logger: logger.Named("project")}, nil
}

// Projects returns the configured projects in id order.
func (m *Manager) Projects() []*Project { return m.projects }

// Summary is one row of `project list`.
type Summary struct {
	ProjectID      string `json:"project_id"`
	DisplayName    string `json:"display_name"`
	Description    string `json:"description,omitempty"`
	CollectionName string `json:"collection_name"`
	SourceCount    int    `json:"source_count"`
}

// List describes the configured projects without touching any store.
func (m *Manager) List() []Summary {
	out := make([]Summary, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, summarize(p))
	}
	return out
}

func summarize(p *Project) Summary {
	return Summary{
		ProjectID:      p.ID,
		DisplayName:    p.DisplayName,
		Description:    p.Description,
		CollectionName: p.CollectionName,
		SourceCount:    p.Sources.Count(),
	}
}

// Status merges durable state counts, the last run, and the live
// point count for one project.
type Status struct {
	Summary
	Documents       int        `json:"documents"`
	Deleted         int        `json:"deleted"`
	Points          uint64     `json:"points"`
	PointsAvailable bool       `json:"points_available"`
	LastRun         *state.Run `json:"last_run,omitempty"`
}

// Status reports on one project, or on every project when projectID
// is empty. An unreachable vector store degrades the report instead
// of failing it; state store errors are fatal because without them
// there is nothing left to show.
func (m *Manager) Status(ctx context.Context, projectID string) ([]Status, error) {
	if m.deps.State == nil {
		return nil, errkind.New(errkind.Config, "project: state store is required for status")
	}
	targets, err := m.scope(projectID)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(targets))
	for _, p := range targets {
		st := Status{Summary: summarize(p)}

		live, deleted, err := m.deps.State.CountDocuments(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		st.Documents, st.Deleted = live, deleted

		runs, err := m.deps.State.LastRuns(ctx, p.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			run := runs[0]
			st.LastRun = &run
		}

		if m.deps.Points != nil {
			filter := &qdrant.Filter{Must: []qdrant.Condition{
				qdrant.Eq(document.PayloadProjectID, p.ID),
			}}
			n, err := m.deps.Points.Count(ctx, filter)
			if err != nil {
				m.logger.Warn(ctx, "point count unavailable",
					zap.String("project", p.ID),
					zap.Error(err))
			} else {
				st.Points = n
				st.PointsAvailable = true
			}
		}

		out = append(out, st)
	}
	return out, nil
}

// CheckResult is one probe outcome of `project validate`.
type CheckResult struct {
	ProjectID  string `json:"project_id"`
	SourceType string `json:"source_type,omitempty"`
	SourceName string `json:"source_name,omitempty"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
}

// Validate builds every adapter in scope and probes the ones that
// support it. All probes run even after a failure so one broken
// source does not hide the state of the rest; the returned error is
// the worst failure observed.
func (m *Manager) Validate(ctx context.Context, projectID string) ([]CheckResult, error) {
	if m.deps.Registry == nil {
		return nil, errkind.New(errkind.Config, "project: source registry is required for validate")
	}
	targets, err := m.scope(projectID)
	if err != nil {
		return nil, err
	}

	var results []CheckResult
	var worst error
	for _, p := range targets {
		adapters, err := m.deps.Registry.Build(p.Sources, m.deps.Sources)
		if err != nil {
			results = append(results, CheckResult{ProjectID: p.ID, Detail: err.Error()})
			worst = worse(worst, err)
			continue
		}
		for _, a := range adapters {
			res := CheckResult{ProjectID: p.ID, SourceType: a.Type(), SourceName: a.Name(), OK: true}
			if ck, ok := a.(sources.Checker); ok {
				if err := ck.Check(ctx); err != nil {
					res.OK = false
					res.Detail = err.Error()
					worst = worse(worst, err)
					m.logger.Warn(ctx, "source check failed",
						zap.String("project", p.ID),
						zap.String("source_type", a.Type()),
						zap.String("source", a.Name()),
						zap.Error(err))
				}
			}
			results = append(results, res)
		}
	}
	return results, worst
}

// worse keeps the error whose kind maps to the most specific exit
// code: auth failures outrank config failures outrank the rest.
func worse(have, candidate error) error {
	if candidate == nil {
		return have
	}
	if have == nil {
		return candidate
	}
	rank := func(err error) int {
		switch errkind.KindOf(err) {
		case errkind.Auth:
			return 3
		case errkind.Config:
			return 2
		default:
			return 1
		}
	}
	if rank(candidate) > rank(have) {
		return candidate
	}
	return have
}

func (m *Manager) scope(projectID string) ([]*Project, error) {
	if projectID == "" {
		return m.projects, nil
	}
	p, err := Find(m.projects, projectID)
	if err != nil {
		return nil, err
	}
	return []*Project{p}, nil
}
