package project

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/sources"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

type fakeState struct {
	live    map[string]int
	deleted map[string]int
	runs    map[string][]state.Run
	err     error
}

func (f *fakeState) CountDocuments(_ context.Context, projectID string) (int, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.live[projectID], f.deleted[projectID], nil
}

func (f *fakeState) LastRuns(_ context.Context, projectID string, n int) ([]state.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	runs := f.runs[projectID]
	if len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

type fakePoints struct {
	count uint64
	err   error
	last  *qdrant.Filter
}

func (f *fakePoints) Count(_ context.Context, filter *qdrant.Filter) (uint64, error) {
	f.last = filter
	return f.count, f.err
}

func TestManagerList(t *testing.T) {
	mgr, err := NewManager(testConfig(), Deps{})
	require.NoError(t, err)

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ProjectID)
	assert.Equal(t, 3, list[0].SourceCount)
	assert.Equal(t, "docs", list[0].CollectionName)
	assert.Equal(t, "Beta Docs", list[1].DisplayName)
}

func TestManagerStatus(t *testing.T) {
	run := state.Run{ID: 12, ProjectID: "alpha", StartedAt: time.Now().Add(-time.Hour)}
	run.Seen = 40
	st := &fakeState{
		live:    map[string]int{"alpha": 38, "beta": 5},
		deleted: map[string]int{"alpha": 2},
		runs:    map[string][]state.Run{"alpha": {run}},
	}
	points := &fakePoints{count: 114}

	mgr, err := NewManager(testConfig(), Deps{State: st, Points: points})
	require.NoError(t, err)

	statuses, err := mgr.Status(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	alpha := statuses[0]
	assert.Equal(t, "alpha", alpha.ProjectID)
	assert.Equal(t, 38, alpha.Documents)
	assert.Equal(t, 2, alpha.Deleted)
	assert.True(t, alpha.PointsAvailable)
	assert.Equal(t, uint64(114), alpha.Points)
	require.NotNil(t, alpha.LastRun)
	assert.Equal(t, int64(12), alpha.LastRun.ID)

	beta := statuses[1]
	assert.Equal(t, 5, beta.Documents)
	assert.Nil(t, beta.LastRun)

	// The point count is filtered to the project.
	require.NotNil(t, points.last)
	require.Len(t, points.last.Must, 1)
	assert.Equal(t, "project_id", points.last.Must[0].Field)
}

func TestManagerStatusSingleProject(t *testing.T) {
	st := &fakeState{live: map[string]int{"beta": 7}}
	mgr, err := NewManager(testConfig(), Deps{State: st})
	require.NoError(t, err)

	statuses, err := mgr.Status(context.Background(), "beta")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "beta", statuses[0].ProjectID)
	assert.Equal(t, 7, statuses[0].Documents)
	assert.False(t, statuses[0].PointsAvailable)

	_, err = mgr.Status(context.Background(), "gamma")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestManagerStatusPointsUnavailable(t *testing.T) {
	tl := logging.NewTestLogger()
	st := &fakeState{live: map[string]int{"alpha": 1}}
	points := &fakePoints{err: errkind.New(errkind.Transient, "connection refused")}

	mgr, err := NewManager(testConfig(), Deps{State: st, Points: points, Logger: tl.Logger})
	require.NoError(t, err)

	statuses, err := mgr.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.False(t, statuses[0].PointsAvailable)
	tl.AssertLogged(t, zapcore.WarnLevel, "point count unavailable")
}

func TestManagerStatusRequiresState(t *testing.T) {
	mgr, err := NewManager(testConfig(), Deps{})
	require.NoError(t, err)

	_, err = mgr.Status(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

type fakeAdapter struct {
	typ, name string
	checkErr  error
}

func (f *fakeAdapter) Type() string { return f.typ }
func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Discover(context.Context, sources.EmitFunc) error {
	return nil
}
func (f *fakeAdapter) Check(context.Context) error { return f.checkErr }

// checkRegistry builds fake adapters whose probe outcome is looked up
// by source name.
func checkRegistry(t *testing.T, checkErrs map[string]error) *sources.Registry {
	t.Helper()
	reg := sources.NewRegistry()
	factory := func(typ string) sources.Factory {
		return func(name string, _ any, _ sources.Deps) (sources.Adapter, error) {
			return &fakeAdapter{typ: typ, name: name, checkErr: checkErrs[name]}, nil
		}
	}
	require.NoError(t, reg.Register(config.SourceTypeLocalFile, factory(config.SourceTypeLocalFile)))
	require.NoError(t, reg.Register(config.SourceTypeGit, factory(config.SourceTypeGit)))
	require.NoError(t, reg.Register(config.SourceTypeConfluence, factory(config.SourceTypeConfluence)))
	return reg
}

func TestManagerValidateAllHealthy(t *testing.T) {
	reg := checkRegistry(t, nil)
	mgr, err := NewManager(testConfig(), Deps{Registry: reg})
	require.NoError(t, err)

	results, err := mgr.Validate(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.OK, "source %s/%s", r.SourceType, r.SourceName)
	}
}

func TestManagerValidateAuthFailure(t *testing.T) {
	reg := checkRegistry(t, map[string]error{
		"wiki":  errkind.New(errkind.Auth, "confluence: 401"),
		"notes": errkind.New(errkind.Transient, "disk flake"),
	})
	mgr, err := NewManager(testConfig(), Deps{Registry: reg})
	require.NoError(t, err)

	results, err := mgr.Validate(context.Background(), "alpha")
	require.Error(t, err)
	// Auth outranks the transient failure in the aggregate.
	assert.Equal(t, errkind.Auth, errkind.KindOf(err))
	require.Len(t, results, 3)

	byName := map[string]CheckResult{}
	for _, r := range results {
		byName[r.SourceName] = r
	}
	assert.False(t, byName["wiki"].OK)
	assert.Contains(t, byName["wiki"].Detail, "401")
	assert.False(t, byName["notes"].OK)
	assert.True(t, byName["shared"].OK)
}

func TestManagerValidateBuildError(t *testing.T) {
	// No git factory registered: building beta's sources fails.
	reg := sources.NewRegistry()
	mgr, err := NewManager(testConfig(), Deps{Registry: reg})
	require.NoError(t, err)

	results, err := mgr.Validate(context.Background(), "beta")
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Detail, "git")
}

func TestManagerValidateRequiresRegistry(t *testing.T) {
	mgr, err := NewManager(testConfig(), Deps{})
	require.NoError(t, err)

	_, err = mgr.Validate(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestWorse(t *testing.T) {
	auth := errkind.New(errkind.Auth, "auth")
	conf := errkind.New(errkind.Config, "config")
	trans := errkind.New(errkind.Transient, "transient")

	assert.Nil(t, worse(nil, nil))
	assert.Equal(t, auth, worse(nil, auth))
	assert.Equal(t, auth, worse(auth, nil))
	assert.Equal(t, auth, worse(trans, auth))
	assert.Equal(t, auth, worse(auth, conf))
	assert.Equal(t, conf, worse(trans, conf))
	// Ties keep the first failure seen.
	assert.Equal(t, trans, worse(trans, errkind.New(errkind.Transient, "later")))
}
