package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/httpapi"
	"github.com/fyrsmithlabs/qloader/internal/lifecycle"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/orchestrator"
	"github.com/fyrsmithlabs/qloader/internal/progress"
	"github.com/fyrsmithlabs/qloader/internal/project"
	"github.com/fyrsmithlabs/qloader/internal/state"
	"github.com/fyrsmithlabs/qloader/internal/telemetry"
)

var (
	ingestProjectID   string
	ingestSourceType  string
	ingestSourceName  string
	ingestWatch       bool
	ingestDashboard   bool
	ingestProfile     bool
	ingestMetricsAddr string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingestion pipeline over the configured sources",
	Long: `Run the ingestion pipeline: discover documents from every source in
scope, skip what has not changed since the last run, and convert,
chunk, embed, and upsert the rest. A summary table is printed at the
end of every invocation.

Examples:
  # Ingest everything in the workspace
  qloader ingest --workspace ./ws

  # One project, one source
  qloader ingest --workspace ./ws --project docs --source-type git --source handbook

  # Keep running and re-ingest when local files change
  qloader ingest --workspace ./ws --watch

  # Live terminal dashboard with Prometheus metrics on the side
  qloader ingest --workspace ./ws --dashboard --metrics-addr 127.0.0.1:9090`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVarP(&ingestProjectID, "project", "p", "", "ingest only this project")
	ingestCmd.Flags().StringVar(&ingestSourceType, "source-type", "", "ingest only sources of this type")
	ingestCmd.Flags().StringVar(&ingestSourceName, "source", "", "ingest only the source with this name")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "keep running and re-ingest on local file changes")
	ingestCmd.Flags().BoolVar(&ingestDashboard, "dashboard", false, "render a live terminal dashboard (TTY only)")
	ingestCmd.Flags().BoolVar(&ingestProfile, "profile", false, "write CPU and heap profiles into the workspace")
	ingestCmd.Flags().StringVar(&ingestMetricsAddr, "metrics-addr", "", "serve /health, /metrics, and /runs on this address")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspaceDir)
	if err != nil {
		return err
	}
	targets, err := selectProjects(cfg, ingestProjectID, ingestSourceType, ingestSourceName)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	lc := lifecycle.New(cmd.Context(), lifecycle.Options{Logger: logger})
	defer lc.Close()
	lc.HandleSignals()
	ctx := lc.Context()

	tel := telemetry.New(ctx, cfg.Global.Telemetry, version, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	if tel.IsEnabled() {
		logger = logger.WithOTEL("qloader", tel.LoggerProvider())
	}

	if ingestProfile {
		stopProfiles, err := startProfiles(workspaceDir)
		if err != nil {
			return err
		}
		defer stopProfiles()
	}

	var dash *progress.Dashboard
	if ingestDashboard {
		if progress.IsInteractive() {
			dash = progress.New(dashboardLabel(targets))
		} else {
			logger.Warn(ctx, "dashboard requested without a terminal, using plain logs")
		}
	}

	var tracker orchestrator.Events
	if dash != nil {
		tracker = dash.Tracker()
	}
	pl, err := newPipeline(ctx, cfg, logger, lc, tracker)
	if err != nil {
		return err
	}
	defer pl.Close()

	if addr := metricsAddr(cfg); addr != "" {
		if err := startMetricsServer(lc, addr, pl.store, logger); err != nil {
			return err
		}
	}

	if dash == nil {
		rep := runScope(ctx, pl, targets)
		printSummary(cmd, rep.results)
		return rep.outcome()
	}

	// The dashboard owns the terminal; ingestion runs beside it and
	// quits the program when the scope is done. A user quit cancels
	// the run, which then drains and reports what it finished.
	done := make(chan ingestReport, 1)
	lc.Go("ingest", func(ctx context.Context) error {
		rep := runScope(ctx, pl, targets)
		done <- rep
		dash.Quit()
		return nil
	})
	userQuit, err := dash.Run()
	if err != nil {
		return err
	}
	if userQuit {
		lc.Close()
	}
	rep := <-done
	printSummary(cmd, rep.results)
	return rep.outcome()
}

// runResult is one project's completed run.
type runResult struct {
	projectID string
	run       state.Run
	elapsed   time.Duration
}

// ingestReport is everything runScope produced: per-project results
// and the first fatal error, if any.
type ingestReport struct {
	results []runResult
	err     error
}

// outcome converts the report into the command's error. A drained
// interrupt is not a failure: completed work is durable and the
// summary already told the user what happened.
func (rep ingestReport) outcome() error {
	if rep.err != nil {
		if errkind.KindOf(rep.err) == errkind.Cancelled {
			return nil
		}
		return rep.err
	}
	succeeded, sourceErrs := 0, 0
	for _, r := range rep.results {
		succeeded += r.run.New + r.run.Updated + r.run.Unchanged
		for _, sc := range r.run.Sources {
			if sc.Error != "" {
				sourceErrs++
			}
		}
	}
	if succeeded == 0 && sourceErrs > 0 {
		return errNoProgress
	}
	return nil
}

// runScope executes one run per target project, then watches local
// roots when --watch is set.
func runScope(ctx context.Context, pl *pipeline, targets []*project.Project) ingestReport {
	var rep ingestReport
	runs := make([]orchestrator.ProjectRun, 0, len(targets))
	for _, p := range targets {
		adapters, err := pl.registry.Build(p.Sources, pl.srcDeps)
		if err != nil {
			rep.err = err
			return rep
		}
		runs = append(runs, orchestrator.ProjectRun{
			ProjectID:  p.ID,
			Adapters:   adapters,
			WatchRoots: p.WatchRoots(),
		})
	}

	for _, run := range runs {
		began := time.Now()
		rec, err := pl.orch.RunProject(ctx, run)
		elapsed := time.Since(began)
		httpapi.RecordRun(run.ProjectID, &rec.RunCounters, elapsed, err)
		rep.results = append(rep.results, runResult{projectID: run.ProjectID, run: rec, elapsed: elapsed})
		if err != nil {
			rep.err = err
			return rep
		}
	}

	if !ingestWatch {
		return rep
	}

	watchable := make([]orchestrator.ProjectRun, 0, len(runs))
	for _, run := range runs {
		if len(run.WatchRoots) > 0 {
			watchable = append(watchable, run)
		}
	}
	if len(watchable) == 0 {
		rep.err = errkind.New(errkind.Config, "watch mode needs at least one localfile source in scope")
		return rep
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range watchable {
		g.Go(func() error { return pl.orch.Watch(gctx, run) })
	}
	rep.err = g.Wait()
	return rep
}

// selectProjects resolves the scope flags into the projects to run.
// Type and name filters skip projects without a match but error when
// nothing matches anywhere.
func selectProjects(cfg *config.Config, projectID, sourceType, sourceName string) ([]*project.Project, error) {
	if sourceType != "" && !knownSourceType(sourceType) {
		return nil, errkind.New(errkind.Config, "unknown source type %q, expected one of %s",
			sourceType, strings.Join(config.SourceTypes(), ", "))
	}
	all, err := project.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errkind.New(errkind.Config, "no projects configured")
	}

	if projectID != "" {
		p, err := project.Find(all, projectID)
		if err != nil {
			return nil, err
		}
		scoped, err := p.Scoped(sourceType, sourceName)
		if err != nil {
			return nil, err
		}
		return []*project.Project{scoped}, nil
	}
	if sourceType == "" && sourceName == "" {
		return all, nil
	}

	out := make([]*project.Project, 0, len(all))
	for _, p := range all {
		scoped, err := p.Scoped(sourceType, sourceName)
		if err != nil {
			continue
		}
		out = append(out, scoped)
	}
	if len(out) == 0 {
		return nil, errkind.New(errkind.Config, "no configured source matches --source-type=%q --source=%q",
			sourceType, sourceName)
	}
	return out, nil
}

func knownSourceType(t string) bool {
	for _, known := range config.SourceTypes() {
		if t == known {
			return true
		}
	}
	return false
}

func dashboardLabel(targets []*project.Project) string {
	if len(targets) == 1 {
		return targets[0].ID
	}
	return fmt.Sprintf("%d projects", len(targets))
}

func metricsAddr(cfg *config.Config) string {
	if ingestMetricsAddr != "" {
		return ingestMetricsAddr
	}
	return cfg.Global.MetricsAddr
}

// startMetricsServer serves the observability endpoints until the run
// context ends.
func startMetricsServer(lc *lifecycle.Manager, addr string, store *state.Store, logger *logging.Logger) error {
	srv, err := httpapi.NewServer(httpapi.Config{Addr: addr, Version: version, Logger: logger}, store)
	if err != nil {
		return err
	}
	lc.Go("httpapi", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
	return nil
}

// startProfiles begins a CPU profile in the workspace and returns a
// stop function that also writes a heap snapshot beside it.
func startProfiles(dir string) (func(), error) {
	cpuFile, err := os.Create(filepath.Join(dir, "cpu.pprof"))
	if err != nil {
		return nil, errkind.New(errkind.Config, "create cpu profile: %v", err)
	}
	if err := pprof.StartCPUProfile(cpuFile); err != nil {
		cpuFile.Close()
		return nil, errkind.New(errkind.Config, "start cpu profile: %v", err)
	}
	return func() {
		pprof.StopCPUProfile()
		cpuFile.Close()
		heapFile, err := os.Create(filepath.Join(dir, "heap.pprof"))
		if err != nil {
			return
		}
		runtime.GC()
		_ = pprof.WriteHeapProfile(heapFile)
		heapFile.Close()
	}, nil
}

var summaryBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

// printSummary renders the per-project run table and any source-level
// errors underneath it.
func printSummary(cmd *cobra.Command, results []runResult) {
	if len(results) == 0 {
		return
	}

	tbl := newTable("PROJECT", "SEEN", "NEW", "UPDATED", "UNCHANGED", "FAILED", "CHUNKS", "ELAPSED")
	for _, r := range results {
		tbl.Row(
			r.projectID,
			strconv.Itoa(r.run.Seen),
			strconv.Itoa(r.run.New),
			strconv.Itoa(r.run.Updated),
			strconv.Itoa(r.run.Unchanged),
			strconv.Itoa(r.run.Failed),
			progress.FormatCount(r.run.ChunksWritten),
			progress.FormatElapsed(r.elapsed),
		)
	}
	cmd.Println(tbl.Render())

	for _, r := range results {
		for _, name := range sortedSourceKeys(r.run.Sources) {
			if errMsg := r.run.Sources[name].Error; errMsg != "" {
				cmd.Printf("  %s: source %s failed: %s\n", r.projectID, name, errMsg)
			}
		}
	}
}

func sortedSourceKeys(m map[string]state.SourceCounters) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
