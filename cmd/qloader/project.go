package main

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
	"github.com/fyrsmithlabs/qloader/internal/progress"
	"github.com/fyrsmithlabs/qloader/internal/project"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/sources"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

var (
	projectFilterID string
	projectFormat   string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Inspect and validate configured projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured projects",
	Long: `List every project in the workspace configuration.

Examples:
  qloader project list --workspace ./ws
  qloader project list --workspace ./ws --format json`,
	Args: cobra.NoArgs,
	RunE: runProjectList,
}

var projectStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document counts and the last run per project",
	Long: `Show per-project ingestion status: live and tombstoned document
counts from the state database, the stored point count from Qdrant,
and the most recent run. Qdrant being unreachable degrades the point
column instead of failing the command.

Examples:
  qloader project status --workspace ./ws
  qloader project status --workspace ./ws --project-id docs --format json`,
	Args: cobra.NoArgs,
	RunE: runProjectStatus,
}

var projectValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Probe every configured source for reachability and credentials",
	Long: `Build every source in scope and probe its upstream without ingesting
anything: Confluence spaces and Jira projects are fetched, git remotes
listed, local paths checked, and documentation roots requested. All
probes run even after a failure so one broken source cannot mask
another.

Examples:
  qloader project validate --workspace ./ws
  qloader project validate --workspace ./ws --project-id docs`,
	Args: cobra.NoArgs,
	RunE: runProjectValidate,
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectStatusCmd)
	projectCmd.AddCommand(projectValidateCmd)
	projectCmd.PersistentFlags().StringVar(&projectFilterID, "project-id", "", "limit to one project")
	projectCmd.PersistentFlags().StringVar(&projectFormat, "format", "table", "output format (table, json)")
}

func runProjectList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspaceDir)
	if err != nil {
		return err
	}
	mgr, err := project.NewManager(cfg, project.Deps{})
	if err != nil {
		return err
	}

	summaries := mgr.List()
	if projectFilterID != "" {
		kept := summaries[:0]
		for _, s := range summaries {
			if s.ProjectID == projectFilterID {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			return errkind.New(errkind.NotFound, "project %q is not configured", projectFilterID)
		}
		summaries = kept
	}

	if projectFormat == "json" {
		return printJSON(cmd, summaries)
	}
	tbl := newTable("PROJECT", "DISPLAY NAME", "SOURCES", "COLLECTION", "DESCRIPTION")
	for _, s := range summaries {
		tbl.Row(s.ProjectID, s.DisplayName, strconv.Itoa(s.SourceCount), s.CollectionName, s.Description)
	}
	cmd.Println(tbl.Render())
	return nil
}

func runProjectStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspaceDir)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := state.Open(cfg.Global.State.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := project.Deps{State: store, Logger: logger}

	// Point counts are best effort: status must work while Qdrant is
	// down, since that is exactly when an operator reaches for it.
	qcfg, err := qdrant.FromGlobal(cfg.Global.Qdrant)
	if err != nil {
		return err
	}
	vectors, err := qdrant.New(qcfg, logger)
	if err != nil {
		logger.Warn(cmd.Context(), "qdrant unreachable, point counts omitted", zap.Error(err))
	} else {
		defer vectors.Close()
		deps.Points = vectors
	}

	mgr, err := project.NewManager(cfg, deps)
	if err != nil {
		return err
	}
	statuses, err := mgr.Status(cmd.Context(), projectFilterID)
	if err != nil {
		return err
	}

	if projectFormat == "json" {
		return printJSON(cmd, statuses)
	}
	tbl := newTable("PROJECT", "DOCUMENTS", "DELETED", "POINTS", "LAST RUN", "LAST RESULT")
	for _, st := range statuses {
		points := "-"
		if st.PointsAvailable {
			points = progress.FormatCount(int(st.Points))
		}
		lastRun, lastResult := "-", "-"
		if st.LastRun != nil {
			lastRun = st.LastRun.StartedAt.Local().Format(time.RFC3339)
			lastResult = formatRunResult(st.LastRun)
		}
		tbl.Row(st.ProjectID, progress.FormatCount(st.Documents), strconv.Itoa(st.Deleted),
			points, lastRun, lastResult)
	}
	cmd.Println(tbl.Render())
	return nil
}

func runProjectValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspaceDir)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := fetch.New(fetch.Config{Logger: logger})
	if err != nil {
		return err
	}
	registry, err := newSourceRegistry()
	if err != nil {
		return err
	}
	mgr, err := project.NewManager(cfg, project.Deps{
		Registry: registry,
		Sources: sources.Deps{
			Fetch:       client,
			Logger:      logger,
			MaxFileSize: cfg.Global.FileConversion.MaxFileSize,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	results, worst := mgr.Validate(cmd.Context(), projectFilterID)

	if projectFormat == "json" {
		if err := printJSON(cmd, results); err != nil {
			return err
		}
		return worst
	}
	tbl := newTable("PROJECT", "TYPE", "SOURCE", "STATUS", "DETAIL")
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "failed"
		}
		tbl.Row(r.ProjectID, r.SourceType, r.SourceName, status, r.Detail)
	}
	cmd.Println(tbl.Render())
	return worst
}

// formatRunResult compresses a run's counters into one cell.
func formatRunResult(run *state.Run) string {
	return strconv.Itoa(run.Seen) + " seen, " +
		strconv.Itoa(run.New+run.Updated) + " written, " +
		strconv.Itoa(run.Failed) + " failed"
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(summaryBorderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				s = s.Bold(true)
			}
			return s
		}).
		Headers(headers...)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
