// Package main implements the qloader CLI.
//
// A workspace is a directory holding config.yaml and the state
// database. The subcommands operate on one workspace at a time:
//
//	qloader init --workspace ./ws       # seed config, ensure collection
//	qloader ingest --workspace ./ws     # run the ingestion pipeline
//	qloader config --workspace ./ws     # print resolved config, redacted
//	qloader project list --workspace ./ws
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/qloader/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Persistent flags shared by every subcommand.
var (
	workspaceDir string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "qloader",
	Short: "Load documents from configured sources into Qdrant",
	Long: `qloader ingests documents from local directories, git repositories,
Confluence spaces, Jira projects, and public documentation sites into a
Qdrant collection. Content hashes are tracked in a local state database
so re-runs only touch what changed.

Exit codes are stable: 0 success (including partial source failures
during ingest), 2 configuration error, 3 connection or runtime failure,
4 authentication failure, 5 ingest made no progress while a source
errored, 130 aborted by a second signal.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", ".", "workspace directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatConsole, "log encoding (console, json)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("qloader %s (commit %s, built %s)\n", version, gitCommit, buildDate))
}

// newLogger builds the CLI logger from the persistent flags. Logs go
// to stderr so stdout stays parseable.
func newLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	cfg := logging.NewDefaultConfig("qloader")
	cfg.Level = level
	cfg.Format = logFormat
	return logging.NewLogger(cfg)
}
