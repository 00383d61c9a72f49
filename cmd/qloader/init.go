package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a workspace and its Qdrant collection",
	Long: `Initialize a workspace: seed a starter config.yaml when none exists,
create the state database, and ensure the Qdrant collection matches the
configured embedding dimensionality.

Examples:
  # Set up a new workspace
  qloader init --workspace ./my-workspace

  # Recreate the collection after switching embedding models
  qloader init --workspace ./my-workspace --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "drop and recreate the collection if it exists")
}

func runInit(cmd *cobra.Command, args []string) error {
	seeded, err := seedWorkspace(workspaceDir)
	if err != nil {
		return err
	}
	if seeded {
		cmd.Printf("Created %s\n", filepath.Join(workspaceDir, config.ConfigFileName))
	}

	cfg, err := config.LoadWorkspace(workspaceDir)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Global.State.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	cmd.Printf("State database at %s\n", store.Path())

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	qcfg, err := qdrant.FromGlobal(cfg.Global.Qdrant)
	if err != nil {
		return err
	}
	client, err := qdrant.New(qcfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	size := cfg.Global.LLM.Embeddings.VectorSize
	if err := client.EnsureCollection(cmd.Context(), uint64(size), initForce); err != nil {
		return err
	}
	cmd.Printf("Collection %q ready (%d-dimensional vectors)\n", client.Collection(), size)

	// A recreated collection is empty. Stored hashes would make the next
	// run skip everything as unchanged, so the state goes with it.
	if initForce {
		ids := make([]string, 0, len(cfg.Projects))
		for id := range cfg.Projects {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := store.PurgeProject(cmd.Context(), id); err != nil {
				return err
			}
		}
		cmd.Printf("Cleared ingestion state for %d project(s); run qloader ingest to rebuild\n", len(ids))
	}
	cmd.Printf("Workspace %s initialized\n", workspaceDir)
	return nil
}

// seedWorkspace creates the workspace directory and writes the starter
// configuration when none exists. It reports whether a file was
// written.
func seedWorkspace(dir string) (bool, error) {
	if dir == "" {
		return false, errkind.New(errkind.Config, "workspace path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, errkind.New(errkind.Config, "create workspace %s: %v", dir, err)
	}
	path := filepath.Join(dir, config.ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, errkind.New(errkind.Config, "stat %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return false, errkind.New(errkind.Config, "write %s: %v", path, err)
	}
	return true, nil
}

// starterConfig is the seeded config.yaml. It loads as-is, with an
// example project against ./docs; secrets stay commented out so a
// fresh workspace never fails on an unset environment variable.
const starterConfig = `# qloader workspace configuration.
#
# Values under global apply to every project. Secrets may reference
# environment variables with ${VAR} syntax; unresolved variables fail
# the load, so keep such lines commented until the variable exists.
global:
  qdrant:
    url: http://localhost:6334
    collection_name: qloader
    # api_key: ${QDRANT_API_KEY}

  llm:
    provider: openai
    # api_key: ${OPENAI_API_KEY}
    models:
      embeddings: text-embedding-3-small

  chunking:
    chunk_size: 500
    chunk_overlap: 50

  sanitize:
    detect_secrets: true

projects:
  example:
    display_name: Example
    description: Markdown files under ./docs
    sources:
      localfile:
        docs:
          base_path: ./docs
          file_types: [md, txt]
      # git:
      #   handbook:
      #     base_url: https://github.com/example/handbook.git
      #     branch: main
      #     token: ${GITHUB_TOKEN}
      # confluence:
      #   wiki:
      #     base_url: https://example.atlassian.net
      #     deployment_type: cloud
      #     space_key: DOCS
      #     email: you@example.com
      #     token: ${CONFLUENCE_TOKEN}
`
