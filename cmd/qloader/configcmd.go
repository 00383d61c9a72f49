package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/qloader/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration with secrets redacted",
	Long: `Print the workspace configuration after environment expansion,
QLOADER_* overrides, and defaulting. Secret values are replaced with
[REDACTED] so the output is safe to share.

Examples:
  qloader config --workspace ./my-workspace`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspaceDir)
	if err != nil {
		return err
	}
	redacted, err := cfg.Redacted()
	if err != nil {
		return err
	}
	out, err := config.RenderYAML(redacted)
	if err != nil {
		return err
	}
	cmd.Print(string(out))
	return nil
}
