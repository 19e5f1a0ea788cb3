package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tierbench/internal/archive"
	"github.com/signalnine/tierbench/internal/runner"
)

func newArchiveCmd(a *app) *cobra.Command {
	var (
		upload     bool
		workspaces bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Pack the experiment's results into a .tar.zst, optionally uploading it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			root := runner.ExperimentRoot(cfg)
			dest := cfg.Resolve(cfg.Archive.Dir)
			if dest == "" {
				dest = filepath.Join(filepath.Dir(root), "archives")
			}
			path, err := archive.Create(cmd.Context(), root, dest, archive.Options{IncludeWorkspaces: workspaces})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archive: %s\n", path)
			if !upload {
				return nil
			}
			if cfg.Archive.AzureURL == "" {
				return fmt.Errorf("--upload needs archive.azure_url in the config")
			}
			blob, err := archive.Upload(cmd.Context(), path, cfg.Archive.AzureURL, cfg.Archive.Container)
			if err != nil {
				return err
			}
			a.log.Info("archive uploaded", "container", cfg.Archive.Container, "blob", blob)
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded: %s/%s\n", cfg.Archive.Container, blob)
			return nil
		},
	}
	cmd.Flags().BoolVar(&upload, "upload", false, "upload to the configured Azure Blob container")
	cmd.Flags().BoolVar(&workspaces, "include-workspaces", false, "keep per-run workspaces in the archive")
	return cmd
}
