package cmd

import (
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sandboxprobe/internal/collector"
	"sandboxprobe/internal/config"
)

// offline skips session validation for commands that never connect.
func offline(c *config.Config) { c.Session.Provider = config.ProviderLocal }

func newCollectCmd() *cobra.Command {
	var (
		localDir string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Show which files a run would upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(offline, func(c *config.Config) {
				if localDir != "" {
					if abs, err := filepath.Abs(localDir); err == nil {
						c.LocalDir = abs
					}
				}
			})
			if err != nil {
				return err
			}

			printer.Printf("📁 Collecting files from %s...\n", cfg.LocalDir)
			files, err := collector.Collect(collector.Options{
				LocalDir:       cfg.LocalDir,
				RemoteRoot:     cfg.RemoteRoot,
				Exclusions:     collector.NewExclusionSet(cfg.Exclusions...),
				IgnorePatterns: cfg.IgnorePatterns,
				Warn: func(e *collector.FileAccessError) {
					printer.Printf("  ⚠ Skipping %s: %v\n", e.Path, e.Err)
				},
			})
			if err != nil {
				return err
			}

			if !quiet {
				for _, f := range files {
					printer.Printf("   %-9s %s\n", humanize.Bytes(uint64(len(f.Data))), f.RemotePath)
				}
			}
			sum := collector.Summarize(files)
			printer.Printf("\n   %d files, %s, digest %016x\n", sum.Files, humanize.Bytes(uint64(sum.Bytes)), sum.Digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&localDir, "local-dir", "", "Override local_dir")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the summary")

	return cmd
}
