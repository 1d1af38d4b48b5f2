package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"sandboxprobe/internal/config"
)

func newPhasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "Print the ordered plan of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(offline)
			if err != nil {
				return err
			}

			printer.Banner(cfg.ProjectName)
			for _, ph := range cfg.PhasesFor(config.StageSetup) {
				printPhase("setup: "+ph.Name, ph)
			}
			printer.Printf("\n📤 upload %s → %s (progress every %d files)\n", cfg.LocalDir, cfg.RemoteRoot, cfg.UploadProgressEvery)
			for _, ph := range cfg.PhasesFor(config.StageAfterUpload) {
				printPhase("after upload: "+ph.Name, ph)
			}

			n := 1
			if cfg.Job.Enabled() {
				printer.Printf("\nPHASE %d: %s\n", n, cfg.Job.Label)
				printer.Printf("  ⏳ background, max wait %s, every %s\n", cfg.Job.MaxWait.Std(), cfg.Job.Interval.Std())
				printer.Printf("     %s\n", cfg.Job.Command)
				n++
			}
			for _, ph := range cfg.PhasesFor(config.StageVerify) {
				printPhase(fmt.Sprintf("PHASE %d: %s", n, ph.Name), ph)
				n++
			}
			printer.Printf("\n🛑 teardown: %s\n", cfg.Teardown)
			return nil
		},
	}
}

func printPhase(title string, ph config.Phase) {
	printer.Printf("\n%s\n", title)
	for _, c := range ph.Commands {
		label := c.Label
		if label == "" {
			label = c.Run
		}
		if c.Tolerant() {
			printer.Printf("  ▶ %s\n", label)
		} else {
			printer.Printf("  ▶ %s (must succeed)\n", label)
		}
	}
}
