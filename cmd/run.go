package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sandboxprobe/internal/config"
	"sandboxprobe/internal/orchestrator"
	"sandboxprobe/internal/teardown"
)

func newRunCmd() *cobra.Command {
	var (
		teardownFlag string
		localDir     string
		provider     string
		logOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the profile against a new session",
		Long: `Collect the local tree, create a session, run setup phases, upload,
launch and poll the background job, run verification phases and finally
decide whether to terminate the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if localDir != "" {
					if abs, err := filepath.Abs(localDir); err == nil {
						c.LocalDir = abs
					}
				}
				if provider != "" {
					c.Session.Provider = provider
				}
				if teardownFlag != "" {
					c.Teardown = teardownFlag
				}
				if logOutput {
					c.LogOutput = true
				}
			})
			if err != nil {
				return err
			}

			log, closeLog, err := openRunLog(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			prov, err := newProvider(cfg)
			if err != nil {
				return err
			}
			policy, err := teardown.Parse(cfg.Teardown)
			if err != nil {
				return err
			}

			// The first signal cancels the run; a second one gets the
			// default behaviour and kills the process.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stop()
			}()

			o := orchestrator.New(cfg, prov, policy, printer, log)
			o.PromptContext = func(parent context.Context) (context.Context, context.CancelFunc) {
				return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			}
			if err := o.Run(ctx); err != nil {
				return reportedError{err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&teardownFlag, "teardown", "", "Teardown policy: ask, terminate or leave")
	cmd.Flags().StringVar(&localDir, "local-dir", "", "Override local_dir")
	cmd.Flags().StringVar(&provider, "provider", "", "Override session.provider (ssh or local)")
	cmd.Flags().BoolVar(&logOutput, "log-output", false, "Also write full command output to the log file")

	return cmd
}
