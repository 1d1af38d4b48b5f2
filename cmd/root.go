package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sandboxprobe/internal/config"
	"sandboxprobe/internal/localsession"
	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/sshclient"
	"sandboxprobe/internal/util"
)

// logDir receives one JSON-lines log per run.
const logDir = ".sandboxprobe/logs"

var (
	configFile string
	logLevel   string
	printer    = util.Default

	rootCmd = &cobra.Command{
		Use:   "sandboxprobe",
		Short: "Probe a config tree inside a throwaway remote session",
		Long: `sandboxprobe provisions a short-lived session, uploads a local config tree,
runs setup commands, supervises one background job and collects diagnostics.
The session is terminated or left to expire at the end of the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Profile path (default ./"+config.ConfigFileName+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log file level: debug, info, warn or error")
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCollectCmd())
	rootCmd.AddCommand(newPhasesCmd())
	rootCmd.AddCommand(newInitCmd())
}

// reportedError was already shown to the operator.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func Execute() error {
	fitConsoleWidth()
	err := rootCmd.Execute()
	var reported reportedError
	if err != nil && !errors.As(err, &reported) {
		printer.Printf("❌ %v\n", err)
	}
	return err
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.ConfigFileName
}

func loadConfig(overrides ...config.Override) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPath(configPath(), overrides...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// fitConsoleWidth narrows rules and banners on small terminals.
func fitConsoleWidth() {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	if w, _, err := term.GetSize(fd); err == nil && w < util.DefaultWidth {
		printer.SetWidth(w)
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// openRunLog points the process logger at a fresh file under logDir.
func openRunLog(cfg *config.Config) (*logging.Logger, func(), error) {
	lvl, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := unsafeNameChars.ReplaceAllString(cfg.ProjectName, "-")
	path := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", name, time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log := logging.Init(f, lvl, logging.Fields{"run_id": uuid.NewString()})
	printer.Printf("📝 Logging to %s\n", path)
	return log, func() { f.Close() }, nil
}

func newProvider(cfg *config.Config) (session.Provider, error) {
	s := cfg.Session
	switch s.Provider {
	case config.ProviderLocal:
		return &localsession.Provider{Root: s.Workdir}, nil
	case config.ProviderSSH:
		return &sshclient.Provider{
			Username:     s.User,
			IdentityFile: s.IdentityFile,
			Password:     s.Password,
			Host:         s.Host,
			Port:         s.Port,
			KnownHosts:   s.KnownHosts,
			StateRoot:    s.StateRoot,
		}, nil
	}
	return nil, fmt.Errorf("unknown session provider %q", s.Provider)
}
