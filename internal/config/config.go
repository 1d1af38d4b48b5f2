package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sandboxprobe/internal/util"
)

var printer = util.Default

// ConfigFileName is the profile looked up in the working directory.
const ConfigFileName = "sandboxprobe.yaml"

// DefaultProfile is the built-in Neovim config troubleshooting profile.
//
//go:embed default_profile.yaml
var DefaultProfile []byte

// Phase stages, in run order. The background job runs between
// StageAfterUpload and StageVerify.
const (
	StageSetup       = "setup"
	StageAfterUpload = "after_upload"
	StageVerify      = "verify"
)

const (
	ProviderSSH   = "ssh"
	ProviderLocal = "local"
)

// Duration accepts "90s"/"15m" strings or bare integers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ProjectName         string   `yaml:"project_name"`
	Version             string   `yaml:"version"`
	LocalDir            string   `yaml:"local_dir"`
	RemoteRoot          string   `yaml:"remote_root"`
	RemoteHome          string   `yaml:"remote_home"`
	Exclusions          []string `yaml:"exclusions"`
	IgnorePatterns      []string `yaml:"ignore_patterns"`
	UploadProgressEvery int      `yaml:"upload_progress_every"`
	CommandTimeout      Duration `yaml:"command_timeout"`
	LogOutput           bool     `yaml:"log_output"`
	Session             Session  `yaml:"session"`
	Paths               Paths    `yaml:"paths"`
	Job                 Job      `yaml:"job"`
	Phases              []Phase  `yaml:"phases"`
	Teardown            string   `yaml:"teardown"`
}

type Session struct {
	Provider     string   `yaml:"provider"`
	Lifetime     Duration `yaml:"lifetime"`
	Host         string   `yaml:"host"`
	Port         string   `yaml:"port"`
	User         string   `yaml:"user"`
	IdentityFile string   `yaml:"identity_file"`
	Password     string   `yaml:"password"`
	KnownHosts   string   `yaml:"known_hosts"`
	// StateRoot holds per-session state on the remote host (ssh).
	StateRoot string `yaml:"state_root"`
	// Workdir is the parent of local session directories (local).
	Workdir string `yaml:"workdir"`
}

// Paths are the fixed remote locations shared by commands and the job.
type Paths struct {
	Sentinel  string `yaml:"sentinel"`
	JobOutput string `yaml:"job_output"`
	Messages  string `yaml:"messages"`
	Health    string `yaml:"health"`
}

type Job struct {
	Label         string   `yaml:"label"`
	Command       string   `yaml:"command"`
	MaxWait       Duration `yaml:"max_wait"`
	Interval      Duration `yaml:"interval"`
	CheckTimeout  Duration `yaml:"check_timeout"`
	ProgressQuery string   `yaml:"progress_query"`
	ProgressLabel string   `yaml:"progress_label"`
}

// Enabled reports whether a background job is configured.
func (j Job) Enabled() bool { return strings.TrimSpace(j.Command) != "" }

type Phase struct {
	Name     string    `yaml:"name"`
	Stage    string    `yaml:"stage"`
	Commands []Command `yaml:"commands"`
}

type Command struct {
	Label string `yaml:"label"`
	Run   string `yaml:"run"`
	// AllowFailure defaults to true; bootstrap commands set it to false.
	AllowFailure *bool    `yaml:"allow_failure"`
	Timeout      Duration `yaml:"timeout"`
}

func (c Command) Tolerant() bool {
	return c.AllowFailure == nil || *c.AllowFailure
}

// PhasesFor returns the phases of one stage, in profile order.
func (c *Config) PhasesFor(stage string) []Phase {
	var out []Phase
	for _, p := range c.Phases {
		if p.Stage == stage {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills unset fields. home expands "~" in local paths.
func (c *Config) ApplyDefaults(home string) {
	if c.RemoteHome == "" {
		c.RemoteHome = "/home/user"
	}
	if c.RemoteRoot == "" {
		c.RemoteRoot = c.RemoteHome + "/.config/nvim"
	}
	if c.Exclusions == nil {
		c.Exclusions = []string{".git", ".claude", "node_modules", "__pycache__", ".DS_Store", ConfigFileName}
	}
	if c.UploadProgressEvery <= 0 {
		c.UploadProgressEvery = 20
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = Duration(600 * time.Second)
	}
	if c.Session.Provider == "" {
		c.Session.Provider = ProviderSSH
	}
	if c.Session.Lifetime <= 0 {
		c.Session.Lifetime = Duration(900 * time.Second)
	}
	if c.Session.Port == "" {
		c.Session.Port = "22"
	}
	if c.Paths.Sentinel == "" {
		c.Paths.Sentinel = "/tmp/sandboxprobe_job_done"
	}
	if c.Paths.JobOutput == "" {
		c.Paths.JobOutput = "/tmp/sandboxprobe_job_output.txt"
	}
	if c.Paths.Messages == "" {
		c.Paths.Messages = "/tmp/sandboxprobe_messages.txt"
	}
	if c.Paths.Health == "" {
		c.Paths.Health = "/tmp/sandboxprobe_health.txt"
	}
	if c.Job.Label == "" {
		c.Job.Label = "Background job"
	}
	if c.Job.MaxWait <= 0 {
		c.Job.MaxWait = Duration(540 * time.Second)
	}
	if c.Job.Interval <= 0 {
		c.Job.Interval = Duration(10 * time.Second)
	}
	if c.Job.CheckTimeout <= 0 {
		c.Job.CheckTimeout = Duration(10 * time.Second)
	}
	for i := range c.Phases {
		if c.Phases[i].Stage == "" {
			c.Phases[i].Stage = StageVerify
		}
	}
	if c.Teardown == "" {
		c.Teardown = "ask"
	}
	if home != "" {
		c.LocalDir = util.ExpandHome(c.LocalDir, home)
		c.Session.IdentityFile = util.ExpandHome(c.Session.IdentityFile, home)
		c.Session.KnownHosts = util.ExpandHome(c.Session.KnownHosts, home)
	}
}

// Placeholders are the {{name}} values available to command strings.
func (c *Config) Placeholders() map[string]string {
	return map[string]string{
		"project_name": c.ProjectName,
		"version":      c.Version,
		"remote_root":  c.RemoteRoot,
		"home":         c.RemoteHome,
		"sentinel":     c.Paths.Sentinel,
		"job_output":   c.Paths.JobOutput,
		"messages":     c.Paths.Messages,
		"health":       c.Paths.Health,
	}
}

// Render substitutes placeholders in every label and command.
func (c *Config) Render() {
	vars := c.Placeholders()
	c.Job.Label = util.Interpolate(c.Job.Label, vars)
	c.Job.Command = util.Interpolate(c.Job.Command, vars)
	c.Job.ProgressQuery = util.Interpolate(c.Job.ProgressQuery, vars)
	for i := range c.Phases {
		p := &c.Phases[i]
		p.Name = util.Interpolate(p.Name, vars)
		for j := range p.Commands {
			p.Commands[j].Label = util.Interpolate(p.Commands[j].Label, vars)
			p.Commands[j].Run = util.Interpolate(p.Commands[j].Run, vars)
		}
	}
}

// ValidateConfig reports every problem found in cfg at once.
func ValidateConfig(cfg *Config) error {
	var validationErrors []string

	if strings.TrimSpace(cfg.ProjectName) == "" {
		validationErrors = append(validationErrors, "project_name cannot be empty")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		validationErrors = append(validationErrors, "local_dir cannot be empty")
	}
	if !strings.HasPrefix(cfg.RemoteRoot, "/") {
		validationErrors = append(validationErrors, fmt.Sprintf("remote_root must be an absolute path: %q", cfg.RemoteRoot))
	}

	switch cfg.Session.Provider {
	case ProviderSSH:
		if strings.TrimSpace(cfg.Session.Host) == "" {
			validationErrors = append(validationErrors, "session.host cannot be empty for the ssh provider")
		}
		if strings.TrimSpace(cfg.Session.User) == "" {
			validationErrors = append(validationErrors, "session.user cannot be empty for the ssh provider")
		}
		if cfg.Session.IdentityFile == "" && cfg.Session.Password == "" {
			validationErrors = append(validationErrors, "session needs identity_file or password for the ssh provider")
		}
		if p, err := strconv.Atoi(cfg.Session.Port); err != nil || p <= 0 || p > 65535 {
			validationErrors = append(validationErrors, "session.port must be a valid number between 1-65535")
		}
	case ProviderLocal:
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("session.provider must be 'ssh' or 'local', got %q", cfg.Session.Provider))
	}

	if cfg.Job.Enabled() && cfg.Job.Interval <= 0 {
		validationErrors = append(validationErrors, "job.interval must be positive")
	}

	for i, p := range cfg.Phases {
		if strings.TrimSpace(p.Name) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("Phase %d: name cannot be empty", i+1))
		}
		switch p.Stage {
		case StageSetup, StageAfterUpload, StageVerify:
		default:
			validationErrors = append(validationErrors, fmt.Sprintf("Phase '%s' (index %d): invalid stage '%s' (must be 'setup', 'after_upload' or 'verify')", p.Name, i+1, p.Stage))
		}
		for j, c := range p.Commands {
			if strings.TrimSpace(c.Run) == "" {
				validationErrors = append(validationErrors, fmt.Sprintf("Phase '%s' command %d: run cannot be empty", p.Name, j+1))
			}
		}
	}

	switch strings.ToLower(cfg.Teardown) {
	case "ask", "terminate", "kill", "leave", "keep":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("teardown must be 'ask', 'terminate' or 'leave', got %q", cfg.Teardown))
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(validationErrors, "\n"))
	}
	return nil
}

// Override adjusts a parsed profile before validation, e.g. from CLI flags.
type Override func(*Config)

// LoadConfigWithPath reads, interpolates, defaults, renders and validates the
// profile at configPath. A relative local_dir resolves against the profile's
// directory.
func LoadConfigWithPath(configPath string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found. Please run 'sandboxprobe init' first", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	cfgDir := filepath.Dir(configPath)
	envMap, _ := loadDotEnvIfExists(cfgDir)

	home, _ := os.UserHomeDir()
	resolveLocalDir := func(c *Config) {
		c.LocalDir = util.ExpandHome(c.LocalDir, home)
		if c.LocalDir != "" && !filepath.IsAbs(c.LocalDir) {
			c.LocalDir = filepath.Join(cfgDir, c.LocalDir)
		}
	}
	cfg, err := Parse(data, envMap, home, append(overrides, resolveLocalDir)...)
	if err != nil {
		return nil, err
	}
	if cfg.Session.Provider == ProviderSSH && cfg.Session.IdentityFile != "" {
		if err := fixSSHKeyPermissions(cfg.Session.IdentityFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse builds a validated Config from raw profile bytes. ${VAR} references
// resolve from the OS environment first, then envMap.
func Parse(data []byte, envMap map[string]string, home string, overrides ...Override) (*Config, error) {
	rendered := interpolateEnv(string(data), envMap)

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(rendered)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	for _, o := range overrides {
		o(&cfg)
	}
	cfg.ApplyDefaults(home)
	cfg.Render()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fixSSHKeyPermissions tightens a private key to 0600, which ssh requires.
func fixSSHKeyPermissions(keyPath string) error {
	info, err := os.Stat(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("SSH key file does not exist: %s", keyPath)
		}
		return fmt.Errorf("cannot access SSH key file: %v", err)
	}
	currentPerm := info.Mode().Perm()
	if currentPerm&0o077 == 0 {
		return nil
	}
	if err := os.Chmod(keyPath, 0o600); err != nil {
		return fmt.Errorf("failed to set SSH key permissions for %s: %v", keyPath, err)
	}
	printer.Printf("🔒 SSH key permissions set: %s (%o → 600)\n", keyPath, currentPerm)
	return nil
}

// loadDotEnvIfExists reads the .env next to the profile. A missing or broken
// file yields an empty map.
func loadDotEnvIfExists(dir string) (map[string]string, error) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return map[string]string{}, nil
	}

	m, err := godotenv.Read(envPath)
	if err != nil {
		printer.Printf("⚠️  Failed to parse .env at %s: %v\n", envPath, err)
		return map[string]string{}, err
	}
	return m, nil
}

var envRefRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} occurrences. Precedence: OS env > envMap.
// Bare $VAR is left alone because profile commands are shell scripts.
// Missing variables become empty strings with a warning.
func interpolateEnv(input string, envMap map[string]string) string {
	return envRefRegex.ReplaceAllStringFunc(input, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if v, ok := envMap[name]; ok {
			return v
		}
		printer.Printf("⚠️  Environment variable %s not set; using empty string\n", name)
		return ""
	})
}

// WriteDefaultProfile writes the built-in profile to path unless it exists.
func WriteDefaultProfile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	return os.WriteFile(path, DefaultProfile, 0o644)
}
