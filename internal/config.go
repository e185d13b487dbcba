package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/lexarchive/internal/annex"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/ingest"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app" toml:"app"`
	Archive ArchiveConfig     `yaml:"archive" toml:"archive"`
	Output  OutputConfig      `yaml:"output" toml:"output"`
	Ingest  IngestConfig      `yaml:"ingest" toml:"ingest"`
	Annex   AnnexConfig       `yaml:"annex" toml:"annex"`
	Auth    AuthConfig        `yaml:"auth" toml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Output.Validate(); err != nil {
		return err
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Annex.Validate(); err != nil {
		return fmt.Errorf("annex: %w", err)
	}
	return c.Auth.Validate()
}

// ArchivePath is archive.path, or the well-known sibling of the output
// directory when unset.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return archive.DefaultPath(c.Output.Dir)
}

// CaptureDir is where primed captures are looked up.
func (c *Config) CaptureDir() string {
	return c.underOutput(c.Ingest.CaptureDir, "captures")
}

// SourceDir is where fetched bytes are archived.
func (c *Config) SourceDir() string {
	return c.underOutput(c.Ingest.ArchiveDir, "sources")
}

// StatePath is the per-source state file.
func (c *Config) StatePath() string {
	return c.underOutput(c.Ingest.StatePath, "state.json")
}

// LogDir is the parent of every run log directory.
func (c *Config) LogDir() string {
	return c.underOutput(c.Ingest.LogDir, "runs")
}

func (c *Config) underOutput(set, name string) string {
	if set != "" {
		return set
	}
	return filepath.Join(c.Output.Dir, name)
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" toml:"log_level"`
	HTTP     HTTPConfig `yaml:"http" toml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ArchiveConfig locates the archive file.
type ArchiveConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// OutputConfig is the crawler output directory: history trees live under
// it and the archive defaults to a file next to it.
type OutputConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// Validate validates the output configuration.
func (c *OutputConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
	)
}

// IngestConfig tunes the ingestion coordinator. Empty directories resolve
// under output.dir.
type IngestConfig struct {
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
	Retries   int           `yaml:"retries" toml:"retries"`
	Backoff   BackoffConfig `yaml:"backoff" toml:"backoff"`
	Delay     time.Duration `yaml:"delay" toml:"delay"`
	UserAgent string        `yaml:"user_agent" toml:"user_agent"`

	CaptureDir string `yaml:"capture_dir" toml:"capture_dir"`
	ArchiveDir string `yaml:"archive_dir" toml:"archive_dir"`
	StatePath  string `yaml:"state_path" toml:"state_path"`
	LogDir     string `yaml:"log_dir" toml:"log_dir"`

	// HostHeaders maps a host suffix to extra request headers.
	HostHeaders map[string]map[string]string `yaml:"host_headers" toml:"host_headers"`
}

// Validate validates the ingest configuration.
func (c *IngestConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&c.Retries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.Delay, validation.Min(time.Duration(0))),
		validation.Field(&c.UserAgent, validation.Required),
	); err != nil {
		return err
	}
	return c.Backoff.Validate()
}

// RetryPolicy converts the retry settings.
func (c *IngestConfig) RetryPolicy() ingest.RetryPolicy {
	return ingest.RetryPolicy{
		MaxRetries: c.Retries,
		Kind:       c.Backoff.Kind,
		Initial:    c.Backoff.Initial,
		Max:        c.Backoff.Max,
	}
}

// BackoffConfig shapes the delay between retries.
type BackoffConfig struct {
	Kind    string        `yaml:"kind" toml:"kind"`
	Initial time.Duration `yaml:"initial" toml:"initial"`
	Max     time.Duration `yaml:"max" toml:"max"`
}

// Validate validates the backoff configuration.
func (c *BackoffConfig) Validate() error {
	if c.Kind == "" {
		c.Kind = ingest.BackoffExponential
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Kind, validation.In(ingest.BackoffExponential, ingest.BackoffFixed)),
		validation.Field(&c.Initial, validation.Required),
	); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	if c.Max > 0 && c.Max < c.Initial {
		return fmt.Errorf("backoff: max %s is below initial %s", c.Max, c.Initial)
	}
	return nil
}

// AnnexConfig configures the external PDF converter. An empty command
// records every annex as skipped.
type AnnexConfig struct {
	Command string        `yaml:"command" toml:"command"`
	Args    []string      `yaml:"args" toml:"args"`
	Tool    string        `yaml:"tool" toml:"tool"`
	Version string        `yaml:"version" toml:"version"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	Retries int           `yaml:"retries" toml:"retries"`
}

// Validate validates the annex configuration.
func (c *AnnexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.When(c.Command != "", validation.Required)),
		validation.Field(&c.Retries, validation.Min(0), validation.Max(5)),
	)
}

// Converter builds the annex converter.
func (c *AnnexConfig) Converter(logger *slog.Logger) *annex.Converter {
	args := c.Args
	if len(args) == 0 {
		args = annex.DefaultArgs
	}
	return &annex.Converter{
		Command: c.Command,
		Args:    args,
		Tool:    c.Tool,
		Version: c.Version,
		Timeout: c.Timeout,
		Retries: c.Retries,
		Logger:  logger,
	}
}

// AuthConfig holds authentication configuration for the HTTP API.
//
// Mode is "disabled" (default) or "token", in which case every /api
// request needs "Authorization: Bearer <token>".
type AuthConfig struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Token string `yaml:"token" toml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with the shipped defaults.
func NewDefaultConfig() *Config {
	policy := ingest.DefaultRetryPolicy()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Output: OutputConfig{
			Dir: "./output",
		},
		Ingest: IngestConfig{
			Timeout: 30 * time.Second,
			Retries: policy.MaxRetries,
			Backoff: BackoffConfig{
				Kind:    policy.Kind,
				Initial: policy.Initial,
				Max:     policy.Max,
			},
			Delay:     time.Second,
			UserAgent: "lexarchive/1.0 (+legal text archiving)",
		},
		Annex: AnnexConfig{
			Timeout: 5 * time.Minute,
			Retries: 1,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
