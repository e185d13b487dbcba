package internal

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/lexarchive/internal/ingest"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenMode(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}

	cfg.Token = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("empty token: got %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := cfg.Ingest.RetryPolicy(); got != ingest.DefaultRetryPolicy() {
		t.Errorf("retry policy = %+v, want %+v", got, ingest.DefaultRetryPolicy())
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Dir = filepath.Join("data", "out")

	if got, want := cfg.ArchivePath(), filepath.Join("data", "legislation.db"); got != want {
		t.Errorf("archive path = %q, want %q", got, want)
	}
	if got, want := cfg.StatePath(), filepath.Join("data", "out", "state.json"); got != want {
		t.Errorf("state path = %q, want %q", got, want)
	}
	if got, want := cfg.LogDir(), filepath.Join("data", "out", "runs"); got != want {
		t.Errorf("log dir = %q, want %q", got, want)
	}

	cfg.Archive.Path = "/srv/archive.db"
	cfg.Ingest.CaptureDir = "/srv/captures"
	if cfg.ArchivePath() != "/srv/archive.db" {
		t.Errorf("explicit archive path ignored: %q", cfg.ArchivePath())
	}
	if cfg.CaptureDir() != "/srv/captures" {
		t.Errorf("explicit capture dir ignored: %q", cfg.CaptureDir())
	}
}

func TestIngestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backoff", func(c *Config) { c.Ingest.Backoff.Kind = "linear" }},
		{"max below initial", func(c *Config) { c.Ingest.Backoff.Initial = time.Minute; c.Ingest.Backoff.Max = time.Second }},
		{"negative retries", func(c *Config) { c.Ingest.Retries = -1 }},
		{"no user agent", func(c *Config) { c.Ingest.UserAgent = "" }},
		{"no output dir", func(c *Config) { c.Output.Dir = "" }},
		{"converter without timeout", func(c *Config) { c.Annex.Command = "marker"; c.Annex.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBackoffKindDefaultsToExponential(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Ingest.Backoff.Kind = ""
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Backoff.Kind != ingest.BackoffExponential {
		t.Errorf("kind = %q", cfg.Ingest.Backoff.Kind)
	}
}

func TestAnnexConverterDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	conv := cfg.Annex.Converter(nil)
	if len(conv.Args) == 0 {
		t.Error("converter should fall back to the default argument template")
	}
	if conv.Command != "" {
		t.Errorf("command = %q, want empty (conversion disabled)", conv.Command)
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}
