package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/lexarchive/internal"
	pkgconfig "github.com/starford/lexarchive/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "lexarchive",
		Usage:   "Versioned archive of legal texts with a resumable ingestion coordinator",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (YAML, or TOML by extension)",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("LEXARCHIVE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "Archive file; overrides archive.path",
				Sources: cli.EnvVars("LEXARCHIVE_DB_PATH"),
			},
		},
		Commands: []*cli.Command{
			dbCommand(),
			ingestCommand(),
			{
				Name:   "serve",
				Usage:  "Serve the read-only HTTP API with SSE progress and metrics",
				Action: serve,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Usage: "HTTP port; overrides app.http.port"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the downstream queries as MCP tools over stdio",
				Action: serveMCP,
			},
		},
	}
}

// loadConfig reads the config file, falling back to defaults when it is
// missing, and applies global flag overrides.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if p := cmd.String("db-path"); p != "" {
		cfg.Archive.Path = p
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port != 0 {
		cfg.App.HTTP.Port = int(port)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
