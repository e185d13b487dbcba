package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/starford/lexarchive/internal"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/catalog"
	"github.com/starford/lexarchive/internal/history"
	"github.com/starford/lexarchive/internal/ingest"
	"github.com/starford/lexarchive/internal/legacy"
	"github.com/starford/lexarchive/internal/mcpserver"
)

// Exit codes besides 0.
const (
	exitFailure    = 1
	exitVerifyFail = 2
)

func dbCommand() *cli.Command {
	instrument := &cli.StringFlag{Name: "instrument-name", Usage: "Instrument external id, e.g. C-12"}
	fragment := &cli.StringFlag{Name: "fragment-code", Usage: "Fragment code, e.g. se:1"}

	return &cli.Command{
		Name:  "db",
		Usage: "Archive maintenance and queries",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create or migrate the archive and print its schema version",
				Action: dbInit,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "echo-version", Usage: "Print only the version number"},
				},
			},
			{
				Name:   "verify",
				Usage:  "Check schema, pragmas, row counts, references and history parity",
				Action: dbVerify,
				Flags: []cli.Flag{
					outDirFlag(),
					&cli.BoolFlag{Name: "strict", Usage: "Fail when history parity does not match"},
				},
			},
			{
				Name:   "query",
				Usage:  "Run a named downstream query and print CSV",
				Action: dbQuery,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true, Usage: "current-by-fragment, snapshots-by-fragment, instruments-by-jurisdiction or annexes-by-fragment"},
					instrument,
					fragment,
					&cli.StringFlag{Name: "jurisdiction-code", Usage: "Jurisdiction code, e.g. QC"},
					&cli.StringFlag{Name: "format", Value: "csv", Usage: "csv or json"},
				},
			},
			{
				Name:   "delete-fragment",
				Usage:  "Delete a fragment with its content, snapshots, annexes, tags and links",
				Action: dbDeleteFragment,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "instrument-name", Required: true, Usage: "Instrument external id"},
					&cli.StringFlag{Name: "fragment-code", Required: true, Usage: "Fragment code"},
				},
			},
			{
				Name:   "import-history",
				Usage:  "Import crawled fragment histories as snapshots",
				Action: dbImportHistory,
				Flags: []cli.Flag{
					outDirFlag(),
					&cli.BoolFlag{Name: "dry-run", Usage: "Report what would be imported without writing"},
					&cli.StringFlag{Name: "jurisdiction-code", Usage: "Jurisdiction the instruments belong to"},
					&cli.StringFlag{Name: "language", Usage: "Language of the crawled texts, e.g. fr"},
				},
			},
			{
				Name:   "import-legacy",
				Usage:  "Import a pre-versioning legacy database, optionally with crawled histories",
				Action: dbImportLegacy,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "legacy-db", Required: true, Usage: "Legacy SQLite file, opened read only"},
					&cli.BoolFlag{Name: "dry-run", Aliases: []string{"preview"}, Usage: "Print counts without writing"},
					&cli.StringFlag{Name: "jurisdiction-default", Value: legacy.DefaultJurisdiction, Usage: "Jurisdiction for legacy instruments"},
					&cli.StringFlag{Name: "language", Usage: "Language of the legacy texts, e.g. fr"},
					outDirFlag(),
				},
			},
		},
	}
}

func outDirFlag() cli.Flag {
	return &cli.StringFlag{Name: "out-dir", Usage: "Crawler output directory; overrides output.dir"}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:   "ingest",
		Usage:  "Fetch, checksum and archive every entry of a manifest",
		Action: runIngest,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Required: true, Usage: "Manifest file (JSON, JSONC, YAML or TOML)"},
			&cli.BoolFlag{Name: "resume", Usage: "Skip entries the previous run completed"},
			&cli.StringFlag{Name: "only", Usage: "Glob over entry key, instrument id or URL"},
			&cli.DurationFlag{Name: "await-captures", Usage: "Wait this long for each missing primed capture"},
		},
	}
}

// batchLogger installs a text logger on stderr for one-shot commands.
func batchLogger(cmd *cli.Command, cfg *internal.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(errWriter(cmd), &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	slog.SetDefault(logger)
	return logger
}

func writer(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

// openArchive loads the config and opens the archive it points at.
// --out-dir, when the command has it, moves the default archive location
// along with the output directory.
func openArchive(ctx context.Context, cmd *cli.Command) (*internal.Config, *archive.Archive, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if dir := cmd.String("out-dir"); dir != "" {
		cfg.Output.Dir = dir
	}
	logger := batchLogger(cmd, cfg)
	arc, err := archive.Open(ctx, cfg.ArchivePath(), archive.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, arc, logger, nil
}

func dbInit(ctx context.Context, cmd *cli.Command) error {
	_, arc, _, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	v, err := arc.Version(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("echo-version") {
		_, err = fmt.Fprintln(writer(cmd), v)
		return err
	}
	_, err = fmt.Fprintf(writer(cmd), "archive %s at schema version %d\n", arc.Path(), v)
	return err
}

func dbVerify(ctx context.Context, cmd *cli.Command) error {
	_, arc, _, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	rep, err := arc.Verify(ctx)
	if err != nil {
		return err
	}
	if dir := cmd.String("out-dir"); dir != "" {
		results, err := history.Parity(ctx, arc, dir)
		if err != nil {
			return err
		}
		history.AddParity(&rep, results, cmd.Bool("strict"))
	}
	for _, line := range rep.Lines() {
		fmt.Fprintln(writer(cmd), line)
	}
	if !rep.OK() {
		return cli.Exit("", exitVerifyFail)
	}
	return nil
}

func dbQuery(ctx context.Context, cmd *cli.Command) error {
	q, err := catalog.ParseQuery(cmd.String("name"))
	if err != nil {
		return err
	}
	_, arc, _, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	table, err := catalog.NewService(arc).Run(ctx, q, catalog.Params{
		Instrument:   cmd.String("instrument-name"),
		Fragment:     cmd.String("fragment-code"),
		Jurisdiction: cmd.String("jurisdiction-code"),
	})
	if err != nil {
		return err
	}
	switch cmd.String("format") {
	case "json":
		return table.WriteJSON(writer(cmd))
	case "csv", "":
		return table.WriteCSV(writer(cmd))
	default:
		return fmt.Errorf("unknown format %q (want csv or json)", cmd.String("format"))
	}
}

func dbDeleteFragment(ctx context.Context, cmd *cli.Command) error {
	_, arc, logger, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	inst, code := cmd.String("instrument-name"), cmd.String("fragment-code")
	f, err := catalog.NewService(arc).DeleteFragment(ctx, inst, code)
	if err != nil {
		return err
	}
	logger.Info("fragment deleted", slog.Int64("fragment_id", f.ID), slog.String("instrument", inst), slog.String("code", code))
	_, err = fmt.Fprintf(writer(cmd), "deleted fragment %d (%s/%s)\n", f.ID, inst, code)
	return err
}

func dbImportHistory(ctx context.Context, cmd *cli.Command) error {
	cfg, arc, logger, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	im := &history.Importer{
		Archive:      arc,
		Jurisdiction: cmd.String("jurisdiction-code"),
		Language:     cmd.String("language"),
		Logger:       logger,
	}
	rep, err := im.Import(ctx, cfg.Output.Dir, cmd.Bool("dry-run"))
	for _, line := range rep.Lines {
		fmt.Fprintln(writer(cmd), line)
	}
	return err
}

// dbImportLegacy opens the legacy file before the archive, so a bad
// --legacy-db leaves no archive behind. A preview never opens the archive.
func dbImportLegacy(ctx context.Context, cmd *cli.Command) error {
	src, err := legacy.Open(ctx, cmd.String("legacy-db"))
	if err != nil {
		return fmt.Errorf("import-legacy failed: %w", err)
	}
	defer src.Close()

	outDir := cmd.String("out-dir")
	if cmd.Bool("dry-run") {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := batchLogger(cmd, cfg)
		if outDir != "" {
			rep, err := (&history.Importer{Logger: logger}).Import(ctx, outDir, true)
			if err != nil {
				return err
			}
			for _, line := range rep.Lines {
				fmt.Fprintln(writer(cmd), line)
			}
		}
		counts, err := src.Counts(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(writer(cmd), legacy.PreviewLine(src.Path(), counts))
		return err
	}

	_, arc, logger, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	im := &legacy.Importer{
		Archive:      arc,
		Jurisdiction: cmd.String("jurisdiction-default"),
		Language:     cmd.String("language"),
		Logger:       logger,
	}
	rep, err := im.Import(ctx, src)
	for _, line := range rep.Lines {
		fmt.Fprintln(writer(cmd), line)
	}
	if err != nil || outDir == "" {
		return err
	}
	hrep, err := (&history.Importer{
		Archive:      arc,
		Jurisdiction: im.Jurisdiction,
		Language:     im.Language,
		Logger:       logger,
	}).Import(ctx, outDir, false)
	for _, line := range hrep.Lines {
		fmt.Fprintln(writer(cmd), line)
	}
	return err
}

func runIngest(ctx context.Context, cmd *cli.Command) error {
	cfg, arc, logger, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher := internal.NewLauncher(cfg, arc, logger, internal.IngestOptions{
		AwaitCaptures: cmd.Duration("await-captures"),
	})
	sum, err := launcher.Run(ctx, ingest.Request{
		Manifest: cmd.String("manifest"),
		Only:     cmd.String("only"),
		Resume:   cmd.Bool("resume"),
	})
	if sum.RunID != "" {
		fmt.Fprintf(writer(cmd), "run %s (%s): %s\n", sum.RunID, sum.Dir, sum)
	}
	if errors.Is(err, context.Canceled) {
		return cli.Exit("ingest interrupted; rerun with --resume to continue", exitFailure)
	}
	if err != nil {
		return err
	}
	if code := sum.ExitCode(); code != 0 {
		return cli.Exit("every entry failed", code)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the protocol; logs go to stderr.
	_, arc, _, err := openArchive(ctx, cmd)
	if err != nil {
		return err
	}
	defer arc.Close()

	return mcpserver.New(catalog.NewService(arc), version).ServeStdio()
}
