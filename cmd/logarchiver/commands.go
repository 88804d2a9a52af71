package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/logarchiver/internal/archive"
	"github.com/andresuchdata/logarchiver/internal/config"
	"github.com/andresuchdata/logarchiver/internal/lock"
	"github.com/andresuchdata/logarchiver/internal/pipeline"
	"github.com/andresuchdata/logarchiver/internal/schedule"
	"github.com/andresuchdata/logarchiver/internal/storage"
	"github.com/andresuchdata/logarchiver/pkg/logger"
)

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), cli.Exit(err.Error(), exitUsage)
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("date") {
		cfg.TargetDate = c.String("date")
	}
	if c.IsSet("codec") {
		cfg.Archive.Codec = c.String("codec")
	}
	if c.IsSet("workers") {
		cfg.Archive.FetchWorkers = c.Int("workers")
	}
	if c.IsSet("cron") {
		cfg.Schedule.Cron = c.String("cron")
	}

	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitUsage)
	}

	return cfg, logger.New(cfg.Log.Level, cfg.Log.Format, c.App.Writer), nil
}

// buildPipeline wires the store, codec and the optional lock and history.
// The returned cleanup closes whatever was opened.
func buildPipeline(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pipeline.Pipeline, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Warn().Err(err).Msg("Failed to close resource")
			}
		}
	}

	store, err := storage.New(ctx, cfg.StorageOptions())
	if err != nil {
		return nil, cleanup, cli.Exit(fmt.Sprintf("invalid storage configuration: %v", err), exitUsage)
	}

	codec, err := archive.LookupCodec(cfg.Archive.Codec)
	if err != nil {
		return nil, cleanup, cli.Exit(err.Error(), exitUsage)
	}

	var opts []pipeline.Option
	if cfg.Lock.RedisURL != "" {
		locker, err := lock.New(ctx, cfg.Lock.RedisURL, cfg.LockTTL())
		if err != nil {
			return nil, cleanup, cli.Exit(fmt.Sprintf("failed to set up run lock: %v", err), exitFailed)
		}
		closers = append(closers, locker.Close)
		opts = append(opts, pipeline.WithLocker(locker))
	}
	if cfg.History.DatabaseURL != "" {
		repo, err := pipeline.OpenRepository(ctx, cfg.History.DatabaseURL, store.Bucket())
		if err != nil {
			cleanup()
			return nil, func() {}, cli.Exit(fmt.Sprintf("failed to set up run history: %v", err), exitFailed)
		}
		closers = append(closers, repo.Close)
		opts = append(opts, pipeline.WithRecorder(repo))
	}

	log.Debug().
		Str("backend", cfg.StorageOptions().Backend).
		Str("bucket", store.Bucket()).
		Str("codec", codec.Name()).
		Bool("lock", cfg.Lock.RedisURL != "").
		Bool("history", cfg.History.DatabaseURL != "").
		Msg("Pipeline configured")

	return pipeline.New(store, archive.New(codec), cfg.PipelineOptions(), log, opts...), cleanup, nil
}

func runArchive(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	date, err := cfg.Date(time.Now())
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	p, cleanup, err := buildPipeline(ctx, cfg, log)
	defer cleanup()
	if err != nil {
		return err
	}

	res, err := p.Run(ctx, date)
	return exitFor(res, err)
}

// exitFor maps a run outcome to the process exit status.
func exitFor(res pipeline.Result, err error) error {
	switch {
	case err != nil:
		return cli.Exit(fmt.Sprintf("archive failed: %v", err), exitFailed)
	case res.Outcome == pipeline.OutcomeNoWork:
		return cli.Exit("", exitNoWork)
	default:
		return nil
	}
}

func runSchedule(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := buildPipeline(ctx, cfg, log)
	defer cleanup()
	if err != nil {
		return err
	}

	s, err := schedule.New(cfg.Schedule.Cron, p, log)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	return s.Run(ctx)
}

func showHistory(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.History.DatabaseURL == "" {
		return cli.Exit("DATABASE_URL is required for history", exitUsage)
	}

	date, err := pipeline.ParseDate(c.String("date"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	repo, err := pipeline.OpenRepository(c.Context, cfg.History.DatabaseURL, cfg.Storage.Bucket)
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	defer repo.Close()

	runs, err := repo.RunsForDate(c.Context, date)
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	return printRuns(c.App.Writer, runs)
}

func printRuns(w io.Writer, runs []pipeline.RunRecord) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no recorded runs")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN ID\tOUTCOME\tOBJECTS\tDELETED\tBYTES\tARCHIVE\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339),
			r.RunID,
			r.Outcome,
			r.Objects,
			r.Deleted,
			r.BytesWritten,
			r.ArchiveKey,
			r.ErrorMessage,
		)
	}
	return tw.Flush()
}
