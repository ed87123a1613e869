// Command pipeline-standalone runs the poller, detection worker and result
// saver in one process over an in-memory task channel. The datastore
// defaults to a local SQLite file, so no broker or Postgres is needed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/toll-frame-pipeline/internal/app"
	"github.com/tendant/toll-frame-pipeline/internal/capture"
	"github.com/tendant/toll-frame-pipeline/internal/db"
	"github.com/tendant/toll-frame-pipeline/internal/dedupe"
	httpapi "github.com/tendant/toll-frame-pipeline/internal/http"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/internal/repository"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

const defaultDSN = "sqlite:./dev-data/toll.db"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline-standalone: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base, err := app.NewBase("pipeline-standalone")
	if err != nil {
		return err
	}
	cfg := base.Config
	log := base.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Datastore.DSN
	if dsn == "" {
		dsn = defaultDSN
	}
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	gdb, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	channel := taskchannel.NewMemory(taskchannel.Settings{
		TaskTimeout:  cfg.Worker.TaskTimeout,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RetryBackoff: cfg.Worker.RetryBackoff,
		OnOutcome:    base.Metrics.ObserveOutcome,
	}, 0, log)

	var ledger app.DeliveryLedger
	if cfg.Broker.LedgerEnabled {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		l, err := dedupe.NewLedger(ctx, sqlDB)
		if err != nil {
			return err
		}
		ledger = l
	}

	detector, err := app.OpenDetector(base)
	if err != nil {
		return err
	}
	defer detector.Close()

	stack, err := app.NewWorkerStack(base, detector, app.NewPlateReader(base), recording.NewFFmpegTranscoder(), channel, ledger)
	if err != nil {
		return err
	}
	resultSaver := app.NewResultSaver(base, gdb, ledger)

	if err := channel.Consume(pipeline.QueueDetect, cfg.Worker.Concurrency, stack.Worker.Handle); err != nil {
		return err
	}
	if err := channel.Consume(pipeline.QueuePersist, cfg.Worker.Concurrency, resultSaver.Handle); err != nil {
		return err
	}

	p := app.NewPoller(base, gdb, capture.NewGoCVGrabber(cfg.Poller.JPEGQuality), channel)

	api := httpapi.NewHandler(httpapi.Deps{
		Transactions: repository.NewTransactionRepository(gdb),
		Recordings:   stack.Recordings,
		Frames:       stack.Frames,
		Metrics:      base.Metrics.Handler(),
	}, log)

	log.Info().
		Str("datastore", dsn).
		Str("image_root", cfg.Storage.ImageRoot).
		Str("video_root", cfg.Storage.VideoRoot).
		Msg("standalone pipeline starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, cfg.HTTP.Addr, api, log) })
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), app.DrainTimeout)
	defer cancel()

	log.Info().Int("pending", channel.Pending()).Msg("draining in-flight tasks")
	if err := channel.Close(drainCtx); err != nil {
		log.Warn().Err(err).Int("dead_letters", len(channel.DeadLetters())).Msg("channel did not drain")
	}
	if err := stack.Recordings.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("recordings still running at shutdown")
	}

	log.Info().Msg("standalone pipeline shut down")
	return runErr
}
