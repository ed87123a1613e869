package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/toll-frame-pipeline/internal/app"
	httpapi "github.com/tendant/toll-frame-pipeline/internal/http"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "detection-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base, err := app.NewBase("detection-worker")
	if err != nil {
		return err
	}
	log := base.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detector, err := app.OpenDetector(base)
	if err != nil {
		return err
	}
	defer detector.Close()

	broker, err := app.OpenBroker(ctx, base, "detection-worker")
	if err != nil {
		return err
	}

	stack, err := app.NewWorkerStack(base, detector, app.NewPlateReader(base), recording.NewFFmpegTranscoder(), broker.Channel, broker.DeliveryLedger())
	if err != nil {
		return err
	}

	// Queues must be declared before launch
	if err := broker.Channel.Consume(pipeline.QueueDetect, base.Config.Worker.Concurrency, stack.Worker.Handle); err != nil {
		return err
	}
	if err := broker.Launch(); err != nil {
		return err
	}

	api := httpapi.NewHandler(httpapi.Deps{
		Recordings: stack.Recordings,
		Frames:     stack.Frames,
		Tasks:      broker.Channel,
		Metrics:    base.Metrics.Handler(),
	}, log)

	serveErr := app.Serve(ctx, base.Config.HTTP.Addr, api, log)

	log.Info().Msg("draining in-flight tasks")
	if err := broker.Close(); err != nil {
		log.Warn().Err(err).Msg("broker shutdown")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), app.DrainTimeout)
	defer cancel()
	if err := stack.Recordings.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("recordings still running at shutdown")
	}

	log.Info().Msg("detection worker shut down")
	return serveErr
}
