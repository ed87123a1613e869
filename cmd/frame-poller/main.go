package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/toll-frame-pipeline/internal/app"
	"github.com/tendant/toll-frame-pipeline/internal/capture"
	"github.com/tendant/toll-frame-pipeline/internal/db"
	httpapi "github.com/tendant/toll-frame-pipeline/internal/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "frame-poller: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base, err := app.NewBase("frame-poller")
	if err != nil {
		return err
	}
	log := base.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(base.Config.Datastore.DSN)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	broker, err := app.OpenBroker(ctx, base, "frame-poller")
	if err != nil {
		return err
	}
	// The poller only enqueues; it declares no queues of its own
	if err := broker.Launch(); err != nil {
		return err
	}
	defer broker.Close()

	grabber := capture.NewGoCVGrabber(base.Config.Poller.JPEGQuality)
	p := app.NewPoller(base, gdb, grabber, broker.Channel)

	api := httpapi.NewHandler(httpapi.Deps{
		Metrics: base.Metrics.Handler(),
		Tasks:   broker.Channel,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, base.Config.HTTP.Addr, api, log) })

	err = g.Wait()
	log.Info().Msg("frame poller shut down")
	return err
}
