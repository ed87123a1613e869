package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/toll-frame-pipeline/internal/app"
	"github.com/tendant/toll-frame-pipeline/internal/db"
	httpapi "github.com/tendant/toll-frame-pipeline/internal/http"
	"github.com/tendant/toll-frame-pipeline/internal/repository"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "result-saver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base, err := app.NewBase("result-saver")
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

	broker, err := app.OpenBroker(ctx, base, "result-saver")
	if err != nil {
		return err
	}

	s := app.NewResultSaver(base, gdb, broker.DeliveryLedger())
	if err := broker.Channel.Consume(pipeline.QueuePersist, base.Config.Worker.Concurrency, s.Handle); err != nil {
		return err
	}
	if err := broker.Launch(); err != nil {
		return err
	}

	api := httpapi.NewHandler(httpapi.Deps{
		Transactions: repository.NewTransactionRepository(gdb),
		Tasks:        broker.Channel,
		Metrics:      base.Metrics.Handler(),
	}, log)

	serveErr := app.Serve(ctx, base.Config.HTTP.Addr, api, log)

	log.Info().Msg("draining in-flight tasks")
	if err := broker.Close(); err != nil {
		log.Warn().Err(err).Msg("broker shutdown")
	}

	log.Info().Msg("result saver shut down")
	return serveErr
}
