package app

import (
	"context"
	"fmt"

	"github.com/tendant/toll-frame-pipeline/internal/dbosruntime"
	"github.com/tendant/toll-frame-pipeline/internal/dedupe"
)

// Broker is the durable task channel shared by the distributed processes
type Broker struct {
	Runtime *dbosruntime.Runtime
	Channel *dbosruntime.Channel
	Ledger  *dedupe.Ledger
}

// OpenBroker connects to the broker database and registers the delivery
// workflow. Consumers must be attached before Launch.
func OpenBroker(ctx context.Context, base *Base, appName string) (*Broker, error) {
	cfg := base.Config
	runtime, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.Broker.DatabaseURL,
		AppName:            cfg.Broker.AppName,
		ApplicationVersion: cfg.Broker.AppVersion,
		TaskTimeout:        cfg.Worker.TaskTimeout,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		RetryBackoff:       cfg.Worker.RetryBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}

	b := &Broker{
		Runtime: runtime,
		Channel: dbosruntime.NewChannel(runtime, base.Metrics.ObserveOutcome, base.Log),
	}

	if cfg.Broker.LedgerEnabled {
		ledger, err := dedupe.NewLedger(ctx, runtime.DB())
		if err != nil {
			return nil, err
		}
		b.Ledger = ledger
	}

	base.Log.Info().
		Str("app", appName).
		Bool("ledger", b.Ledger != nil).
		Msg("broker initialized")
	return b, nil
}

// Launch starts DBOS. Declared queues begin dequeuing and unfinished tasks
// from a previous run are recovered.
func (b *Broker) Launch() error {
	if err := b.Runtime.Launch(); err != nil {
		return fmt.Errorf("failed to launch broker: %w", err)
	}
	return nil
}

// Close waits up to DrainTimeout for in-flight tasks
func (b *Broker) Close() error {
	return b.Runtime.Shutdown(DrainTimeout)
}
