package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"
)

// Runtime manages the DBOS runtime lifecycle
type Runtime struct {
	dbosContext dbos.DBOSContext
	client      dbos.Client
	config      Config
	db          *sql.DB

	mu       sync.Mutex
	queues   map[string]dbos.WorkflowQueue
	launched bool
}

// NewRuntime creates a new DBOS runtime instance
// Returns error if the broker database URL is not set
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("broker database URL is required")
	}

	cfg.WithDefaults()

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, err
	}

	// Producers enqueue through a client so they need not declare the
	// queues they publish to
	client, err := dbos.NewClient(ctx, dbos.ClientConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		return nil, err
	}

	// Direct SQL access to the system tables (status lookups, delivery ledger)
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		client.Shutdown(time.Second)
		return nil, err
	}

	return &Runtime{
		dbosContext: dbosCtx,
		client:      client,
		config:      cfg,
		db:          db,
		queues:      make(map[string]dbos.WorkflowQueue),
	}, nil
}

// DeclareQueue makes this process a consumer of the named queue.
// Must be called before Launch.
func (r *Runtime) DeclareQueue(name string, workers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.launched {
		return errors.New("queues must be declared before launch")
	}
	if _, ok := r.queues[name]; ok {
		return nil
	}

	var opts []dbos.QueueOption
	if workers > 0 {
		opts = append(opts, dbos.WithWorkerConcurrency(workers))
	}
	r.queues[name] = dbos.NewWorkflowQueue(r.dbosContext, name, opts...)
	return nil
}

// Launch starts the DBOS runtime and workers
func (r *Runtime) Launch() error {
	r.mu.Lock()
	r.launched = true
	r.mu.Unlock()
	return dbos.Launch(r.dbosContext)
}

// Shutdown gracefully shuts down the DBOS runtime
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosContext, timeout)
	r.client.Shutdown(timeout)
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Context returns the DBOS context
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// Client returns the enqueue client
func (r *Runtime) Client() dbos.Client {
	return r.client
}

// DB returns the connection to the broker database
func (r *Runtime) DB() *sql.DB {
	return r.db
}

// Config returns the runtime configuration with defaults applied
func (r *Runtime) Config() Config {
	return r.config
}

// Queues returns the names of the queues this process consumes
func (r *Runtime) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}
