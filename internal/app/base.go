// Package app wires the pipeline components into the poller, worker, saver
// and standalone processes.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tendant/toll-frame-pipeline/internal/config"
	httpapi "github.com/tendant/toll-frame-pipeline/internal/http"
	"github.com/tendant/toll-frame-pipeline/internal/logger"
	"github.com/tendant/toll-frame-pipeline/internal/metrics"
)

// DrainTimeout bounds graceful shutdown of every process
const DrainTimeout = 10 * time.Second

// Base holds the ambient components every process carries
type Base struct {
	Config  *config.Config
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// NewBase loads configuration and builds the logger and metrics registry
func NewBase(service string) (*Base, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Log.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Base{
		Config:  cfg,
		Log:     logger.New(cfg.Log.Level, cfg.Log.Format, service),
		Metrics: metrics.New(),
	}, nil
}

// Serve runs the HTTP API on addr until ctx ends, then shuts it down
func Serve(ctx context.Context, addr string, h *httpapi.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("http server stopped")
	return nil
}
