package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2eed/internal/api"
	"e2eed/internal/config"
)

// App is the running daemon: the HTTP server plus the key request sweeper
// and olm session expiry.
type App struct {
	Wire   *Wire
	Server *api.Server
}

// New wires everything and restores pending key requests from storage.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	w, err := NewWire(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := w.KeyRequests.LoadPending(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("load pending key requests: %w", err)
	}

	srv, err := api.New(api.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout.Duration,
		WriteTimeout:   cfg.Server.WriteTimeout.Duration,
		IdleTimeout:    cfg.Server.IdleTimeout.Duration,
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimit: api.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, w.APIServices(), w.Log)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &App{Wire: w, Server: srv}, nil
}

// Run serves until ctx is cancelled or the server fails, then shuts down
// within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.Wire.KeyRequests.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Wire.Log.Error("key request sweeper stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		a.expireOlmSessions(ctx, a.Wire.Config.KeyRequests.SweepInterval.Duration)
	}()
	go func() {
		errc <- a.Server.Start()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.Wire.Config.Server.ShutdownTimeout.Duration)
	defer stop()
	if serr := a.Server.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("shutdown: %w", serr)
	}
	wg.Wait()
	return err
}

func (a *App) expireOlmSessions(ctx context.Context, interval time.Duration) {
	if a.Wire.Olm == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Wire.Olm.ClearExpired(ctx)
			if err != nil {
				a.Wire.Log.Error("clear expired olm sessions", "error", err)
				continue
			}
			if n > 0 {
				a.Wire.Log.Info("cleared expired olm sessions", "count", n)
			}
		}
	}
}

// Close releases everything the App holds.
func (a *App) Close() error {
	return a.Wire.Close()
}
