// Package app assembles and runs the development broker process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tripstream/internal/api"
	"tripstream/internal/broker"
	"tripstream/internal/config"
	"tripstream/internal/history"
	"tripstream/internal/identity"
)

// Application owns every broker component and their shutdown order.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *history.Store
	backplane *broker.Backplane
	hub       *broker.Hub
	broker    *broker.Server
	httpSrv   *http.Server

	serverErrCh chan error
}

// New builds the application in strict dependency order: store, backplane,
// hub, broker, API, HTTP server. Any failure unwinds what was already built.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := history.NewStore(cfg.Broker.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	var backplane *broker.Backplane
	if cfg.Broker.RedisURL != "" {
		backplane, err = broker.NewBackplane(cfg.Broker.RedisURL, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to start backplane: %w", err)
		}
	}

	signer, err := identity.NewSigner(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		if backplane != nil {
			_ = backplane.Close()
		}
		_ = store.Close()
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	hub := broker.NewHub(backplane, logger)
	brk := broker.NewServer(hub, store, signer, cfg.Broker.SendRate, cfg.Broker.SendBurst, logger)

	mux := http.NewServeMux()
	api.NewServer(store, brk, signer, logger).Routes(mux)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Broker.ReadTimeout,
		WriteTimeout: cfg.Broker.WriteTimeout,
	}

	return &Application{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		backplane:   backplane,
		hub:         hub,
		broker:      brk,
		httpSrv:     httpSrv,
		serverErrCh: make(chan error, 1),
	}, nil
}

// Start brings the listener up and reports early bind failures.
func (a *Application) Start() error {
	if a.backplane != nil {
		go a.backplane.Run(a.hub)
	}

	go func() {
		a.logger.Info("broker listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErrCh <- err
		}
	}()

	// Give the listener a moment to surface bind errors.
	select {
	case err := <-a.serverErrCh:
		return fmt.Errorf("broker server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Wait blocks until the server fails or ctx is cancelled.
func (a *Application) Wait(ctx context.Context) error {
	select {
	case err := <-a.serverErrCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop shuts components down in reverse dependency order.
func (a *Application) Stop(ctx context.Context) error {
	var firstErr error

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
		firstErr = err
	}
	if a.backplane != nil {
		if err := a.backplane.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("broker stopped")
	return firstErr
}
