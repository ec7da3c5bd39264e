package cauce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// App ties the engine, the durable store, and the HTTP surface into a
// runnable service. cmd/cauce builds one from config; tests can run one
// against an httptest listener by calling Handler() directly.
type App struct {
	engine  *Engine
	store   Store
	handler http.Handler
	addr    string
	logger  *slog.Logger

	shutdownGrace time.Duration
}

// AppOption configures an App.
type AppOption func(*App)

// WithEngine sets the conversation engine. Required.
func WithEngine(e *Engine) AppOption { return func(a *App) { a.engine = e } }

// WithAppStore sets the durable store; Init is called on Run and Close on
// shutdown. Optional — leave unset when the caller manages the store
// lifecycle itself.
func WithAppStore(s Store) AppOption { return func(a *App) { a.store = s } }

// WithHandler sets the HTTP handler to serve. Required for Run.
func WithHandler(h http.Handler) AppOption { return func(a *App) { a.handler = h } }

// WithAddr sets the listen address (default ":8080").
func WithAddr(addr string) AppOption { return func(a *App) { a.addr = addr } }

// WithAppLogger sets the structured logger. Defaults to a no-op logger.
func WithAppLogger(l *slog.Logger) AppOption { return func(a *App) { a.logger = l } }

// WithShutdownGrace sets how long in-flight requests get to finish after a
// shutdown signal (default 15s).
func WithShutdownGrace(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.shutdownGrace = d
		}
	}
}

// NewApp creates an App with the given options.
func NewApp(opts ...AppOption) *App {
	a := &App{
		addr:          ":8080",
		shutdownGrace: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger()
	}
	return a
}

// Engine returns the app's engine (for handlers that need it).
func (a *App) Engine() *Engine { return a.engine }

// Handler returns the app's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On cancellation, in-flight requests get the shutdown grace period,
// then the store is closed.
func (a *App) Run(ctx context.Context) error {
	if a.engine == nil || a.handler == nil {
		return fmt.Errorf("app requires Engine and Handler")
	}

	if a.store != nil {
		if err := a.store.Init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if a.store != nil {
			_ = a.store.Close()
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "grace", a.shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = srv.Close()
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RunWithSignal runs the app until SIGINT or SIGTERM, then shuts down
// gracefully. Intended for main():
//
//	log.Fatal(app.RunWithSignal())
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := a.Run(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
