// Package app provides the shared process entry point for the server and
// worker binaries: a named structured logger and a context that is canceled
// on SIGINT/SIGTERM so every component can shut down cooperatively.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

type Application struct {
	name   string
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewApplication initializes logging and signal handling for a binary and
// returns the application handle along with its root context.
func NewApplication(name string) (*Application, context.Context) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("app", name)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigs
		if ok {
			logger.Info("Received signal; shutting down", "signal", sig.String())
			cancel()
		}
	}()

	return &Application{name: name, logger: logger, cancel: cancel}, ctx
}

func (a *Application) Log() *slog.Logger {
	return a.logger
}

// Fail logs a fatal startup error and exits with a nonzero status.
func (a *Application) Fail(message string, err error) {
	a.logger.Error(message, "error", err)
	os.Exit(1)
}

func (a *Application) Stop() {
	a.cancel()
}
