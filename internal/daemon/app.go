// Package daemon initializes and runs the secret service daemon: it
// wires the trust anchor, storage engine, lock manager and session
// negotiator to the bus front end and handles graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/linux-tks/tks/internal/daemon/config"
	"github.com/linux-tks/tks/internal/dbusapi"
	"github.com/linux-tks/tks/internal/locker"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/pinentry"
	"github.com/linux-tks/tks/internal/session"
	"github.com/linux-tks/tks/internal/storage"
	"github.com/linux-tks/tks/internal/trustanchor"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	anchor   *trustanchor.Adapter
	engine   *storage.Engine
	locks    *locker.Manager
	sessions *session.Manager
	server   *dbusapi.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	switch cfg.AnchorKind {
	case config.AnchorTPM, config.AnchorFscrypt, config.AnchorPassphrase:
	default:
		return nil, fmt.Errorf("unknown anchor kind %q", cfg.AnchorKind)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)

	anchor, err := trustanchor.New(trustanchor.Config{
		Kind:           trustanchor.Kind(cfg.AnchorKind),
		StorageRoot:    cfg.StoragePath,
		TPMDevice:      cfg.TPMDevice,
		TPMNVIndexBase: cfg.TPMNVIndexBase,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("trust anchor init error: %w", err)
	}

	engine, err := storage.Open(cfg.StoragePath, anchor, logger)
	if err != nil {
		anchor.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	var prompter locker.Prompter
	if anchor.NeedsFactor() {
		prompter = pinentry.New(cfg.Pinentry, logger)
	}
	locks := locker.New(engine, prompter, logger, locker.Options{
		MaxAuthAttempts: cfg.MaxAuthAttempts,
		IdleTimeout:     cfg.IdleLockTimeout,
		PromptTimeout:   cfg.PromptTimeout,
	})
	sessions := session.NewManager(cfg.AllowPlain)
	server := dbusapi.New(engine, locks, sessions, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		anchor:   anchor,
		engine:   engine,
		locks:    locks,
		sessions: sessions,
		server:   server,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the service and blocks until the context is cancelled or
// a termination signal arrives. All cached key material is wiped on
// the way out.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting secret service",
		"storage", app.config.StoragePath, "anchor", app.config.AnchorKind)

	app.initSignalHandler(cancelFunc)

	if err := app.engine.EnsureDefault(ctx); err != nil {
		app.logger.Error(ctx, "default collection setup failed", "error", err.Error())
	}
	if err := app.server.Start(ctx); err != nil {
		return multierr.Append(err, app.shutdown(ctx))
	}

	<-ctx.Done()
	app.logger.Info(ctx, "shutting down")
	return app.shutdown(ctx)
}

func (app *App) shutdown(ctx context.Context) error {
	var err error
	app.locks.Close()
	app.sessions.CloseAll()
	err = multierr.Append(err, app.server.Close())
	err = multierr.Append(err, app.engine.Close())
	err = multierr.Append(err, app.anchor.Close())
	if err != nil {
		app.logger.Error(ctx, "shutdown finished with errors", "error", err.Error())
	}
	return err
}
