package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/leadmail/internal/api"
	"github.com/nhle/leadmail/internal/monitor"
	"github.com/nhle/leadmail/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	e, err := loadEnv(opts)
	if err != nil {
		return err
	}
	defer e.close()
	log := e.log

	lock := flock.New(lockPath(e))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return errors.New("another leadmail instance is using this ledger")
	}
	defer lock.Unlock() //nolint:errcheck // released on exit anyway

	shutdownTelemetry, err := telemetry.Init(ctx, e.cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("flushing metrics failed", zap.Error(err))
		}
	}()

	if err := e.seedAccounts(ctx); err != nil {
		return err
	}

	mon, err := e.newMonitor(telemetry.NewRecorder(otel.GetMeterProvider()))
	if err != nil {
		return err
	}

	if e.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := api.Deps{
		Accounts: e.store,
		Ledger:   e.store,
		Cycles:   mon,
		Domain:   e.cfg.Provision.Domain,
		Token:    e.cfg.API.Token,
		Log:      log,
	}
	if p := e.newProvisioner(); p != nil {
		deps.Provisioner = p
	}
	srv := api.NewServer(e.cfg.API.Addr, deps)

	sched := monitor.NewScheduler(mon, e.cfg.Monitor.Interval, e.cfg.Monitor.CleanupInterval, e.notifier, log)

	return runServices(ctx, sched, srv, log)
}

type scheduler interface {
	Start(ctx context.Context)
	Stop()
}

type apiServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// runServices starts the scheduler, serves the API and, once ctx is done or
// the API fails, stops the scheduler before shutting the API down. The
// scheduler is started before anything can stop it.
func runServices(ctx context.Context, sched scheduler, srv apiServer, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	sched.Start(gctx)

	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// lockPath places the instance lock next to a SQLite ledger, or in the
// config directory for server databases.
func lockPath(e *env) string {
	if e.cfg.Ledger.Driver == "sqlite" && e.cfg.Ledger.DSN != ":memory:" {
		return e.cfg.Ledger.DSN + ".lock"
	}
	return filepath.Join(e.dir, "leadmail.lock")
}
