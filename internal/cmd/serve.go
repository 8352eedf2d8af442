package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/geoproc/internal/observability"
	"github.com/3leaps/geoproc/internal/server"
	"github.com/3leaps/geoproc/internal/server/handlers"
	"github.com/3leaps/geoproc/internal/server/middleware"
	"github.com/3leaps/geoproc/pkg/status"
)

var (
	serveHost     string
	servePort     int
	serveWatchdog bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job service",
	Long: `Run the HTTP API: submit execution requests, query job status, cancel
and forget jobs. Jobs run on the configured backend (local or cluster).

Examples:
  geoproc serve
  geoproc serve --host 0.0.0.0 --port 9000
  geoproc serve --watchdog
  GEOPROC_JOBS_BACKEND=cluster geoproc serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config: localhost)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config: 8080)")
	serveCmd.Flags().BoolVar(&serveWatchdog, "watchdog", false, "Also start queued jobs in this process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	serverOverrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		serverOverrides["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		serverOverrides["port"] = servePort
	}
	extra := map[string]any{}
	if len(serverOverrides) > 0 {
		extra["server"] = serverOverrides
	}

	cfg, err := loadConfig(cmd, extra)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.InitServerLogger(GetAppIdentity().BinaryName, cfg.Logging.Profile, level); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	registerHealthCheckers(rt.store)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithService(rt.svc),
		server.WithSubmitLimiter(middleware.NewLimiter(cfg.RateLimit.SubmitPerSecond, cfg.RateLimit.Burst)),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	logger.Info("starting geoproc",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("backend", rt.backend.Name()),
		zap.String("status_store", status.RedactDSN(cfg.Status.DSN)),
		zap.String("accept_mode", cfg.Jobs.AcceptMode),
		zap.Int("max_parallel", cfg.Jobs.MaxParallel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if serveWatchdog {
		g.Go(func() error { return rt.svc.Watch(gctx, cfg.Jobs.WatchdogInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("server stopped")
	return nil
}

func registerHealthCheckers(store status.Store) {
	handlers.InitHealthManager(versionInfo.Version)
	m := handlers.GetHealthManager()

	id := GetAppIdentity()
	m.RegisterChecker("signals", signalHealthChecker{})
	m.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	m.RegisterChecker("status_store", handlers.HealthCheckerFunc(store.Ping))
}

type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity: missing env prefix")
	case c.configName == "":
		return errors.New("app identity: missing config name")
	}
	return nil
}
