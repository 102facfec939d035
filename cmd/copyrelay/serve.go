package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/copyrelay/internal/config"
	httpserver "github.com/sawpanic/copyrelay/internal/interfaces/http"
	"github.com/sawpanic/copyrelay/internal/interfaces/http/handlers"
	"github.com/sawpanic/copyrelay/internal/net/ratelimit"
	"github.com/sawpanic/copyrelay/internal/persistence"
)

const limiterIdle = 10 * time.Minute

type serveOptions struct {
	host          string
	port          int
	store         string
	noMaintenance bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Long: `Starts the relay API (/api/*), the websocket change feed (/api/stream),
Prometheus metrics (/metrics) and the readiness probe (/readyz), plus the
periodic event and presence maintenance loops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "HTTP listen host override")
	cmd.Flags().IntVar(&opts.port, "port", 0, "HTTP listen port override")
	cmd.Flags().StringVar(&opts.store, "store", storeRedis, "Ledger backend (redis|memory)")
	cmd.Flags().BoolVar(&opts.noMaintenance, "no-maintenance", false, "Disable the background maintenance loops")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.HTTP.Host = opts.host
	}
	if cmd.Flags().Changed("port") {
		cfg.HTTP.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, opts.store, true)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics := httpserver.NewMetricsRegistry()
	h := handlers.NewHandlers(handlers.Deps{
		Engine:     a.engine,
		Sync:       a.sync,
		Presence:   a.presence,
		Control:    a.control,
		Inspector:  a.inspector,
		Maintainer: a.maintainer,
		Archive:    archiveOf(a),
		Auth:       handlers.NewAuthenticator(cfg.Auth.MasterKey, cfg.Auth.SlaveKey),
		Feed:       a.feed,
		Clock:      a.clock,
		Recorder:   metrics,
	})

	var breakerState func() string
	if a.breaker != nil {
		breakerState = a.breaker.State
	}
	var archiveHealth persistence.RepositoryHealth
	if a.archiveEnabled() {
		archiveHealth = a.db.Health()
	}

	var limiter *ratelimit.Limiter
	if cfg.HTTP.RateLimit.RPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.HTTP.RateLimit.RPS, cfg.HTTP.RateLimit.Burst)
		go sweepLimiter(ctx, limiter)
	}

	srv := httpserver.NewServer(serverConfig(cfg), h, httpserver.Options{
		Limiter:   limiter,
		Metrics:   metrics,
		Readiness: httpserver.NewReadinessHandler(a.store, archiveHealth, breakerState, version),
	})

	if !opts.noMaintenance {
		go func() {
			if err := a.maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Maintenance stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	// Close the feed first so websocket handlers return before Shutdown waits.
	a.feed.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}

func serverConfig(cfg *config.Config) httpserver.ServerConfig {
	sc := httpserver.DefaultServerConfig()
	sc.Host = cfg.HTTP.Host
	sc.Port = cfg.HTTP.Port
	sc.ReadTimeout = cfg.HTTP.ReadTimeout
	sc.WriteTimeout = cfg.HTTP.WriteTimeout
	sc.RequestTimeout = cfg.HTTP.RequestTimeout
	sc.ShutdownTimeout = cfg.HTTP.ShutdownTimeout
	return sc
}

func archiveOf(a *app) persistence.ClosedTradeArchive {
	if !a.archiveEnabled() {
		return nil
	}
	return a.db.Archive()
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(limiterIdle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(limiterIdle); n > 0 {
				log.Debug().Int("clients", n).Msg("Idle rate limit entries swept")
			}
		}
	}
}
