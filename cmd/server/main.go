package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Signal/internal/adapters/http"
	signalgw "github.com/dkeye/Signal/internal/adapters/signal"
	"github.com/dkeye/Signal/internal/adapters/state"
	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/config"
	"github.com/dkeye/Signal/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("signal exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "signal",
		Short:         "WebRTC signaling relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	cmd.Flags().Int("port", 9000, "listen port")
	return cmd
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("module", "main").Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func serve(ctx context.Context, cfg *config.Config) error {
	instance := uuid.NewString()
	logger := log.With().Str("module", "main").Str("instance", instance).Logger()

	client := state.NewClient(state.Options{
		Addr:         cfg.Redis.Addr,
		Cluster:      cfg.Redis.Cluster,
		ClusterNodes: cfg.Redis.ClusterNodes,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		TLS:          cfg.Redis.TLS,
	})
	defer client.Close()

	store := state.New(client, cfg.BroadcastChannel)
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.StateTimeout)
	err := store.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := app.NewRegistry(cfg.OutboxLimit)
	teardown := &app.Teardown{
		Registry:  registry,
		Directory: store,
		Metrics:   m,
		Timeout:   cfg.StateTimeout,
	}
	relay := &app.Router{
		Registry:       registry,
		Teardown:       teardown,
		Bus:            store,
		Metrics:        m,
		Instance:       instance,
		PublishTimeout: cfg.StateTimeout,
	}
	reaper := &app.Reaper{
		Registry:     registry,
		Teardown:     teardown,
		AliveTimeout: cfg.AliveTimeout,
		Interval:     cfg.CheckInterval,
		Now:          time.Now,
	}
	gw := signalgw.NewGateway(signalgw.Config{
		Key:             cfg.Key,
		ConcurrentLimit: cfg.ConcurrentLimit,
		IPTestMode:      cfg.IPTestMode,
		StateTimeout:    cfg.StateTimeout,
		ReadLimit:       cfg.ReadLimit,
		WriteWait:       cfg.WriteWait,
		PingPeriod:      cfg.PingPeriod,
		SendQueue:       cfg.SendQueue,
		MessageRate:     cfg.MessageRate,
		MessageBurst:    cfg.MessageBurst,
	}, store, registry, relay, teardown, m)

	if err := store.Subscribe(ctx, relay.HandleBroadcast); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.BroadcastChannel, err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, gw, m, instance),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("Signal server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Int("connections", registry.Len()).Msg("Server exited")
	return err
}
