// Command centinela runs the realtime distribution service for the
// alarm-response platform: the websocket hub, the HTTP publish API and
// the optional redis publish backbone, under one supervision tree.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"

	"github.com/seguritech/centinela/internal/api"
	"github.com/seguritech/centinela/internal/backbone"
	"github.com/seguritech/centinela/internal/config"
	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/internal/realtime"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("centinela exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(promReg)

	registry := realtime.NewRegistry(metrics)
	resolver := realtime.NewResolver(cfg.Realtime.ExtraAliases)
	engine := realtime.NewEngine(registry, resolver, realtime.NewScheduler(), metrics, realtime.CascadeDelays{
		Wave1: cfg.Realtime.CascadeWave1,
		Wave2: cfg.Realtime.CascadeWave2,
		Wave3: cfg.Realtime.CascadeWave3,
	})
	router := realtime.NewRouter(registry, resolver, engine, metrics)
	ws := realtime.NewHandler(registry, router, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(router, registry, ws, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := suture.New("centinela", suture.Spec{
		EventHook: func(ev suture.Event) {
			logging.Warn().Str("event", ev.String()).Msg("supervisor event")
		},
	})
	sup.Add(&httpService{server: server, shutdownTimeout: cfg.Server.ShutdownTimeout})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Redis.Enabled {
		sub, err := backbone.NewSubscriber(ctx, cfg.Redis, router)
		if err != nil {
			return fmt.Errorf("redis backbone: %w", err)
		}
		defer sub.Close()
		sup.Add(sub)
	}

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Bool("redis", cfg.Redis.Enabled).
		Msg("centinela realtime service starting")

	errCh := sup.ServeBackground(ctx)
	err = <-errCh
	registry.CloseAll()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("centinela realtime service stopped")
	return nil
}

// httpService adapts the blocking http.Server to a supervised service
// with graceful drain on shutdown.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *httpService) String() string { return "http-server" }
