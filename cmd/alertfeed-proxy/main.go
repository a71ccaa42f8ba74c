// Command alertfeed-proxy serves the alert feed over HTTP: cached alert
// queries, entity search, polling control and Prometheus metrics.
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

	"github.com/Sternrassler/alertfeed/pkg/feed"
	"github.com/Sternrassler/alertfeed/pkg/logging"
	"github.com/Sternrassler/alertfeed/pkg/poll"
	"github.com/Sternrassler/alertfeed/pkg/sink/natssink"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.logConfig())
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

func run(cfg Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fcfg := cfg.feedConfig()
	fcfg.Logger = logging.Component(logger, "feed")

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		fcfg.Redis = rdb
	}

	if cfg.NATSURL != "" {
		nc, err := natssink.Connect(cfg.NATSURL, "alertfeed-proxy", logging.Component(logger, "nats"))
		if err != nil {
			return err
		}
		defer drain(nc, logger)

		logger.Info().Str("url", cfg.NATSURL).Str("subject", cfg.NATSSubject).Msg("Publishing new alerts to NATS")
		fcfg.Sink = natssink.New(nc, natssink.Config{
			Subject: cfg.NATSSubject,
			Logger:  logging.Component(logger, "sink"),
		})
	}

	svc, err := feed.New(fcfg)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}
	defer svc.Close()

	if cfg.PollOnStart {
		if err := svc.StartPolling(ctx, cfg.pollOptions()); err != nil {
			if !errors.Is(err, poll.ErrNoCredentials) {
				return fmt.Errorf("start polling: %w", err)
			}
			logger.Warn().Err(err).Msg("Polling disabled")
		}
	}

	gin.SetMode(gin.ReleaseMode)
	h := &handler{
		ctx:      ctx,
		svc:      svc,
		pollOpts: cfg.pollOptions(),
		logger:   logging.Component(logger, "http"),
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("base_url", cfg.BaseURL).Msg("Starting alertfeed proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func drain(nc *nats.Conn, logger zerolog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn().Err(err).Msg("Failed to drain NATS connection")
	}
}
