package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dispatchq/internal/api"
	"dispatchq/internal/config"
	"dispatchq/internal/progress"
	"dispatchq/internal/queue"
	"dispatchq/internal/ratelimit"
	"dispatchq/internal/store"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if cfg.StoreEmbedded {
		// An embedded store is private to its process; an API serving a
		// separate worker needs a shared one.
		log.Warn().Msg("STORE_EMBEDDED ignored for the api service, connecting to REDIS_ADDR")
	}
	st := store.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("store unreachable")
	}

	queues := queue.New(st, cfg.JobTTL)
	tracker := progress.NewTracker(st, cfg.ProgressTTL)
	svc := queue.NewService(queues, tracker, st, cfg.MaxAttempts, log)
	limiter := ratelimit.NewTokenBucket(st.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(svc, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
