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
	"dispatchq/internal/gateway"
	"dispatchq/internal/progress"
	"dispatchq/internal/queue"
	"dispatchq/internal/ratelimit"
	"dispatchq/internal/repo"
	"dispatchq/internal/store"
	"dispatchq/internal/telemetry"
	"dispatchq/internal/worker"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

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

	var st *store.Store
	if cfg.StoreEmbedded {
		st, err = store.OpenEmbedded()
		if err != nil {
			log.Fatal().Err(err).Msg("start embedded store")
		}
		log.Info().Msg("running with embedded store, state is process-local")
	} else {
		st = store.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := st.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("store unreachable")
		}
	}
	defer st.Close()

	db, err := repo.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	gw := gateway.New(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, log)

	queues := queue.New(st, cfg.JobTTL)
	tracker := progress.NewTracker(st, cfg.ProgressTTL)

	dispatchProc := worker.NewDispatchProcessor(st, queues, tracker, db, gw, db, log)
	messageProc := worker.NewMessageProcessor(queues, tracker, gw, log)
	sched := worker.NewScheduler(queues, dispatchProc, messageProc, worker.Options{
		Interval:        cfg.TickInterval,
		DispatchPerTick: cfg.DispatchPerTick,
		MessagePerTick:  cfg.MessagePerTick,
		BackoffInitial:  cfg.BackoffInitial,
		BackoffMax:      cfg.BackoffMax,
	}, log)

	// With the embedded store nothing else can reach the queues, so this
	// process also serves the public API, like the original single-host
	// deployment.
	if cfg.StoreEmbedded {
		svc := queue.NewService(queues, tracker, st, cfg.MaxAttempts, log)
		limiter := ratelimit.NewTokenBucket(st.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		httpServer := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: api.New(svc, limiter, log).Router()}
		go func() {
			log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("listen")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	} else {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	log.Info().
		Dur("tick", cfg.TickInterval).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
