package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "orchestrator-core/internal/api"
	"orchestrator-core/internal/config"
	"orchestrator-core/internal/deadletter"
	"orchestrator-core/internal/dispatcher"
	"orchestrator-core/internal/ratelimit"
	"orchestrator-core/internal/store"
	"orchestrator-core/internal/telemetry"
	"orchestrator-core/internal/trigger"
	workerproc "orchestrator-core/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger("api", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	var users trigger.UserSource = trigger.StaticUsers(nil)
	if pg, ok := st.(*store.Postgres); ok {
		defer pg.Close()
		users = trigger.NewPostgresUsers(pg.Pool(), cfg.TriggerUsersTable)
	}

	client := dispatcher.New(cfg)
	processor := workerproc.NewProcessor(cfg, st, client, logger)
	sink, err := deadletter.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init dead letter sink: %v", err)
	}
	if sink != nil {
		processor.SetDeadLetterSink(sink)
	}

	rules, loc, err := trigger.RulesFromConfig(cfg)
	if err != nil {
		log.Fatalf("trigger rules: %v", err)
	}
	scheduler, err := trigger.NewScheduler(rules, loc, users, trigger.NewHTTPDispatch(client, cfg.DispatchPath), logger)
	if err != nil {
		log.Fatalf("trigger scheduler: %v", err)
	}

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		scheduler.SetGuard(trigger.NewRedisGuard(rdb, cfg.TriggerGuardTTL))
	}

	server := api.New(cfg, st, limiter, processor, scheduler, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s store=%s", cfg.HTTPPort, cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
