package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/dispatcher"
	"orchestrator-core/internal/store"
	"orchestrator-core/internal/telemetry"
	"orchestrator-core/internal/trigger"
)

func main() {
	once := flag.Bool("once", false, "evaluate the rules a single time and print the summary")
	at := flag.String("at", "", "RFC3339 instant to evaluate instead of now (implies -once)")
	flag.Parse()

	cfg := config.Load().WithDefaults()
	logger := telemetry.NewLogger("trigger", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if cfg.StoreBackend != "postgres" && cfg.StoreBackend != "" {
		log.Fatalf("trigger needs the postgres backend to read eligible users, got %q", cfg.StoreBackend)
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	pg := st.(*store.Postgres)
	defer pg.Close()

	rules, loc, err := trigger.RulesFromConfig(cfg)
	if err != nil {
		log.Fatalf("trigger rules: %v", err)
	}
	users := trigger.NewPostgresUsers(pg.Pool(), cfg.TriggerUsersTable)
	scheduler, err := trigger.NewScheduler(rules, loc, users, trigger.NewHTTPDispatch(dispatcher.New(cfg), cfg.DispatchPath), logger)
	if err != nil {
		log.Fatalf("trigger scheduler: %v", err)
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		scheduler.SetGuard(trigger.NewRedisGuard(rdb, cfg.TriggerGuardTTL))
	}

	if *once || *at != "" {
		now := time.Now()
		if *at != "" {
			if now, err = time.Parse(time.RFC3339, *at); err != nil {
				log.Fatalf("parse -at: %v", err)
			}
		}
		summary, err := scheduler.Run(ctx, now)
		if err != nil {
			log.Fatalf("trigger run: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
		return
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("trigger started interval=%s timezone=%s rules=%d", cfg.TriggerInterval, loc, len(rules))
	ticker := time.NewTicker(cfg.TriggerInterval)
	defer ticker.Stop()
	for {
		runTrigger(ctx, scheduler)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runTrigger(ctx context.Context, scheduler *trigger.Scheduler) {
	summary, err := scheduler.Run(ctx, time.Now())
	if err != nil {
		log.Printf("trigger run failed: %v", err)
		return
	}
	failed := 0
	for _, r := range summary.Results {
		if !r.OK {
			failed++
		}
	}
	log.Printf("trigger run workflows=%v users=%d dispatched=%d failed=%d", summary.WorkflowsTriggered, summary.TotalUsers, len(summary.Results), failed)
}
