package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/deadletter"
	"orchestrator-core/internal/dispatcher"
	"orchestrator-core/internal/store"
	"orchestrator-core/internal/telemetry"
	workerproc "orchestrator-core/internal/worker"
)

func main() {
	cfg := config.Load()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		}
	}
	logger := telemetry.NewLogger("worker", cfg.Env).With("worker_id", workerID)

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
	if pg, ok := st.(*store.Postgres); ok {
		defer pg.Close()
	}

	processor := workerproc.NewProcessor(cfg, st, dispatcher.New(cfg), logger)
	sink, err := deadletter.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init dead letter sink: %v", err)
	}
	if sink != nil {
		processor.SetDeadLetterSink(sink)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started batch=%d concurrency=%d lease=%s timeout=%s", cfg.BatchSize, cfg.WorkerConcurrency, cfg.LeaseDuration, cfg.DispatchTimeout)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}
}
