package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"pose-studio-backend/internal/config"
	"pose-studio-backend/internal/credit"
	"pose-studio-backend/internal/flux"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/recovery"
	"pose-studio-backend/internal/store"
	"pose-studio-backend/internal/supabase"
	"pose-studio-backend/internal/worker"
)

// sweepInterval matches the stall threshold: a generation orphaned by a
// crash waits at most one threshold plus one interval before recovery.
const sweepInterval = 30 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	q, err := queue.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	credits, err := credit.NewLedger(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize credit ledger: %v", err)
	}
	defer credits.Close()

	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize Supabase client: %v", err)
	}
	storageClient, err := supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabasePublishableKey, cfg.SupabaseStorageBucket)
	if err != nil {
		log.Fatalf("Failed to initialize storage client: %v", err)
	}
	realtimeClient := supabase.NewRealtimeClient(supabaseClient.Supabase)

	fluxClient := flux.NewClient(cfg.FluxAPIBaseURL, cfg.FluxAPIKey)
	w := worker.New(st, storageClient, realtimeClient, credits, worker.NewStageBuilder(fluxClient))
	recoveryService := recovery.NewService(st, q, realtimeClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup pass picks up work orphaned by the previous process before
	// any new jobs are claimed.
	if result, err := recoveryService.RunOnce(ctx); err != nil {
		log.Printf("[Worker] startup recovery pass failed: %v", err)
	} else {
		log.Printf("[Worker] startup recovery: %d re-queued, %d failed, %d timed out, %d purged",
			result.Recovered, result.Failed, result.TimedOut, result.Purged)
	}

	go runSweep(ctx, recoveryService)

	log.Printf("[Worker] starting with concurrency %d", cfg.WorkerConcurrency)
	consumer := queue.NewConsumer(q, w.Process, cfg.WorkerConcurrency)
	consumer.Run(ctx)

	log.Println("[Worker] shutdown complete")
	os.Exit(0)
}

func runSweep(ctx context.Context, svc *recovery.Service) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.RunOnce(ctx); err != nil {
				log.Printf("[Recovery] periodic pass failed: %v", err)
			}
		}
	}
}
