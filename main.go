package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := initStore(ctx, cfg)
	defer store.Close()

	kinds := defaultKinds()
	queue := newQueue(store, cfg.Queue, kinds)
	hub := newProgressHub()
	detector := newAbuseDetector(store, cfg.Abuse)
	limiter := newRateLimiter(store, cfg.Limits)
	pool := newWorkerPool(queue, hub, newExecutors(cfg.Workers, kinds), cfg.Workers)

	pool.Start(ctx)
	go runMaintenance(ctx, queue, cfg.Queue)

	server := newServer(cfg, store, queue, pool, hub, detector, limiter)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.routes(),
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("🛑 Graceful shutdown initiated...")
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 convertd listening on %s with %d workers", cfg.Server.Addr, pool.Size())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("❌ server: %v", err)
	}

	// Workers stop claiming once the context is cancelled; anything still
	// active is reclaimed through the queue timeout on the next boot.
	pool.Wait()
	log.Println("✅ Graceful shutdown completed")
}

// initStore connects to Redis, falling back to the in-memory store when it
// is unreachable. Admission control fails open either way; only durable
// queue state is lost in fallback mode, which single-node deployments
// accept.
func initStore(ctx context.Context, cfg *Config) Store {
	store, err := newRedisStore(ctx, cfg.Redis)
	if err != nil {
		log.Printf("⚠️  Redis not available, using in-memory storage: %v", err)
		return newMemStore()
	}
	log.Println("✅ Redis connected successfully")
	return store
}

// runMaintenance drives the queue's background duties: reclaiming
// timed-out active jobs into the retry path and sweeping terminal jobs
// past retention, including their leftover files.
func runMaintenance(ctx context.Context, queue *Queue, cfg QueueConfig) {
	reclaim := time.NewTicker(time.Duration(cfg.ReclaimIntervalSec) * time.Second)
	sweep := time.NewTicker(time.Duration(cfg.SweepIntervalSec) * time.Second)
	defer reclaim.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			if n := queue.ReclaimExpired(ctx); n > 0 {
				log.Printf("🔁 reclaimed %d timed-out jobs", n)
			}
		case <-sweep.C:
			swept := queue.Sweep(ctx)
			for _, job := range swept {
				if job.Result != nil && job.Result.OutputPath != "" {
					_ = os.Remove(job.Result.OutputPath)
				}
				if job.State == StateCancelled && job.Payload.InputPath != "" {
					// Never reached a worker, so the input is still ours.
					_ = os.Remove(job.Payload.InputPath)
				}
			}
			if len(swept) > 0 {
				log.Printf("🧹 swept %d terminal jobs", len(swept))
			}
		}
	}
}
