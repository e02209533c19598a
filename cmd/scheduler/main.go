package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gbp-orchestrator/internal/claims"
	"gbp-orchestrator/internal/config"
	"gbp-orchestrator/internal/media"
	"gbp-orchestrator/internal/publish"
	"gbp-orchestrator/internal/scheduler"
	"gbp-orchestrator/internal/store"
	"gbp-orchestrator/internal/telemetry"
	"gbp-orchestrator/internal/token"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	registry := claims.NewRegistry(cfg)
	refresher := token.NewRefresher(token.NewGoogleProvider(cfg))

	var preparer publish.MediaPreparer
	if cfg.MediaS3Bucket != "" || cfg.MediaOutputDir != "" {
		p, err := media.NewPreparer(ctx, cfg)
		if err != nil {
			log.Fatalf("init media preparer: %v", err)
		}
		preparer = p
	}
	executor := publish.NewExecutor(publish.NewGoogleClient(cfg), preparer)

	dispatcher := scheduler.New(cfg, st, registry, refresher, executor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("scheduler started post_tick=%s blog_tick=%s review_sync=%s concurrency=%d",
		cfg.PostTickInterval, cfg.BlogTickInterval, cfg.ReviewSyncInterval, cfg.WorkerConcurrency)
	if err := dispatcher.Run(ctx); err != nil {
		log.Printf("scheduler stopped: %v", err)
	}
}
