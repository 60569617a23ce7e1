package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scribe-pipeline/internal/api"
	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/config"
	"scribe-pipeline/internal/logger"
	"scribe-pipeline/internal/queue"
	"scribe-pipeline/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	registry, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer registry.Close()
	if err := registry.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	blobs, err := blob.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}

	topic := queue.NewTopic(cfg, log)
	defer topic.Close()
	if err := topic.WaitReady(ctx); err != nil {
		log.Fatalf("redis not reachable: %v", err)
	}

	server := api.New(cfg, registry, topic, blobs, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
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
