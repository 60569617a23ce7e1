package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/config"
	"scribe-pipeline/internal/livesession"
	"scribe-pipeline/internal/logger"
	"scribe-pipeline/internal/queue"
	"scribe-pipeline/internal/quickloop"
	"scribe-pipeline/internal/store"
	"scribe-pipeline/internal/telemetry"
	"scribe-pipeline/internal/transcribe"
)

// Ingests one live session: STREAM_KEY names the RTMP stream and doubles as
// the request id for the pipeline.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("ingest")

	streamKey := os.Getenv("STREAM_KEY")
	if streamKey == "" {
		log.Fatal("STREAM_KEY is required")
	}
	webhook := os.Getenv("WEBHOOK_URL")

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

	go func() {
		if err := http.ListenAndServe(":"+cfg.HTTPPort, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	runner := livesession.NewRunner(cfg, blobs, topic, transcribe.NewClient(cfg), registry, log)

	// QUICK_LOOP=false skips live captioning and saves durable chunks only.
	var runErr error
	if cfg.QuickLoop {
		var sink quickloop.CaptionSink
		if wsURL := os.Getenv("CAPTION_WS_URL"); wsURL != "" {
			ws := livesession.NewWebsocketSink(wsURL, streamKey, log)
			defer ws.Close()
			sink = ws
		}
		runErr = runner.Run(ctx, streamKey, webhook, sink)
	} else {
		runErr = runner.RunDurable(ctx, streamKey, webhook)
	}
	if runErr != nil {
		log.WithError(runErr).Error("session ended with error")
		os.Exit(1)
	}
	log.WithField("stream_key", streamKey).Info("session finished")
}
