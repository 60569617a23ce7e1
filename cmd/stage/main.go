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
	"scribe-pipeline/internal/dispatch"
	"scribe-pipeline/internal/insight"
	"scribe-pipeline/internal/logger"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/queue"
	"scribe-pipeline/internal/stage"
	"scribe-pipeline/internal/store"
	"scribe-pipeline/internal/telemetry"
	"scribe-pipeline/internal/transcribe"
)

// One stage daemon per pipeline stage; STAGE selects which handler this
// process runs. All daemons consume the same topic through their own
// consumer group.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("stage")

	stageName := os.Getenv("STAGE")
	st, err := models.ParseState(stageName)
	if err != nil {
		log.Fatalf("STAGE=%q: %v", stageName, err)
	}
	log = log.WithField("stage", st.String())

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

	var handler dispatch.Handler
	switch st {
	case models.StateInit:
		handler = stage.NewInitWorker(cfg, blobs, topic, registry, log).Handle
	case models.StateSpeechToText:
		handler = stage.NewSpeechToTextWorker(blobs, topic, registry, transcribe.NewClient(cfg), log).Handle
	case models.StateAiPred:
		handler = stage.NewAiPredWorker(blobs, topic, registry, insight.NewClient(cfg), log).Handle
	case models.StateAnalytics:
		handler = stage.NewAnalyticsWorker(blobs, topic, registry, insight.NewClient(cfg), log).Handle
	case models.StateFinal:
		handler = stage.NewFinalWorker(blobs, topic, registry, log).Handle
	}

	go func() {
		if err := http.ListenAndServe(":"+cfg.HTTPPort, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	d := dispatch.New(topic, st, handler, cfg.WorkerPoolSize, log)
	log.WithField("pool_size", cfg.WorkerPoolSize).Info("stage daemon started")
	if err := d.Run(ctx); err != nil {
		log.WithError(err).Error("stage daemon stopped")
	}
}
