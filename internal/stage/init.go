package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/config"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/telemetry"
)

// InitWorker downloads the caller-supplied source file, normalizes it to the
// pipeline's WAV format, uploads it under {id}/{id}.wav, and advances the job
// to SpeechToText.
type InitWorker struct {
	store      blob.Store
	pub        pipeline.Publisher
	recorder   Recorder
	httpClient *http.Client
	maxBytes   int64
	workDir    string
	log        *logrus.Entry
}

func NewInitWorker(cfg config.Config, store blob.Store, pub pipeline.Publisher, recorder Recorder, log *logrus.Entry) *InitWorker {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.DownloadMaxBytes
	if maxBytes == 0 {
		maxBytes = 200 * 1024 * 1024
	}
	return &InitWorker{
		store:      store,
		pub:        pub,
		recorder:   recorder,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		workDir:    os.TempDir(),
		log:        log,
	}
}

func (w *InitWorker) Handle(ctx context.Context, msg models.TaskMessage) error {
	id := msg.ConversationID()
	start := time.Now().UTC()
	_ = w.recorder.UpdateState(ctx, id, models.StateInit)

	done, err := handledBefore(ctx, w.store, msg)
	if err != nil {
		return err
	}
	if done {
		w.log.WithField("request_id", id).Info("job already handed to transcription, skipping redelivery")
		return nil
	}

	wavKey := blob.MergedAudioKey(id)
	exists, err := w.store.Exists(ctx, wavKey)
	if err != nil {
		return err
	}
	if !exists {
		if err := w.fetchAndUpload(ctx, id, msg.FilePath, wavKey); err != nil {
			return pipeline.HandleFailure(ctx, w.pub, w.store, msg, err, w.log)
		}
	} else {
		w.log.WithField("request_id", id).Info("source audio already present, reusing")
	}

	next := pipeline.NextMessage(msg, models.StateSpeechToText, start)
	next.FilePath = wavKey
	if err := w.pub.Publish(ctx, next); err != nil {
		return err
	}
	markHandled(ctx, w.store, msg, w.log)
	telemetry.StageSuccess.WithLabelValues(msg.State.String()).Inc()
	_ = w.recorder.AppendEvent(ctx, id, "downloaded", msg.FilePath)
	return nil
}

// fetchAndUpload downloads the source URL to a temp file, converts it to
// mono 16 kHz WAV with ffmpeg, and uploads the result.
func (w *InitWorker) fetchAndUpload(ctx context.Context, id, sourceURL, wavKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	rawPath := filepath.Join(w.workDir, id+".src")
	wavPath := filepath.Join(w.workDir, id+".wav")
	defer os.Remove(rawPath)
	defer os.Remove(wavPath)

	out, err := os.Create(rawPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	limited := io.LimitReader(resp.Body, w.maxBytes+1)
	n, err := io.Copy(out, limited)
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close source: %w", closeErr)
	}
	if n > w.maxBytes {
		return fmt.Errorf("source too large (>%d bytes)", w.maxBytes)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", rawPath,
		"-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000",
		wavPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("convert to wav: %w: %s", err, out)
	}

	wav, err := os.ReadFile(wavPath)
	if err != nil {
		return fmt.Errorf("read converted wav: %w", err)
	}
	if err := w.store.Put(ctx, wavKey, wav); err != nil {
		return fmt.Errorf("upload wav: %w", err)
	}
	return nil
}
