package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/insight"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/telemetry"
	"scribe-pipeline/internal/transcribe"
)

// Error codes carried in the terminal result body.
const (
	// ErrCodeNoTranscript marks a job that finished without any usable
	// speech.
	ErrCodeNoTranscript = "HE-101"
	// ErrCodeProcessingFailed marks a job that died inside the pipeline,
	// regardless of what its audio contained.
	ErrCodeProcessingFailed = "HE-102"
)

// ResultDoc is the terminal artifact written to {id}/All_Preds.json and
// posted to the caller's webhook. Its presence marks the job finished
// regardless of outcome.
type ResultDoc struct {
	RequestID   string             `json:"request_id"`
	CareReqID   string             `json:"care_req_id,omitempty"`
	APIType     string             `json:"api_type"`
	Status      string             `json:"status"`
	Transcript  string             `json:"transcript,omitempty"`
	AIPreds     *insight.Preds     `json:"ai_preds,omitempty"`
	Summaries   *insight.Summaries `json:"summaries,omitempty"`
	FailedState string             `json:"failed_state,omitempty"`
	Error       *ResultError       `json:"error,omitempty"`
}

// ResultError carries a machine-readable failure code for the caller.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FinalWorker assembles the terminal result for every job, successful or not,
// writes the All_Preds.json marker, updates the registry, and notifies the
// caller's webhook. It is the only stage with no downstream hand-off, so its
// own exhausted failures terminate the job in place instead of republishing.
type FinalWorker struct {
	store      blob.Store
	pub        pipeline.Publisher
	recorder   Recorder
	httpClient *http.Client
	log        *logrus.Entry
}

func NewFinalWorker(store blob.Store, pub pipeline.Publisher, recorder Recorder, log *logrus.Entry) *FinalWorker {
	return &FinalWorker{
		store:      store,
		pub:        pub,
		recorder:   recorder,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

func (w *FinalWorker) Handle(ctx context.Context, msg models.TaskMessage) error {
	id := msg.ConversationID()
	_ = w.recorder.UpdateState(ctx, id, models.StateFinal)

	if err := w.finish(ctx, msg); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"request_id":  id,
			"retry_count": msg.RetryCount,
		}).Error("final stage failed")
		if pipeline.Decide(msg.RetryCount, models.MaxRetries) == pipeline.DecisionRetry {
			telemetry.StageRetries.WithLabelValues(msg.State.String()).Inc()
			return w.pub.Publish(ctx, pipeline.RetryMessage(msg))
		}
		// Retries exhausted and there is no stage left to hand off to, so
		// the failure marker is written here.
		telemetry.StageFailed.WithLabelValues(msg.State.String()).Inc()
		doc := ResultDoc{
			RequestID:   id,
			CareReqID:   msg.CareReqID,
			APIType:     msg.APIType,
			Status:      models.StatusFailed,
			FailedState: models.StateFinal.String(),
			Error:       &ResultError{Code: ErrCodeProcessingFailed, Message: err.Error()},
		}
		if perr := blob.PutJSON(ctx, w.store, blob.AllPredsKey(id), doc); perr != nil {
			return perr
		}
		_ = w.recorder.MarkFailed(ctx, id, models.StateFinal)
		return nil
	}
	telemetry.StageSuccess.WithLabelValues(msg.State.String()).Inc()
	return nil
}

func (w *FinalWorker) finish(ctx context.Context, msg models.TaskMessage) error {
	id := msg.ConversationID()

	chunks, err := gatherTranscripts(ctx, w.store, id)
	if err != nil {
		return err
	}
	transcript := transcribe.CleanFillers(transcriptText(chunks))

	doc := ResultDoc{
		RequestID: id,
		CareReqID: msg.CareReqID,
		APIType:   msg.APIType,
		Status:    models.StatusCompleted,
	}

	switch msg.APIType {
	case models.APITypeTranscription:
		doc.Transcript = transcript
	case models.APITypeAiPred:
		doc.AIPreds = w.loadPreds(ctx, id)
	case models.APITypeSoap:
		doc.Summaries = w.loadSummaries(ctx, id)
	default: // clinical_notes carries everything
		doc.Transcript = transcript
		doc.AIPreds = w.loadPreds(ctx, id)
		doc.Summaries = w.loadSummaries(ctx, id)
	}

	failedAt := msg.FailedState
	if failedAt != "" {
		doc.Status = models.StatusFailed
		doc.FailedState = failedAt.String()
		doc.Error = &ResultError{
			Code:    ErrCodeProcessingFailed,
			Message: fmt.Sprintf("pipeline failed at %s", failedAt),
		}
	} else if transcript == "" {
		// Filler cleanup can empty a transcript whose chunks carried only
		// noise; the caller still gets the no-speech error body. The job is
		// marked failed only when no audio was transcribed at all.
		doc.Error = &ResultError{Code: ErrCodeNoTranscript, Message: "no speech detected"}
		if len(chunks) == 0 {
			failedAt = models.StateSpeechToText
			doc.Status = models.StatusFailed
			doc.FailedState = failedAt.String()
		}
	}

	if err := blob.PutJSON(ctx, w.store, blob.AllPredsKey(id), doc); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if doc.Status == models.StatusFailed {
		_ = w.recorder.MarkFailed(ctx, id, failedAt)
		_ = w.recorder.AppendEvent(ctx, id, "failed", doc.Error.Message)
	} else {
		_ = w.recorder.MarkCompleted(ctx, id)
		_ = w.recorder.AppendEvent(ctx, id, "completed", "")
	}

	// Delivery is best-effort: the result is already persisted and the job's
	// terminal status never rolls back over an unreachable caller.
	if msg.WebhookURL != "" {
		if err := w.notify(ctx, msg.WebhookURL, doc); err != nil {
			telemetry.WebhookFailures.Inc()
			w.log.WithError(err).WithField("request_id", id).Warn("webhook delivery failed")
		}
	}
	return nil
}

// loadPreds and loadSummaries tolerate missing upstream artifacts: a job that
// failed before AiPred still produces a terminal result.
func (w *FinalWorker) loadPreds(ctx context.Context, id string) *insight.Preds {
	preds := insight.NewPreds()
	if err := blob.GetJSON(ctx, w.store, blob.AIPredsKey(id), &preds); err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			w.log.WithError(err).WithField("request_id", id).Warn("reading ai_preds")
		}
		return nil
	}
	return &preds
}

func (w *FinalWorker) loadSummaries(ctx context.Context, id string) *insight.Summaries {
	var s insight.Summaries
	if err := blob.GetJSON(ctx, w.store, blob.SoapKey(id), &s); err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			w.log.WithError(err).WithField("request_id", id).Warn("reading soap summary")
		}
		return nil
	}
	return &s
}

func (w *FinalWorker) notify(ctx context.Context, url string, doc ResultDoc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
