package stage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/insight"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/telemetry"
)

// AnalyticsWorker produces the SOAP summary for clinical-notes and soap jobs
// and persists it under {id}/soap.json before handing the job to Final.
type AnalyticsWorker struct {
	store      blob.Store
	pub        pipeline.Publisher
	recorder   Recorder
	summarizer insight.Summarizer
	log        *logrus.Entry
}

func NewAnalyticsWorker(store blob.Store, pub pipeline.Publisher, recorder Recorder, s insight.Summarizer, log *logrus.Entry) *AnalyticsWorker {
	return &AnalyticsWorker{store: store, pub: pub, recorder: recorder, summarizer: s, log: log}
}

func (w *AnalyticsWorker) Handle(ctx context.Context, msg models.TaskMessage) error {
	id := msg.ConversationID()
	start := time.Now().UTC()
	_ = w.recorder.UpdateState(ctx, id, models.StateAnalytics)

	done, err := handledBefore(ctx, w.store, msg)
	if err != nil {
		return err
	}
	if done {
		w.log.WithFields(logrus.Fields{
			"request_id": id,
			"chunk_no":   msg.ChunkNo,
		}).Info("summary already produced for this delivery, skipping")
		return nil
	}

	chunks, err := gatherTranscripts(ctx, w.store, id)
	if err != nil {
		return err
	}
	transcript := transcriptText(chunks)

	preds := insight.NewPreds()
	if err := blob.GetJSON(ctx, w.store, blob.AIPredsKey(id), &preds); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}

	var summaries insight.Summaries
	if strings.TrimSpace(transcript) != "" {
		summaries, err = w.summarizer.Summarize(ctx, transcript, preds)
		if err != nil {
			return pipeline.HandleFailure(ctx, w.pub, w.store, msg, err, w.log)
		}
	} else {
		w.log.WithField("request_id", id).Warn("empty transcript, writing empty summary")
	}

	if err := blob.PutJSON(ctx, w.store, blob.SoapKey(id), summaries); err != nil {
		return err
	}

	if err := w.pub.Publish(ctx, pipeline.NextMessage(msg, models.StateFinal, start)); err != nil {
		return err
	}
	markHandled(ctx, w.store, msg, w.log)
	telemetry.StageSuccess.WithLabelValues(msg.State.String()).Inc()
	return nil
}
