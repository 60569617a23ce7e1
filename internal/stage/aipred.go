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

// AiPredWorker runs clinical entity extraction over everything transcribed so
// far and folds the result into {id}/ai_preds.json. The merge is additive, so
// re-running it for a redelivered chunk converges on the same document.
type AiPredWorker struct {
	store     blob.Store
	pub       pipeline.Publisher
	recorder  Recorder
	extractor insight.Extractor
	log       *logrus.Entry
}

func NewAiPredWorker(store blob.Store, pub pipeline.Publisher, recorder Recorder, e insight.Extractor, log *logrus.Entry) *AiPredWorker {
	return &AiPredWorker{store: store, pub: pub, recorder: recorder, extractor: e, log: log}
}

func (w *AiPredWorker) Handle(ctx context.Context, msg models.TaskMessage) error {
	id := msg.ConversationID()
	start := time.Now().UTC()
	_ = w.recorder.UpdateState(ctx, id, models.StateAiPred)

	done, err := handledBefore(ctx, w.store, msg)
	if err != nil {
		return err
	}
	if done {
		w.log.WithFields(logrus.Fields{
			"request_id": id,
			"chunk_no":   msg.ChunkNo,
		}).Info("chunk already extracted, skipping redelivery")
		return nil
	}

	chunks, err := gatherTranscripts(ctx, w.store, id)
	if err != nil {
		return err
	}
	transcript := transcriptText(chunks)

	merged := insight.NewPreds()
	if err := blob.GetJSON(ctx, w.store, blob.AIPredsKey(id), &merged); err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			return err
		}
		merged = insight.NewPreds()
	}

	if strings.TrimSpace(transcript) != "" {
		fresh, xerr := w.extractor.Extract(ctx, transcript)
		if xerr != nil {
			return pipeline.HandleFailure(ctx, w.pub, w.store, msg, xerr, w.log)
		}
		merged = mergePreds(merged, fresh)
	} else {
		w.log.WithField("request_id", id).Warn("empty transcript, skipping extraction")
	}
	if lang := dominantLanguage(chunks); lang != "" {
		merged.Language = lang
	}

	if err := blob.PutJSON(ctx, w.store, blob.AIPredsKey(id), merged); err != nil {
		return err
	}

	next := models.StateFinal
	if msg.APIType == models.APITypeClinicalNotes || msg.APIType == models.APITypeSoap {
		next = models.StateAnalytics
	}
	if err := w.pub.Publish(ctx, pipeline.NextMessage(msg, next, start)); err != nil {
		return err
	}
	markHandled(ctx, w.store, msg, w.log)
	telemetry.StageSuccess.WithLabelValues(msg.State.String()).Inc()
	return nil
}

// gatherTranscripts loads every transcript artifact for the conversation:
// the chunk series for live encounters, falling back to the whole-file
// artifact platform uploads produce.
func gatherTranscripts(ctx context.Context, store blob.Store, id string) ([]ChunkTranscript, error) {
	chunks, err := loadChunkTranscripts(ctx, store, id)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		return chunks, nil
	}
	var whole ChunkTranscript
	if err := blob.GetJSON(ctx, store, blob.JobJSONKey(id), &whole); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// Live sessions store their session marker under the same key; only a
	// real transcript artifact counts.
	if !whole.Success && len(whole.Segments) == 0 {
		return nil, nil
	}
	return []ChunkTranscript{whole}, nil
}

func transcriptText(chunks []ChunkTranscript) string {
	var b strings.Builder
	for _, seg := range mergeSegments(chunks) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// mergePreds folds a fresh extraction into the accumulated document. Fields
// are filled once and then kept; entity buckets union without duplicates.
func mergePreds(acc, fresh insight.Preds) insight.Preds {
	fill := func(dst *insight.Field, src insight.Field) {
		if dst.Text == nil && src.Text != nil {
			*dst = src
		}
	}
	fill(&acc.Age, fresh.Age)
	fill(&acc.Gender, fresh.Gender)
	fill(&acc.Height, fresh.Height)
	fill(&acc.Weight, fresh.Weight)
	fill(&acc.BMI, fresh.BMI)
	fill(&acc.Ethnicity, fresh.Ethnicity)
	fill(&acc.Insurance, fresh.Insurance)
	fill(&acc.PhysicalActivityExercise, fresh.PhysicalActivityExercise)
	fill(&acc.BloodPressure, fresh.BloodPressure)
	fill(&acc.Pulse, fresh.Pulse)
	fill(&acc.RespiratoryRate, fresh.RespiratoryRate)
	fill(&acc.BodyTemperature, fresh.BodyTemperature)
	fill(&acc.SubstanceAbuse, fresh.SubstanceAbuse)

	if acc.Entities == nil {
		acc.Entities = map[string][]insight.Entity{}
	}
	for bucket, ents := range fresh.Entities {
		seen := make(map[string]bool, len(acc.Entities[bucket]))
		for _, e := range acc.Entities[bucket] {
			seen[strings.ToLower(e.Text)] = true
		}
		for _, e := range ents {
			if !seen[strings.ToLower(e.Text)] {
				acc.Entities[bucket] = append(acc.Entities[bucket], e)
				seen[strings.ToLower(e.Text)] = true
			}
		}
	}
	return acc
}
