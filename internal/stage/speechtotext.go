package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/audio"
	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/telemetry"
	"scribe-pipeline/internal/transcribe"
)

// SpeechToTextWorker transcribes one audio object (a live chunk or a whole
// uploaded file), writes the transcript artifact beside it, and advances the
// job to AiPred. The artifact doubles as the dedup marker: a redelivered
// message whose transcript already exists is acknowledged without side
// effects.
type SpeechToTextWorker struct {
	store       blob.Store
	pub         pipeline.Publisher
	recorder    Recorder
	transcriber transcribe.Transcriber
	log         *logrus.Entry
}

func NewSpeechToTextWorker(store blob.Store, pub pipeline.Publisher, recorder Recorder, t transcribe.Transcriber, log *logrus.Entry) *SpeechToTextWorker {
	return &SpeechToTextWorker{store: store, pub: pub, recorder: recorder, transcriber: t, log: log}
}

func (w *SpeechToTextWorker) Handle(ctx context.Context, msg models.TaskMessage) error {
	id := msg.ConversationID()
	start := time.Now().UTC()
	_ = w.recorder.UpdateState(ctx, id, models.StateSpeechToText)

	artifactKey := strings.TrimSuffix(msg.FilePath, ".wav") + ".json"
	exists, err := w.store.Exists(ctx, artifactKey)
	if err != nil {
		return err
	}
	if exists {
		w.log.WithFields(logrus.Fields{
			"request_id": id,
			"chunk_no":   msg.ChunkNo,
		}).Info("transcript already present, skipping redelivery")
		return nil
	}

	wav, err := w.store.Get(ctx, msg.FilePath)
	if err != nil {
		return fmt.Errorf("fetch audio %s: %w", msg.FilePath, err)
	}

	result, terr := w.transcriber.Transcribe(ctx, msg.FilePath, wav)
	if terr != nil {
		return pipeline.HandleFailure(ctx, w.pub, w.store, msg, terr, w.log)
	}

	offset, err := w.priorDuration(ctx, id, msg.ChunkNo)
	if err != nil {
		return err
	}
	segs := make([]transcribe.Segment, len(result.Segments))
	for i, s := range result.Segments {
		segs[i] = transcribe.Segment{Text: s.Text, Start: s.Start + offset, End: s.End + offset}
	}

	dur, err := audio.WavDuration(wav)
	if err != nil {
		return pipeline.HandleFailure(ctx, w.pub, w.store, msg, err, w.log)
	}

	artifact := ChunkTranscript{
		EsID:           msg.EsID,
		ConversationID: id,
		ChunkNo:        msg.ChunkNo,
		ReceivedAt:     float64(start.Unix()),
		Duration:       dur.Seconds(),
		Segments:       segs,
		Language:       result.Language,
		Success:        true,
		AudioPath:      msg.FilePath,
	}
	if err := blob.PutJSON(ctx, w.store, artifactKey, artifact); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	if err := w.pub.Publish(ctx, pipeline.NextMessage(msg, models.StateAiPred, start)); err != nil {
		return err
	}
	telemetry.StageSuccess.WithLabelValues(msg.State.String()).Inc()
	return nil
}

// priorDuration sums the audio already transcribed ahead of this chunk so
// segment times are absolute within the conversation.
func (w *SpeechToTextWorker) priorDuration(ctx context.Context, id string, chunkNo int) (float64, error) {
	if chunkNo <= 1 {
		return 0, nil
	}
	chunks, err := loadChunkTranscripts(ctx, w.store, id)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, c := range chunks {
		if c.ChunkNo < chunkNo {
			total += c.Duration
		}
	}
	return total, nil
}
