package stage

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/transcribe"
)

// Recorder receives job lifecycle events for the status registry. Stage
// workers treat it as best-effort: a registry outage never fails a stage.
type Recorder interface {
	UpdateState(ctx context.Context, requestID string, state models.State) error
	MarkCompleted(ctx context.Context, requestID string) error
	MarkFailed(ctx context.Context, requestID string, failed models.State) error
	AppendEvent(ctx context.Context, requestID, event, detail string) error
}

// NopRecorder discards events; used when no registry is configured.
type NopRecorder struct{}

func (NopRecorder) UpdateState(context.Context, string, models.State) error   { return nil }
func (NopRecorder) MarkCompleted(context.Context, string) error               { return nil }
func (NopRecorder) MarkFailed(context.Context, string, models.State) error    { return nil }
func (NopRecorder) AppendEvent(context.Context, string, string, string) error { return nil }

// ChunkTranscript is the per-chunk artifact the SpeechToText stage persists
// under {id}/{id}_chunkN.json (or {id}/{id}.json for whole-file uploads).
// Segment times are absolute within the conversation, already offset by the
// duration of earlier chunks.
type ChunkTranscript struct {
	EsID           string               `json:"es_id"`
	ConversationID string               `json:"conversation_id"`
	ChunkNo        int                  `json:"chunk_no"`
	ReceivedAt     float64              `json:"received_at"`
	Duration       float64              `json:"duration"`
	Segments       []transcribe.Segment `json:"segments"`
	Language       string               `json:"language"`
	Success        bool                 `json:"success"`
	AudioPath      string               `json:"audio_path"`
}

// stageMarker is the per-delivery artifact recording that a stage already
// advanced the job, so a redelivered message is acknowledged without producing
// a second advancing message.
type stageMarker struct {
	EsID      string `json:"es_id"`
	ChunkNo   int    `json:"chunk_no"`
	HandledAt string `json:"handled_at"`
}

func handledBefore(ctx context.Context, store blob.Store, msg models.TaskMessage) (bool, error) {
	key := blob.StageMarkerKey(msg.ConversationID(), pipeline.ExecutorName(msg.State), msg.ChunkNo)
	return store.Exists(ctx, key)
}

// markHandled is written only after the advancing message is on the queue, so
// a failed publish stays retryable. Losing the marker itself costs at most one
// duplicate pass, which the converging stage artifacts absorb.
func markHandled(ctx context.Context, store blob.Store, msg models.TaskMessage, log *logrus.Entry) {
	key := blob.StageMarkerKey(msg.ConversationID(), pipeline.ExecutorName(msg.State), msg.ChunkNo)
	marker := stageMarker{
		EsID:      msg.EsID,
		ChunkNo:   msg.ChunkNo,
		HandledAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := blob.PutJSON(ctx, store, key, marker); err != nil {
		log.WithError(err).WithField("key", key).Warn("recording stage marker failed")
	}
}

// loadChunkTranscripts gathers every transcribed chunk of a job, ordered by
// chunk number. Chunks may arrive out of order downstream, so the set is
// globbed rather than counted.
func loadChunkTranscripts(ctx context.Context, store blob.Store, id string) ([]ChunkTranscript, error) {
	objs, err := store.ListMatching(ctx, blob.ChunkJSONPattern(id))
	if err != nil {
		return nil, err
	}
	out := make([]ChunkTranscript, 0, len(objs))
	for _, obj := range objs {
		var ct ChunkTranscript
		if err := blob.GetJSON(ctx, store, obj.Key, &ct); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkNo < out[j].ChunkNo })
	return out, nil
}

// mergeSegments concatenates chunk segments in chunk order.
func mergeSegments(chunks []ChunkTranscript) []transcribe.Segment {
	var segs []transcribe.Segment
	for _, c := range chunks {
		segs = append(segs, c.Segments...)
	}
	return segs
}

// dominantLanguage elects a non-English language spoken in at least 80% of
// the transcribed chunks; empty means no election.
func dominantLanguage(chunks []ChunkTranscript) string {
	if len(chunks) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, c := range chunks {
		counts[c.Language]++
	}
	threshold := float64(len(chunks)) * 0.8
	for lang, n := range counts {
		if lang != "" && lang != "en" && float64(n) >= threshold {
			return lang
		}
	}
	return ""
}
