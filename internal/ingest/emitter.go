package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/audio"
	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/telemetry"
)

// SessionMarker is the per-session blob document recording ingestion
// lifecycle; its presence guards against duplicate session initialization.
type SessionMarker struct {
	StreamKey            string  `json:"stream_key"`
	LastProcessedEndTime float64 `json:"last_processed_end_time"`
	Stage                string  `json:"stage"`
}

const (
	StageSavingStarted = "rtmp_saving_started"
	StageSavingDone    = "rtmp_saving_done"
)

// Emitter converts a live audio feed into fixed-duration WAV chunks, each
// uploaded to blob storage and announced with a SpeechToText Task Message.
// One emitter owns one session; chunk numbering is strictly increasing.
type Emitter struct {
	reader  *ResilientReader
	store   blob.Store
	pub     pipeline.Publisher
	session string
	apiType string
	webhook string

	chunkFrames int
	log         *logrus.Entry
}

// NewEmitter wires an emitter for one session. chunkDuration controls the
// durable chunk size; every emitted chunk except the last carries at least
// that much audio. webhook is carried on every chunk message so the terminal
// stage knows where to post the result.
func NewEmitter(source Source, store blob.Store, pub pipeline.Publisher, session, webhook string, chunkDuration, reconnectWait time.Duration, log *logrus.Entry) *Emitter {
	entry := log.WithField("stream_key", session)
	return &Emitter{
		reader:      NewResilientReader(source, reconnectWait, entry),
		store:       store,
		pub:         pub,
		session:     session,
		apiType:     models.APITypeClinicalNotes,
		webhook:     webhook,
		chunkFrames: audio.DurationFrames(chunkDuration),
		log:         entry,
	}
}

// RunStats is returned by Run so callers can distinguish a session that
// produced audio from one that died before its first chunk.
type RunStats struct {
	Chunks int
}

// Run pulls packets until the feed ends, cutting a chunk every time the
// buffer reaches the configured frame count. The final partial chunk is
// flushed on stream end. Errors from blob or queue publishing abort the
// session; the job's already-published chunks continue through the pipeline.
func (e *Emitter) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{}
	if err := e.reader.Connect(ctx); err != nil {
		return stats, err
	}
	defer e.reader.Close()

	started := false
	chunkNo := 1
	buf := audio.NewWavBuffer()

	for {
		pkt, err := e.reader.Read(ctx)
		if errors.Is(err, ErrStreamEnded) {
			break
		}
		if err != nil {
			return stats, err
		}

		if !started {
			if err := e.markStarted(ctx); err != nil {
				return stats, err
			}
			e.log.Info("writing chunks started")
			started = true
		}

		buf.WriteFrames(pkt.PCM)

		if buf.Frames() >= e.chunkFrames {
			if err := e.flush(ctx, buf, chunkNo); err != nil {
				return stats, err
			}
			stats.Chunks++
			chunkNo++
			buf = audio.NewWavBuffer()
		}
	}

	// Terminal stream end: flush whatever partial audio remains, then mark
	// the session done.
	if !buf.Empty() {
		if err := e.flush(ctx, buf, chunkNo); err != nil {
			return stats, err
		}
		stats.Chunks++
	}
	if started {
		if err := e.markDone(ctx); err != nil {
			return stats, err
		}
	}
	e.log.WithField("chunks", stats.Chunks).Info("stopped writing chunks")
	return stats, nil
}

func (e *Emitter) markStarted(ctx context.Context) error {
	return MarkSessionStarted(ctx, e.store, e.session)
}

func (e *Emitter) markDone(ctx context.Context) error {
	return MarkSessionDone(ctx, e.store, e.session)
}

func (e *Emitter) flush(ctx context.Context, buf *audio.WavBuffer, chunkNo int) error {
	return EmitChunk(ctx, e.store, e.pub, e.session, e.apiType, e.webhook, chunkNo, buf, e.log)
}

// MarkSessionStarted writes the session marker exactly once even when two
// writers race on the same session.
func MarkSessionStarted(ctx context.Context, store blob.Store, session string) error {
	key := blob.JobJSONKey(session)
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	marker := SessionMarker{StreamKey: session, Stage: StageSavingStarted}
	return blob.PutJSON(ctx, store, key, marker)
}

// MarkSessionDone flips the session marker to its terminal stage.
func MarkSessionDone(ctx context.Context, store blob.Store, session string) error {
	key := blob.JobJSONKey(session)
	var marker SessionMarker
	if err := blob.GetJSON(ctx, store, key, &marker); err != nil {
		return err
	}
	marker.Stage = StageSavingDone
	return blob.PutJSON(ctx, store, key, marker)
}

// EmitChunk uploads one durable WAV chunk and announces it with a
// SpeechToText Task Message.
func EmitChunk(ctx context.Context, store blob.Store, pub pipeline.Publisher, session, apiType, webhook string, chunkNo int, buf *audio.WavBuffer, log *logrus.Entry) error {
	key := blob.ChunkWavKey(session, chunkNo)
	start := time.Now().UTC().Add(-buf.Duration())
	if err := store.Put(ctx, key, buf.Bytes()); err != nil {
		return err
	}

	msg := models.TaskMessage{
		EsID:         models.BuildEsID(session, pipeline.ExecutorName(models.StateSpeechToText)),
		RequestID:    session,
		CareReqID:    session,
		ChunkNo:      chunkNo,
		FilePath:     key,
		ReqType:      models.ReqTypeEncounter,
		APIType:      apiType,
		APIPath:      apiType,
		ExecutorName: pipeline.ExecutorName(models.StateSpeechToText),
		State:        models.StateSpeechToText,
		RetryCount:   0,
		WebhookURL:   webhook,
		StartTime:    start,
		EndTime:      time.Now().UTC(),
	}
	if err := pub.Publish(ctx, msg); err != nil {
		return err
	}
	telemetry.ChunksTotal.Inc()
	log.WithFields(logrus.Fields{"chunk_no": chunkNo, "key": key}).Info("chunk uploaded")
	return nil
}
