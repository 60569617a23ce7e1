package quickloop

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/audio"
	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/ingest"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/transcribe"
)

// CaptionSink receives the running transcript as it grows, typically a
// websocket back to the clinician's screen. Delivery is best-effort.
type CaptionSink interface {
	SendCaption(ctx context.Context, text string) error
}

// Transcript is the live-caption artifact persisted under
// {id}/transcript.json after every quick-loop pass.
type Transcript struct {
	StreamKey  string  `json:"stream_key"`
	Transcript string  `json:"transcript"`
	UpdatedAt  float64 `json:"updated_at"`
}

// Loop runs the low-latency caption path beside the durable chunk path, both
// fed from one live stream. A short buffer is transcribed synchronously for
// captions; a longer buffer is cut into the same durable chunks the plain
// emitter produces, so the job flows through the pipeline unchanged. Caption
// failures never stall the durable path.
type Loop struct {
	reader      *ingest.ResilientReader
	store       blob.Store
	pub         pipeline.Publisher
	transcriber transcribe.Transcriber
	sink        CaptionSink
	session     string
	apiType     string
	webhook     string

	quickFrames int
	chunkFrames int
	log         *logrus.Entry
}

type Options struct {
	Session            string
	Webhook            string
	QuickChunkDuration time.Duration
	ChunkDuration      time.Duration
	ReconnectWait      time.Duration
}

func New(source ingest.Source, store blob.Store, pub pipeline.Publisher, t transcribe.Transcriber, sink CaptionSink, opts Options, log *logrus.Entry) *Loop {
	entry := log.WithField("stream_key", opts.Session)
	return &Loop{
		reader:      ingest.NewResilientReader(source, opts.ReconnectWait, entry),
		store:       store,
		pub:         pub,
		transcriber: t,
		sink:        sink,
		session:     opts.Session,
		apiType:     models.APITypeClinicalNotes,
		webhook:     opts.Webhook,
		quickFrames: audio.DurationFrames(opts.QuickChunkDuration),
		chunkFrames: audio.DurationFrames(opts.ChunkDuration),
		log:         entry,
	}
}

// RunStats reports what one session produced.
type RunStats struct {
	Chunks   int
	Captions int
}

// Run drains the stream until it ends. The merged session audio is uploaded
// under {id}/{id}.wav once the stream closes.
func (l *Loop) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{}
	if err := l.reader.Connect(ctx); err != nil {
		return stats, err
	}
	defer l.reader.Close()

	started := false
	chunkNo := 1
	quick := audio.NewWavBuffer()
	durable := audio.NewWavBuffer()
	merged := audio.NewWavBuffer()
	running := ""

	for {
		pkt, err := l.reader.Read(ctx)
		if errors.Is(err, ingest.ErrStreamEnded) {
			break
		}
		if err != nil {
			return stats, err
		}

		if !started {
			if err := ingest.MarkSessionStarted(ctx, l.store, l.session); err != nil {
				return stats, err
			}
			started = true
		}

		quick.WriteFrames(pkt.PCM)
		durable.WriteFrames(pkt.PCM)
		merged.WriteFrames(pkt.PCM)

		if quick.Frames() >= l.quickFrames {
			if text, ok := l.caption(ctx, quick, running); ok {
				running = text
				stats.Captions++
			}
			quick = audio.NewWavBuffer()
		}

		if durable.Frames() >= l.chunkFrames {
			if err := ingest.EmitChunk(ctx, l.store, l.pub, l.session, l.apiType, l.webhook, chunkNo, durable, l.log); err != nil {
				return stats, err
			}
			stats.Chunks++
			chunkNo++
			durable = audio.NewWavBuffer()
		}
	}

	if !quick.Empty() {
		if text, ok := l.caption(ctx, quick, running); ok {
			running = text
			stats.Captions++
		}
	}
	if !durable.Empty() {
		if err := ingest.EmitChunk(ctx, l.store, l.pub, l.session, l.apiType, l.webhook, chunkNo, durable, l.log); err != nil {
			return stats, err
		}
		stats.Chunks++
	}
	if !merged.Empty() {
		if err := l.store.Put(ctx, blob.MergedAudioKey(l.session), merged.Bytes()); err != nil {
			return stats, err
		}
	}
	if started {
		if err := ingest.MarkSessionDone(ctx, l.store, l.session); err != nil {
			return stats, err
		}
	}
	l.log.WithFields(logrus.Fields{"chunks": stats.Chunks, "captions": stats.Captions}).Info("quick loop finished")
	return stats, nil
}

// caption transcribes the short buffer synchronously, extends the running
// transcript, pushes it to the sink, and persists the snapshot. Any failure
// keeps the previous transcript and lets the durable path continue.
func (l *Loop) caption(ctx context.Context, buf *audio.WavBuffer, running string) (string, bool) {
	result, err := l.transcriber.Transcribe(ctx, l.session+"_quick.wav", buf.Bytes())
	if err != nil {
		l.log.WithError(err).Warn("quick transcription failed")
		return running, false
	}
	var piece string
	for _, seg := range result.Segments {
		piece += " " + seg.Text
	}
	text := transcribe.CleanFillers(running + piece)
	if text == running {
		return running, false
	}

	if l.sink != nil {
		if err := l.sink.SendCaption(ctx, text); err != nil {
			l.log.WithError(err).Warn("caption delivery failed")
		}
	}
	snapshot := Transcript{
		StreamKey:  l.session,
		Transcript: text,
		UpdatedAt:  float64(time.Now().UTC().UnixMilli()) / 1000,
	}
	if err := blob.PutJSON(ctx, l.store, blob.TranscriptKey(l.session), snapshot); err != nil {
		l.log.WithError(err).Warn("persisting transcript snapshot failed")
	}
	return text, true
}
