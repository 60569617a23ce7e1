package livesession

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/config"
	"scribe-pipeline/internal/ingest"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/quickloop"
	"scribe-pipeline/internal/stage"
	"scribe-pipeline/internal/transcribe"
)

// WebsocketSink streams captions to a subscriber over one websocket
// connection. It dials lazily on the first caption so a session with no
// speech never opens a socket.
type WebsocketSink struct {
	url     string
	session string
	conn    *websocket.Conn
	log     *logrus.Entry
}

func NewWebsocketSink(url, session string, log *logrus.Entry) *WebsocketSink {
	return &WebsocketSink{url: url, session: session, log: log}
}

type captionFrame struct {
	StreamKey  string `json:"stream_key"`
	Transcript string `json:"transcript"`
}

func (s *WebsocketSink) SendCaption(ctx context.Context, text string) error {
	if s.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	return s.conn.WriteJSON(captionFrame{StreamKey: s.session, Transcript: text})
}

func (s *WebsocketSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Runner owns one live encounter end to end: it drives the quick loop under
// the session age watchdog and converts a dead-air session (zero chunks)
// into a terminal failure instead of leaving the job dangling.
type Runner struct {
	cfg         config.Config
	store       blob.Store
	pub         pipeline.Publisher
	transcriber transcribe.Transcriber
	recorder    stage.Recorder
	newSource   func(streamKey string) ingest.Source
	log         *logrus.Entry
}

func NewRunner(cfg config.Config, store blob.Store, pub pipeline.Publisher, t transcribe.Transcriber, recorder stage.Recorder, log *logrus.Entry) *Runner {
	if recorder == nil {
		recorder = stage.NopRecorder{}
	}
	return &Runner{
		cfg:         cfg,
		store:       store,
		pub:         pub,
		transcriber: t,
		recorder:    recorder,
		newSource: func(streamKey string) ingest.Source {
			return ingest.NewFFmpegSource(cfg.RTMPServerURL, streamKey)
		},
		log: log,
	}
}

// Run ingests one session identified by its stream key. The context is
// bounded by SESSION_MAX_AGE so an RTMP feed that never closes cannot pin a
// worker forever.
func (r *Runner) Run(ctx context.Context, streamKey, webhook string, sink quickloop.CaptionSink) error {
	maxAge := r.cfg.SessionMaxAge
	if maxAge == 0 {
		maxAge = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, maxAge)
	defer cancel()

	loop := quickloop.New(r.newSource(streamKey), r.store, r.pub, r.transcriber, sink, quickloop.Options{
		Session:            streamKey,
		Webhook:            webhook,
		QuickChunkDuration: r.cfg.QuickLoopChunkDuration,
		ChunkDuration:      r.cfg.ChunkDuration,
		ReconnectWait:      r.cfg.StreamReconnectWait,
	}, r.log)

	_ = r.recorder.AppendEvent(ctx, streamKey, "session_started", "")

	stats, err := loop.Run(ctx)
	if err != nil {
		r.log.WithError(err).WithField("stream_key", streamKey).Error("session ingestion failed")
	}
	_ = r.recorder.AppendEvent(ctx, streamKey, "session_stopped", fmt.Sprintf("chunks=%d captions=%d", stats.Chunks, stats.Captions))
	if stats.Chunks == 0 {
		return r.failEmptySession(ctx, streamKey)
	}
	return err
}

// RunDurable ingests one session through the durable chunk path only, with no
// live captions. Used for recorder-style sessions where nobody is watching a
// screen; the chunks flow through the pipeline exactly as in quick-loop mode.
func (r *Runner) RunDurable(ctx context.Context, streamKey, webhook string) error {
	maxAge := r.cfg.SessionMaxAge
	if maxAge == 0 {
		maxAge = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, maxAge)
	defer cancel()

	emitter := ingest.NewEmitter(r.newSource(streamKey), r.store, r.pub, streamKey, webhook,
		r.cfg.ChunkDuration, r.cfg.StreamReconnectWait, r.log)

	_ = r.recorder.AppendEvent(ctx, streamKey, "session_started", "")

	stats, err := emitter.Run(ctx)
	if err != nil {
		r.log.WithError(err).WithField("stream_key", streamKey).Error("session ingestion failed")
	}
	_ = r.recorder.AppendEvent(ctx, streamKey, "session_stopped", fmt.Sprintf("chunks=%d", stats.Chunks))
	if stats.Chunks == 0 {
		return r.failEmptySession(ctx, streamKey)
	}
	return err
}

// failEmptySession writes the terminal failure marker for a session that
// produced no audio, so status polling still converges.
func (r *Runner) failEmptySession(ctx context.Context, streamKey string) error {
	// The watchdog may have expired the session context; the marker write
	// still has to land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	r.log.WithField("stream_key", streamKey).Warn("session produced no chunks, marking failed")
	_ = r.recorder.MarkFailed(ctx, streamKey, models.StateSpeechToText)
	marker := map[string]any{
		"request_id":   streamKey,
		"status":       models.StatusFailed,
		"failed_state": models.StateSpeechToText.String(),
	}
	return blob.PutJSON(ctx, r.store, blob.AllPredsKey(streamKey), marker)
}
