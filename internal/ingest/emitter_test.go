package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scribe-pipeline/internal/audio"
	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/models"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []models.TaskMessage
}

func (p *capturePublisher) Publish(_ context.Context, msg models.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func TestEmitterChunksAndMarkers(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	// Chunk boundary at 4 frames; 2 frames per packet, 9 packets total:
	// 18 frames -> 4 full chunks plus a 2-frame final flush.
	var events []fakeEvent
	for i := 0; i < 9; i++ {
		events = append(events, fakeEvent{pkt: Packet{PTS: int64(i), PCM: pcm(2)}})
	}
	source := &fakeSource{conns: []*fakeStream{{events: events}}}

	e := NewEmitter(source, store, pub, "sess-1", "", audio.FramesDuration(4), time.Millisecond, testLog())
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Chunks != 5 {
		t.Fatalf("chunks = %d, want 5", stats.Chunks)
	}

	// Chunk numbering is strictly increasing from 1 with no gaps.
	for i, msg := range pub.published {
		if msg.ChunkNo != i+1 {
			t.Fatalf("message %d has chunk_no %d", i, msg.ChunkNo)
		}
		if msg.State != models.StateSpeechToText {
			t.Fatalf("chunk message state = %s", msg.State)
		}
		if msg.FilePath != blob.ChunkWavKey("sess-1", i+1) {
			t.Fatalf("chunk %d file_path = %s", i+1, msg.FilePath)
		}
		if exists, _ := store.Exists(ctx, msg.FilePath); !exists {
			t.Fatalf("chunk %d wav missing from store", i+1)
		}
	}

	// Every chunk except the final flush carries at least the configured
	// duration of audio.
	for i := 1; i <= 4; i++ {
		data, err := store.Get(ctx, blob.ChunkWavKey("sess-1", i))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		dur, err := audio.WavDuration(data)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if dur < audio.FramesDuration(4) {
			t.Fatalf("chunk %d below duration floor: %s", i, dur)
		}
	}

	var marker SessionMarker
	if err := blob.GetJSON(ctx, store, blob.JobJSONKey("sess-1"), &marker); err != nil {
		t.Fatalf("session marker: %v", err)
	}
	if marker.Stage != StageSavingDone {
		t.Fatalf("marker stage = %s, want %s", marker.Stage, StageSavingDone)
	}
}

func TestEmitterNumbersChunksAcrossReconnect(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	conn1 := &fakeStream{events: append(packets(1, 2, 3, 4), fakeEvent{err: errors.New("reset")})}
	conn2 := &fakeStream{events: packets(1, 2, 3, 4, 5, 6, 7, 8)}
	source := &fakeSource{conns: []*fakeStream{conn1, conn2}}

	// 1-frame packets, 2-frame chunks: PTS 1-8 survive dedup, so 4 chunks.
	e := NewEmitter(source, store, pub, "sess-2", "", audio.FramesDuration(2), time.Millisecond, testLog())
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Chunks != 4 {
		t.Fatalf("chunks = %d, want 4", stats.Chunks)
	}
	for i, msg := range pub.published {
		if msg.ChunkNo != i+1 {
			t.Fatalf("chunk numbering broke across reconnect: message %d has chunk_no %d", i, msg.ChunkNo)
		}
	}
}

func TestEmitterNoAudioNoMarkers(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	source := &fakeSource{conns: []*fakeStream{{}}}
	e := NewEmitter(source, store, pub, "sess-3", "", audio.FramesDuration(4), time.Millisecond, testLog())
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Chunks != 0 {
		t.Fatalf("chunks = %d, want 0", stats.Chunks)
	}
	if exists, _ := store.Exists(ctx, blob.JobJSONKey("sess-3")); exists {
		t.Fatalf("dead-air session must not write a session marker")
	}
	if len(pub.published) != 0 {
		t.Fatalf("dead-air session published %d messages", len(pub.published))
	}
}
