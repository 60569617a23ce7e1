package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/queue"
)

func newTestTopic(t *testing.T) *queue.Topic {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewTopicWithClient(client, "exe-queue", logrus.NewEntry(logrus.New()))
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []models.TaskMessage
	done chan struct{}
	want int
}

func (h *recordingHandler) handle(_ context.Context, msg models.TaskMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg)
	if len(h.seen) == h.want {
		close(h.done)
	}
	return nil
}

func TestDispatcherFiltersByStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := newTestTopic(t)
	log := logrus.NewEntry(logrus.New())

	h := &recordingHandler{done: make(chan struct{}), want: 1}
	d := New(topic, models.StateAiPred, h.handle, 2, log)

	base := models.TaskMessage{
		RequestID: "req-7",
		ReqType:   models.ReqTypePlatform,
		APIType:   models.APITypeClinicalNotes,
	}

	other := base
	other.State = models.StateSpeechToText
	mine := base
	mine.State = models.StateAiPred
	mine.EsID = "req-7_AI_PRED"
	completed := base
	completed.State = models.StateAiPred
	completed.Completed = true

	for _, msg := range []models.TaskMessage{other, completed, mine} {
		if err := topic.Publish(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	go func() { _ = d.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never saw its message")
	}
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) != 1 {
		t.Fatalf("handled %d messages, want 1", len(h.seen))
	}
	if h.seen[0].EsID != "req-7_AI_PRED" {
		t.Fatalf("handled wrong message: %+v", h.seen[0])
	}
}

func TestDispatcherAcksPoisonPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := newTestTopic(t)
	log := logrus.NewEntry(logrus.New())

	if err := topic.EnsureGroup(ctx, "stage-Final"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	h := &recordingHandler{done: make(chan struct{}), want: 1}
	d := New(topic, models.StateFinal, h.handle, 1, log)

	// A payload with an unknown state fails validation on the consumer side
	// and must be acked away, not redelivered forever. Publishing does not
	// validate, so junk can land in the stream ahead of real work.
	poison := models.TaskMessage{RequestID: "req-8", ReqType: models.ReqTypePlatform, State: "Garbage"}
	good := models.TaskMessage{
		RequestID: "req-8",
		ReqType:   models.ReqTypePlatform,
		APIType:   models.APITypeSoap,
		State:     models.StateFinal,
		EsID:      "req-8_FINAL_EXECUTOR",
	}
	if err := topic.Publish(ctx, poison); err != nil {
		t.Fatalf("publish poison: %v", err)
	}
	if err := topic.Publish(ctx, good); err != nil {
		t.Fatalf("publish good: %v", err)
	}

	go func() { _ = d.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("good message never handled past poison entry")
	}
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[0].EsID != "req-8_FINAL_EXECUTOR" {
		t.Fatalf("unexpected handled message: %+v", h.seen[0])
	}
}
