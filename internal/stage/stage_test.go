package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/audio"
	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/insight"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/transcribe"
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

func (p *capturePublisher) last(t *testing.T) models.TaskMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		t.Fatalf("nothing published")
	}
	return p.published[len(p.published)-1]
}

type fakeTranscriber struct {
	result transcribe.Result
	err    error
	calls  int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, _ []byte) (transcribe.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeExtractor struct {
	preds insight.Preds
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (insight.Preds, error) {
	f.calls++
	return f.preds, f.err
}

type fakeSummarizer struct {
	summaries insight.Summaries
	err       error
	calls     int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, _ insight.Preds) (insight.Summaries, error) {
	f.calls++
	return f.summaries, f.err
}

type captureRecorder struct {
	completed []string
	failed    []models.State
	events    []string
}

func (r *captureRecorder) UpdateState(context.Context, string, models.State) error { return nil }

func (r *captureRecorder) MarkCompleted(_ context.Context, id string) error {
	r.completed = append(r.completed, id)
	return nil
}

func (r *captureRecorder) MarkFailed(_ context.Context, _ string, failed models.State) error {
	r.failed = append(r.failed, failed)
	return nil
}

func (r *captureRecorder) AppendEvent(_ context.Context, _, event, _ string) error {
	r.events = append(r.events, event)
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func wavOfFrames(frames int) []byte {
	buf := audio.NewWavBuffer()
	buf.WriteFrames(make([]byte, frames*audio.BytesPerFrame))
	return buf.Bytes()
}

func chunkMessage(id string, n int) models.TaskMessage {
	return models.TaskMessage{
		EsID:      models.BuildEsID(id, "ASR_EXECUTOR"),
		RequestID: id,
		CareReqID: id,
		ChunkNo:   n,
		FilePath:  blob.ChunkWavKey(id, n),
		ReqType:   models.ReqTypeEncounter,
		APIType:   models.APITypeClinicalNotes,
		State:     models.StateSpeechToText,
	}
}

func TestSpeechToTextOffsetsAndAdvances(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	// Chunk 1 already transcribed with 10s of audio; chunk 2's segments
	// must be offset past it.
	prior := ChunkTranscript{
		ConversationID: "req-42",
		ChunkNo:        1,
		Duration:       10,
		Segments:       []transcribe.Segment{{Text: "hello", Start: 0, End: 2}},
		Language:       "en",
	}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-42", 1), prior); err != nil {
		t.Fatalf("seed chunk 1: %v", err)
	}
	if err := store.Put(ctx, blob.ChunkWavKey("req-42", 2), wavOfFrames(audio.SampleRate*5)); err != nil {
		t.Fatalf("seed wav: %v", err)
	}

	tr := &fakeTranscriber{result: transcribe.Result{
		Segments: []transcribe.Segment{{Text: "doctor visit", Start: 1, End: 3}},
		Language: "en",
	}}
	w := NewSpeechToTextWorker(store, pub, NopRecorder{}, tr, testLog())

	if err := w.Handle(ctx, chunkMessage("req-42", 2)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var artifact ChunkTranscript
	if err := blob.GetJSON(ctx, store, blob.ChunkJSONKey("req-42", 2), &artifact); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if artifact.Segments[0].Start != 11 || artifact.Segments[0].End != 13 {
		t.Fatalf("segments not offset: %+v", artifact.Segments[0])
	}
	if artifact.Duration != 5 {
		t.Fatalf("duration = %v, want 5", artifact.Duration)
	}

	next := pub.last(t)
	if next.State != models.StateAiPred || next.RetryCount != 0 {
		t.Fatalf("advance message wrong: %+v", next)
	}
}

func TestSpeechToTextSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	if err := store.Put(ctx, blob.ChunkWavKey("req-43", 1), wavOfFrames(audio.SampleRate)); err != nil {
		t.Fatalf("seed wav: %v", err)
	}
	tr := &fakeTranscriber{result: transcribe.Result{Segments: []transcribe.Segment{{Text: "hi"}}}}
	w := NewSpeechToTextWorker(store, pub, NopRecorder{}, tr, testLog())

	msg := chunkMessage("req-43", 1)
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("transcriber called %d times, want 1", tr.calls)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}
}

func TestSpeechToTextRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	if err := store.Put(ctx, blob.ChunkWavKey("req-44", 1), wavOfFrames(audio.SampleRate)); err != nil {
		t.Fatalf("seed wav: %v", err)
	}
	tr := &fakeTranscriber{err: errors.New("model down")}
	w := NewSpeechToTextWorker(store, pub, NopRecorder{}, tr, testLog())

	msg := chunkMessage("req-44", 1)
	for i := 0; i < models.MaxRetries; i++ {
		if err := w.Handle(ctx, msg); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		msg = pub.last(t)
		if msg.State != models.StateSpeechToText {
			t.Fatalf("attempt %d republished to %s", i, msg.State)
		}
	}
	if msg.RetryCount != models.MaxRetries {
		t.Fatalf("retry_count = %d, want %d", msg.RetryCount, models.MaxRetries)
	}

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("terminal attempt: %v", err)
	}
	final := pub.last(t)
	if final.State != models.StateFinal || final.FailedState != models.StateSpeechToText {
		t.Fatalf("terminal hand-off wrong: %+v", final)
	}
	if exists, _ := store.Exists(ctx, blob.AllPredsKey("req-44")); !exists {
		t.Fatalf("failure marker not written")
	}
}

func strptr(s string) *string { return &s }

func TestAiPredMergesAndRoutes(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	seed := ChunkTranscript{
		ConversationID: "req-45",
		ChunkNo:        1,
		Duration:       5,
		Segments:       []transcribe.Segment{{Text: "patient reports chest pain"}},
		Language:       "en",
	}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-45", 1), seed); err != nil {
		t.Fatalf("seed transcript: %v", err)
	}

	// Earlier chunk already extracted a medication; the new pass adds a
	// symptom and repeats the medication, which must not duplicate.
	existing := insight.NewPreds()
	existing.Entities["medications"] = []insight.Entity{{Text: "aspirin"}}
	if err := blob.PutJSON(ctx, store, blob.AIPredsKey("req-45"), existing); err != nil {
		t.Fatalf("seed preds: %v", err)
	}

	fresh := insight.NewPreds()
	fresh.Age = insight.Field{Text: strptr("54"), Value: strptr("54")}
	fresh.Entities["medications"] = []insight.Entity{{Text: "Aspirin"}}
	fresh.Entities["symptoms"] = []insight.Entity{{Text: "chest pain"}}

	w := NewAiPredWorker(store, pub, NopRecorder{}, &fakeExtractor{preds: fresh}, testLog())

	msg := chunkMessage("req-45", 1)
	msg.State = models.StateAiPred
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var merged insight.Preds
	if err := blob.GetJSON(ctx, store, blob.AIPredsKey("req-45"), &merged); err != nil {
		t.Fatalf("merged preds: %v", err)
	}
	if len(merged.Entities["medications"]) != 1 {
		t.Fatalf("medication duplicated: %+v", merged.Entities["medications"])
	}
	if len(merged.Entities["symptoms"]) != 1 {
		t.Fatalf("symptom missing: %+v", merged.Entities["symptoms"])
	}
	if merged.Age.Text == nil || *merged.Age.Text != "54" {
		t.Fatalf("age not filled: %+v", merged.Age)
	}

	if pub.last(t).State != models.StateAnalytics {
		t.Fatalf("clinical_notes must route to Analytics, got %s", pub.last(t).State)
	}

	// transcription jobs skip the summary stage. A fresh chunk delivery, so
	// the redelivery guard does not apply.
	msg.APIType = models.APITypeTranscription
	msg.ChunkNo = 2
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle transcription: %v", err)
	}
	if pub.last(t).State != models.StateFinal {
		t.Fatalf("transcription must route to Final, got %s", pub.last(t).State)
	}
}

func TestAiPredSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	seed := ChunkTranscript{ConversationID: "req-50", ChunkNo: 1, Segments: []transcribe.Segment{{Text: "shortness of breath"}}}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-50", 1), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &fakeExtractor{preds: insight.NewPreds()}
	w := NewAiPredWorker(store, pub, NopRecorder{}, ex, testLog())

	msg := chunkMessage("req-50", 1)
	msg.State = models.StateAiPred
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if ex.calls != 1 {
		t.Fatalf("extractor called %d times, want 1", ex.calls)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d advancing messages, want 1", len(pub.published))
	}
}

func TestAnalyticsWritesSummary(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	seed := ChunkTranscript{ConversationID: "req-46", ChunkNo: 1, Segments: []transcribe.Segment{{Text: "follow up in two weeks"}}}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-46", 1), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sum := insight.Summaries{CarePlanSuggested: []string{"follow up in two weeks"}}
	w := NewAnalyticsWorker(store, pub, NopRecorder{}, &fakeSummarizer{summaries: sum}, testLog())

	msg := chunkMessage("req-46", 1)
	msg.State = models.StateAnalytics
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var got insight.Summaries
	if err := blob.GetJSON(ctx, store, blob.SoapKey("req-46"), &got); err != nil {
		t.Fatalf("soap artifact: %v", err)
	}
	if len(got.CarePlanSuggested) != 1 {
		t.Fatalf("summary not persisted: %+v", got)
	}
	if pub.last(t).State != models.StateFinal {
		t.Fatalf("analytics must hand off to Final, got %s", pub.last(t).State)
	}
}

func TestAnalyticsSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	seed := ChunkTranscript{ConversationID: "req-51", ChunkNo: 1, Segments: []transcribe.Segment{{Text: "start metformin"}}}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-51", 1), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sum := &fakeSummarizer{summaries: insight.Summaries{CarePlanSuggested: []string{"start metformin"}}}
	w := NewAnalyticsWorker(store, pub, NopRecorder{}, sum, testLog())

	msg := chunkMessage("req-51", 1)
	msg.State = models.StateAnalytics
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer called %d times, want 1", sum.calls)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d advancing messages, want 1", len(pub.published))
	}
}

func TestFinalAssemblesResultAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	// Three chunks with filler noise between real speech.
	texts := []string{
		"patient is a 54 year old",
		"Thank you. Thank you. Thank you.",
		"with chest pain since yesterday",
	}
	for i, text := range texts {
		seed := ChunkTranscript{
			ConversationID: "req-47",
			ChunkNo:        i + 1,
			Duration:       5,
			Segments:       []transcribe.Segment{{Text: text}},
		}
		if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-47", i+1), seed); err != nil {
			t.Fatalf("seed chunk %d: %v", i+1, err)
		}
	}
	preds := insight.NewPreds()
	preds.Entities["symptoms"] = []insight.Entity{{Text: "chest pain"}}
	if err := blob.PutJSON(ctx, store, blob.AIPredsKey("req-47"), preds); err != nil {
		t.Fatalf("seed preds: %v", err)
	}
	if err := blob.PutJSON(ctx, store, blob.SoapKey("req-47"), insight.Summaries{ClinicalAssessment: []string{"possible angina"}}); err != nil {
		t.Fatalf("seed soap: %v", err)
	}

	var hookBody []byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hookBody, _ = json.Marshal(decodeDoc(t, r))
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	w := NewFinalWorker(store, pub, NopRecorder{}, testLog())
	msg := chunkMessage("req-47", 3)
	msg.State = models.StateFinal
	msg.WebhookURL = hook.URL

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var doc ResultDoc
	if err := blob.GetJSON(ctx, store, blob.AllPredsKey("req-47"), &doc); err != nil {
		t.Fatalf("result doc: %v", err)
	}
	if doc.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want Completed", doc.Status)
	}
	want := "patient is a 54 year old with chest pain since yesterday"
	if doc.Transcript != want {
		t.Fatalf("transcript = %q, want %q", doc.Transcript, want)
	}
	if doc.AIPreds == nil || len(doc.AIPreds.Entities["symptoms"]) != 1 {
		t.Fatalf("preds not attached: %+v", doc.AIPreds)
	}
	if doc.Summaries == nil || len(doc.Summaries.ClinicalAssessment) != 1 {
		t.Fatalf("summaries not attached: %+v", doc.Summaries)
	}
	if len(hookBody) == 0 {
		t.Fatalf("webhook never called")
	}
}

func decodeDoc(t *testing.T, r *http.Request) ResultDoc {
	t.Helper()
	var doc ResultDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		t.Fatalf("webhook body: %v", err)
	}
	return doc
}

func TestFinalFailedJobStillTerminates(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	seed := ChunkTranscript{ConversationID: "req-48", ChunkNo: 1, Segments: []transcribe.Segment{{Text: "partial audio"}}}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-48", 1), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var delivered ResultDoc
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered = decodeDoc(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	w := NewFinalWorker(store, pub, NopRecorder{}, testLog())
	msg := chunkMessage("req-48", 1)
	msg.State = models.StateFinal
	msg.FailedState = models.StateAiPred
	msg.WebhookURL = hook.URL

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var doc ResultDoc
	if err := blob.GetJSON(ctx, store, blob.AllPredsKey("req-48"), &doc); err != nil {
		t.Fatalf("result doc: %v", err)
	}
	if doc.Status != models.StatusFailed || doc.FailedState != "AiPred" {
		t.Fatalf("failed job doc wrong: %+v", doc)
	}
	if delivered.Error == nil || delivered.Error.Code != ErrCodeProcessingFailed {
		t.Fatalf("webhook must carry error code, got %+v", delivered.Error)
	}
	if len(pub.published) != 0 {
		t.Fatalf("Final must not republish on a failed job, published %d", len(pub.published))
	}
}

func TestFinalWebhookFailureKeepsCompleted(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	seed := ChunkTranscript{ConversationID: "req-52", ChunkNo: 1, Segments: []transcribe.Segment{{Text: "patient doing well"}}}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-52", 1), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	rec := &captureRecorder{}
	w := NewFinalWorker(store, pub, rec, testLog())
	msg := chunkMessage("req-52", 1)
	msg.State = models.StateFinal
	msg.APIType = models.APITypeTranscription
	msg.WebhookURL = hook.URL
	msg.RetryCount = models.MaxRetries

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// A result that persisted stays Completed even when the caller's
	// endpoint is down; delivery never rolls pipeline state back.
	var doc ResultDoc
	if err := blob.GetJSON(ctx, store, blob.AllPredsKey("req-52"), &doc); err != nil {
		t.Fatalf("result doc: %v", err)
	}
	if doc.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want Completed", doc.Status)
	}
	if len(rec.failed) != 0 || len(rec.completed) != 1 {
		t.Fatalf("recorder: completed=%v failed=%v", rec.completed, rec.failed)
	}
	if len(pub.published) != 0 {
		t.Fatalf("webhook failure must not republish, published %d", len(pub.published))
	}
}

func TestFinalFillerOnlyTranscriptSendsErrorBody(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	// Every segment is hallucinated filler; cleanup leaves nothing.
	seed := ChunkTranscript{
		ConversationID: "req-53",
		ChunkNo:        1,
		Duration:       5,
		Segments:       []transcribe.Segment{{Text: "Thank you. Thank you. Thank you."}},
	}
	if err := blob.PutJSON(ctx, store, blob.ChunkJSONKey("req-53", 1), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var delivered ResultDoc
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered = decodeDoc(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	w := NewFinalWorker(store, pub, NopRecorder{}, testLog())
	msg := chunkMessage("req-53", 1)
	msg.State = models.StateFinal
	msg.APIType = models.APITypeTranscription
	msg.WebhookURL = hook.URL

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if delivered.Error == nil || delivered.Error.Code != ErrCodeNoTranscript {
		t.Fatalf("webhook must carry %s for an empty transcript, got %+v", ErrCodeNoTranscript, delivered.Error)
	}
	if delivered.Transcript != "" {
		t.Fatalf("transcript = %q, want empty", delivered.Transcript)
	}
	// Audio was transcribed, so the job itself is not marked failed.
	var doc ResultDoc
	if err := blob.GetJSON(ctx, store, blob.AllPredsKey("req-53"), &doc); err != nil {
		t.Fatalf("result doc: %v", err)
	}
	if doc.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want Completed", doc.Status)
	}
}

func TestFinalNoSpeechFails(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	pub := &capturePublisher{}

	w := NewFinalWorker(store, pub, NopRecorder{}, testLog())
	msg := chunkMessage("req-49", 0)
	msg.State = models.StateFinal
	msg.APIType = models.APITypeTranscription

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var doc ResultDoc
	if err := blob.GetJSON(ctx, store, blob.AllPredsKey("req-49"), &doc); err != nil {
		t.Fatalf("result doc: %v", err)
	}
	if doc.Status != models.StatusFailed {
		t.Fatalf("status = %s, want Failed", doc.Status)
	}
	if doc.Error == nil || doc.Error.Code != ErrCodeNoTranscript {
		t.Fatalf("expected %s error, got %+v", ErrCodeNoTranscript, doc.Error)
	}
}
