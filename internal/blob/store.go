package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound reports a Get for a key with no object. Callers that tolerate
// missing artifacts (partial merges, dedup probes) test for it with
// errors.Is.
var ErrNotFound = errors.New("blob: object not found")

// Store is the object-store boundary every stage writes through. Keys are
// scoped by request id ("{request_id}/..."); writes overwrite by key so a
// redelivered message re-produces the same artifact.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// ListMatching returns all objects whose key matches the glob pattern,
	// e.g. "req-42/req-42_chunk*.json".
	ListMatching(ctx context.Context, pattern string) ([]Object, error)
}

// Object pairs a key with its content for ListMatching results.
type Object struct {
	Key  string
	Data []byte
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// GetJSON fetches key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Well-known key layout for one job. Every stage output lives under the
// request id so retried stages find their own partial output.

// JobJSONKey is "{id}/{id}.json": the live-session marker for streamed jobs,
// and the transcription artifact for uploaded (platform) jobs. The two uses
// never coexist on one job.
func JobJSONKey(id string) string { return fmt.Sprintf("%s/%s.json", id, id) }

func ChunkWavKey(id string, n int) string { return fmt.Sprintf("%s/%s_chunk%d.wav", id, id, n) }

func ChunkJSONKey(id string, n int) string { return fmt.Sprintf("%s/%s_chunk%d.json", id, id, n) }

// ChunkJSONPattern matches every transcribed-chunk artifact of a job.
func ChunkJSONPattern(id string) string { return fmt.Sprintf("%s/%s_chunk*.json", id, id) }

func MergedAudioKey(id string) string { return fmt.Sprintf("%s/%s.wav", id, id) }

func AIPredsKey(id string) string { return id + "/ai_preds.json" }

func SoapKey(id string) string { return id + "/soap.json" }

func AllPredsKey(id string) string { return id + "/All_Preds.json" }

// StageMarkerKey records that a stage already published its advancing message
// for one delivery, keyed by executor name and chunk number. Markers live in
// their own prefix so the chunk glob never picks them up.
func StageMarkerKey(id, executor string, chunkNo int) string {
	return fmt.Sprintf("%s/markers/%s_%d.json", id, executor, chunkNo)
}

func TranscriptKey(id string) string { return id + "/transcript.json" }
