package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"scribe-pipeline/internal/config"
)

// Segment is one transcribed span with times relative to the submitted audio.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is the inference-service response shape the pipeline depends on.
type Result struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// Transcriber turns an audio payload into segments. Implemented by Client;
// stage workers accept the interface so tests can substitute a double.
type Transcriber interface {
	Transcribe(ctx context.Context, name string, wav []byte) (Result, error)
}

// Client calls the external speech-to-text endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.Config) *Client {
	timeout := cfg.InferTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    cfg.AIServerURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Transcribe posts the WAV payload as multipart form data and decodes the
// segment list. Transient HTTP failures are retried briefly; the bounded
// job-level retry budget stays with the Task Message.
func (c *Client) Transcribe(ctx context.Context, name string, wav []byte) (Result, error) {
	var result Result
	operation := func() error {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("f1", name)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create form file: %w", err))
		}
		if _, err := part.Write(wav); err != nil {
			return backoff.Permanent(fmt.Errorf("write form file: %w", err))
		}
		if err := writer.Close(); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe/infer", &body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("transcribe request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("transcribe status %d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(fmt.Errorf("transcribe status %d", resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode transcription: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{}, err
	}
	return result, nil
}
