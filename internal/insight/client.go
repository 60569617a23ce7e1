package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"scribe-pipeline/internal/config"
)

// Field is one extracted clinical attribute.
type Field struct {
	Text  *string `json:"text"`
	Value *string `json:"value"`
	Unit  *string `json:"unit"`
}

// Entity is a coded clinical mention.
type Entity struct {
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

// Preds is the accumulated entity/attribute document persisted under
// {request_id}/ai_preds.json. The zero value is the empty skeleton written
// before any extraction ran.
type Preds struct {
	Age                      Field               `json:"age"`
	Gender                   Field               `json:"gender"`
	Height                   Field               `json:"height"`
	Weight                   Field               `json:"weight"`
	BMI                      Field               `json:"bmi"`
	Ethnicity                Field               `json:"ethnicity"`
	Insurance                Field               `json:"insurance"`
	PhysicalActivityExercise Field               `json:"physicalActivityExercise"`
	BloodPressure            Field               `json:"bloodPressure"`
	Pulse                    Field               `json:"pulse"`
	RespiratoryRate          Field               `json:"respiratoryRate"`
	BodyTemperature          Field               `json:"bodyTemperature"`
	SubstanceAbuse           Field               `json:"substanceAbuse"`
	Entities                 map[string][]Entity `json:"entities"`
	Summaries                map[string][]string `json:"summaries,omitempty"`
	Language                 string              `json:"language,omitempty"`
}

// NewPreds returns the empty skeleton with all entity buckets present.
func NewPreds() Preds {
	return Preds{
		Entities: map[string][]Entity{
			"medications": {},
			"symptoms":    {},
			"diseases":    {},
			"diagnoses":   {},
			"surgeries":   {},
			"tests":       {},
		},
	}
}

// Summaries holds the four SOAP sections produced by the Analytics stage.
type Summaries struct {
	SubjectiveClinicalSummary []string `json:"subjectiveClinicalSummary"`
	ObjectiveClinicalSummary  []string `json:"objectiveClinicalSummary"`
	ClinicalAssessment        []string `json:"clinicalAssessment"`
	CarePlanSuggested         []string `json:"carePlanSuggested"`
}

// Extractor and Summarizer are the clinical-NLP capability boundaries; the
// heuristics behind them are out of core scope.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (Preds, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string, preds Preds) (Summaries, error)
}

// Client calls the AI server's extraction and summary endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.Config) *Client {
	timeout := cfg.InferTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: cfg.AIServerURL, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) Extract(ctx context.Context, transcript string) (Preds, error) {
	var preds Preds
	err := c.postJSON(ctx, "/clinical_ner/infer", map[string]any{"data": []string{transcript}}, &preds)
	if err != nil {
		return Preds{}, err
	}
	if preds.Entities == nil {
		preds.Entities = NewPreds().Entities
	}
	return preds, nil
}

func (c *Client) Summarize(ctx context.Context, transcript string, preds Preds) (Summaries, error) {
	var out Summaries
	payload := map[string]any{"data": []string{transcript}, "ai_preds": preds}
	if err := c.postJSON(ctx, "/summaries/infer", payload, &out); err != nil {
		return Summaries{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("post %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s status %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(fmt.Errorf("%s status %d", path, resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))
}
