package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/blob"
	"scribe-pipeline/internal/config"
	"scribe-pipeline/internal/models"
	"scribe-pipeline/internal/pipeline"
	"scribe-pipeline/internal/store"
	"scribe-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg      config.Config
	registry *store.Store
	pub      pipeline.Publisher
	blobs    blob.Store
	log      *logrus.Entry
}

// New constructs the API server. The registry may be nil when no Postgres is
// configured; status then falls back to blob artifacts alone.
func New(cfg config.Config, registry *store.Store, pub pipeline.Publisher, blobs blob.Store, log *logrus.Entry) *Server {
	return &Server{cfg: cfg, registry: registry, pub: pub, blobs: blobs, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/result", s.handleGetResult)
	r.Get("/jobs/{id}/transcript", s.handleGetTranscript)
	return r
}

type submitRequest struct {
	FileURL    string `json:"file_url"`
	APIType    string `json:"api_type"`
	ReqType    string `json:"req_type"`
	CareReqID  string `json:"care_req_id"`
	WebhookURL string `json:"webhook_url"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Status    string `json:"status"`
}

var validAPITypes = map[string]bool{
	models.APITypeClinicalNotes: true,
	models.APITypeTranscription: true,
	models.APITypeAiPred:        true,
	models.APITypeSoap:          true,
}

// handleSubmit accepts a pre-recorded file for processing and enqueues the
// download stage.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FileURL == "" {
		http.Error(w, "file_url is required", http.StatusBadRequest)
		return
	}
	if req.APIType == "" {
		req.APIType = models.APITypeTranscription
	}
	if !validAPITypes[req.APIType] {
		http.Error(w, "unknown api_type", http.StatusBadRequest)
		return
	}
	if req.ReqType == "" {
		req.ReqType = models.ReqTypePlatform
	}
	if req.ReqType != models.ReqTypePlatform && req.ReqType != models.ReqTypeEncounter {
		http.Error(w, "unknown req_type", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	if s.registry != nil {
		job := store.Job{
			RequestID:  id,
			ReqType:    req.ReqType,
			APIType:    req.APIType,
			FileURL:    req.FileURL,
			WebhookURL: req.WebhookURL,
		}
		if err := s.registry.CreateJob(r.Context(), job); err != nil {
			s.log.WithError(err).Error("creating job record")
			http.Error(w, "job registration failed", http.StatusInternalServerError)
			return
		}
	}

	msg := models.TaskMessage{
		EsID:         models.BuildEsID(id, pipeline.ExecutorName(models.StateInit)),
		RequestID:    id,
		CareReqID:    req.CareReqID,
		FilePath:     req.FileURL,
		ReqType:      req.ReqType,
		APIType:      req.APIType,
		APIPath:      req.APIType,
		ExecutorName: pipeline.ExecutorName(models.StateInit),
		State:        models.StateInit,
		WebhookURL:   req.WebhookURL,
		StartTime:    now,
		EndTime:      now,
	}
	if err := s.pub.Publish(r.Context(), msg); err != nil {
		s.log.WithError(err).Error("enqueueing job")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: id,
		State:     models.StateInit.String(),
		Status:    models.StatusInprogress,
	})
}

type jobStatusResponse struct {
	RequestID   string `json:"request_id"`
	State       string `json:"state,omitempty"`
	Status      string `json:"status"`
	FailedState string `json:"failed_state,omitempty"`
	ResultReady bool   `json:"result_ready"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ready, err := s.blobs.Exists(r.Context(), blob.AllPredsKey(id))
	if err != nil {
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}

	if s.registry != nil {
		job, err := s.registry.GetJob(r.Context(), id)
		if err == nil {
			resp := jobStatusResponse{
				RequestID:   job.RequestID,
				State:       job.State,
				Status:      job.Status,
				ResultReady: ready,
			}
			if job.FailedState != nil {
				resp.FailedState = *job.FailedState
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	// No registry row; infer terminal status from the result artifact.
	if !ready {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	var doc struct {
		Status      string `json:"status"`
		FailedState string `json:"failed_state"`
	}
	if err := blob.GetJSON(r.Context(), s.blobs, blob.AllPredsKey(id), &doc); err != nil {
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		RequestID:   id,
		Status:      doc.Status,
		FailedState: doc.FailedState,
		ResultReady: true,
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.blobs.Get(r.Context(), blob.AllPredsKey(id))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "result not ready", http.StatusNotFound)
			return
		}
		http.Error(w, "result lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleGetTranscript serves the live caption snapshot the quick loop keeps
// current during an encounter.
func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.blobs.Get(r.Context(), blob.TranscriptKey(id))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "no transcript yet", http.StatusNotFound)
			return
		}
		http.Error(w, "transcript lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
