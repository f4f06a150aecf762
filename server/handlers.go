package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
	"github.com/shelfware/bindery/logger"
)

// submitRequest is the JSON submission body for fetch-by-URL jobs
type submitRequest struct {
	SourceURL   string `json:"source_url"`
	ProductCode string `json:"product_code"`
}

// jobResponse is the client view of a job record
type jobResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	ProductCode  string `json:"product_code,omitempty"`
	Error        string `json:"error,omitempty"`
	AttemptCount int    `json:"attempt_count"`
	OutputRef    string `json:"output_ref,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func (s *Server) jobView(j *job.Job) jobResponse {
	stage := s.engine.StageName(j.StageIndex)
	if j.Status.Terminal() {
		stage = string(j.Status)
	}
	return jobResponse{
		ID:           j.ID,
		Status:       string(j.Status),
		Stage:        stage,
		ProductCode:  j.ProductCode,
		Error:        j.Error,
		AttemptCount: j.AttemptCount,
		OutputRef:    j.OutputRef,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
}

// handleSubmit accepts a new book: either a raw EPUB payload, or a JSON body
// naming a source URL to fetch during ingest. Responds 202 with the job
// record once it is durable; processing is asynchronous.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	var j *job.Job
	var err error
	if strings.HasPrefix(contentType, "application/json") {
		j, err = s.submitByURL(r)
	} else {
		j, err = s.submitUpload(r)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.Create(r.Context(), j); err != nil {
		writeError(w, err)
		return
	}

	logger.Infow("Job submitted", "job_id", shortID(j.ID),
		"product_code", j.ProductCode, "source_url", j.SourceURL)
	writeJSON(w, http.StatusAccepted, s.jobView(j))
}

func (s *Server) submitByURL(r *http.Request) (*job.Job, error) {
	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if req.SourceURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "source_url is required")
	}
	if _, err := s.urlCheck.ValidateURL(req.SourceURL); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "source_url rejected: %v", err)
	}

	j, err := job.New("", req.SourceURL, req.ProductCode)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	return j, nil
}

func (s *Server) submitUpload(r *http.Request) (*job.Job, error) {
	productCode := r.URL.Query().Get("product_code")

	body := http.MaxBytesReader(nil, r.Body, s.cfg.Server.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"upload exceeds %d bytes or was truncated: %v", s.cfg.Server.MaxUploadBytes, err)
	}
	if len(data) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "empty upload")
	}

	// The input key derives from the job id, so the record starts with a
	// placeholder ref that is patched once the id exists.
	j, err := job.New("upload", "", productCode)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}

	key := s.keys.Input(j.ID)
	if err := s.blobs.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), "application/epub+zip"); err != nil {
		return nil, err
	}
	j.InputRef = key
	return j, nil
}

// handleStatus reports one job's current state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobView(j))
}

// handleList returns the most recent jobs, newest first
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, errors.Wrap(errors.ErrInvalidRequest, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	jobs, err := s.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		views[i] = s.jobView(j)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// handleResult streams the finished bundle. Jobs that are still in flight
// answer 409, failed or cancelled jobs answer 410: the artifact will never
// exist, and the client should stop polling.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case j.Status == job.StatusSucceeded:
	case j.Status.Terminal():
		writeJSON(w, http.StatusGone, errorBody{
			Error: fmt.Sprintf("job %s: %s", j.Status, j.Error),
			Kind:  string(j.Status),
		})
		return
	default:
		writeError(w, errors.Wrapf(errors.ErrNotReady,
			"job is %s in stage %s", j.Status, s.engine.StageName(j.StageIndex)))
		return
	}

	rc, size, err := s.blobs.Get(r.Context(), j.OutputRef)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Bindery-Ref", j.OutputRef)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Warnw("Result stream interrupted", "job_id", shortID(j.ID), "error", err)
	}
}

// handleCancel cancels a queued job. Once a worker holds the lease the job
// is in flight and cancellation is refused; terminal jobs cannot change.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if j.Status == job.StatusCancelled {
		writeJSON(w, http.StatusOK, s.jobView(j))
		return
	}
	if j.Status != job.StatusQueued {
		writeError(w, errors.Wrapf(errors.ErrConflict, "job is %s and cannot be cancelled", j.Status))
		return
	}

	j.Cancel("cancelled by client")
	if err := s.store.Cancel(r.Context(), j); err != nil {
		switch {
		case errors.Is(err, errors.ErrLeaseHeld):
			err = errors.Wrap(errors.ErrConflict, "job is being picked up by a worker")
		case errors.Is(err, errors.ErrStaleState):
			err = errors.Wrap(errors.ErrConflict, "job was picked up concurrently")
		}
		writeError(w, err)
		return
	}

	logger.Infow("Job cancelled", "job_id", shortID(id))
	writeJSON(w, http.StatusOK, s.jobView(j))
}

// healthResponse reports per-dependency liveness
type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// healthProbeTimeout bounds each dependency probe so a wedged connection
// degrades the health report instead of hanging it.
const healthProbeTimeout = 2 * time.Second

// handleHealth checks the state store and the artifact store. Unauthenticated
// so orchestrators can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: map[string]string{
		"state_store": "ok",
		"blob_store":  "ok",
	}}

	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["state_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.blobs.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["blob_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
