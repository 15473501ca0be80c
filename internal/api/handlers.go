package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"backline/internal/models"
)

func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueueJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	type request struct {
		OrganizationID int64           `json:"organization_id"`
		JobType        string          `json:"job_type"`
		Payload        json.RawMessage `json:"payload"`
		TotalItems     int             `json:"total_items"`
	}

	var body request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if body.OrganizationID == 0 {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}
	if strings.TrimSpace(body.JobType) == "" {
		writeError(w, http.StatusBadRequest, "job_type is required")
		return
	}
	if body.TotalItems < 0 {
		writeError(w, http.StatusBadRequest, "total_items must not be negative")
		return
	}

	payload := "{}"
	if len(body.Payload) > 0 {
		payload = string(body.Payload)
	}

	job := &models.BatchJob{
		OrganizationID: body.OrganizationID,
		JobType:        body.JobType,
		Payload:        payload,
		TotalItems:     body.TotalItems,
	}
	if err := s.db.EnqueueBatchJob(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue batch job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	orgID, err := strconv.ParseInt(r.URL.Query().Get("organization_id"), 10, 64)
	if err != nil || orgID <= 0 {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	jobs, err := s.db.ListBatchJobs(r.Context(), orgID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Int64("organization_id", orgID).Msg("failed to list batch jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJob routes /api/v1/jobs/{id}, /api/v1/jobs/{id}/events and
// /api/v1/jobs/{id}/report.
func (s *HTTPServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	jobID, suffix, _ := strings.Cut(rest, "/")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	switch suffix {
	case "":
		s.handleJobStatus(w, r, jobID)
	case "events":
		s.handleJobEvents(w, r, jobID)
	case "report":
		s.handleJobReport(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	snap, err := s.reporter.CachedSnapshot(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load snapshot")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleJobEvents streams progress snapshots as server-sent events until
// the job reaches a terminal status.
func (s *HTTPServer) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, stop, err := s.reporter.Watch(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleJobReport(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.db.GetBatchJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load job for report")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	path, err := s.exporter.JobReport(job)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to build report")
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job_%s.xlsx"`, jobID))
	http.ServeFile(w, r, path)
}

func (s *HTTPServer) handleSyncEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		OrganizationID int64    `json:"organization_id"`
		EntityType     string   `json:"entity_type"`
		Handler        string   `json:"handler"`
		Direction      string   `json:"direction"`
		EntityIDs      []string `json:"entity_ids"`
		Priority       int      `json:"priority"`
		// Optional per-job retry ceiling. Zero leaves the worker's
		// configured limit in charge.
		MaxRetries int `json:"max_retries"`
	}

	var body request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if body.OrganizationID == 0 {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}
	if strings.TrimSpace(body.EntityType) == "" {
		writeError(w, http.StatusBadRequest, "entity_type is required")
		return
	}
	direction := models.SyncDirection(body.Direction)
	if !direction.Valid() {
		writeError(w, http.StatusBadRequest, "direction must be pull or push")
		return
	}
	if body.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "max_retries must not be negative")
		return
	}

	handler := strings.TrimSpace(body.Handler)
	if handler == "" {
		handler = fmt.Sprintf("%s_%s", body.EntityType, direction)
	}

	job := &models.SyncQueueJob{
		OrganizationID: body.OrganizationID,
		EntityType:     body.EntityType,
		Handler:        handler,
		Direction:      direction,
		EntityIDs:      body.EntityIDs,
		Priority:       body.Priority,
		MaxRetries:     body.MaxRetries,
	}
	if err := s.db.EnqueueSyncJob(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue sync job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue sync job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID})
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobs, err := s.db.GetDeadLetteredSyncJobs(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list dead letters")
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
