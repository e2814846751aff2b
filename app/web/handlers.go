package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/hgollnick/sqlbatch/app/history"
	"github.com/hgollnick/sqlbatch/app/registry"
	"github.com/hgollnick/sqlbatch/app/runner"
)

// SubmitRequest is the JSON payload for batch submission
type SubmitRequest struct {
	SQLCommands []string `json:"sql_commands"`
	Sync        bool     `json:"sync"`
	WithRows    bool     `json:"with_rows"`
}

// SubmitAsyncResponse is returned for accepted async submissions
type SubmitAsyncResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// SubmitSyncResponse is returned when a sync submission finished
type SubmitSyncResponse struct {
	Status       string          `json:"status"`
	JobID        string          `json:"job_id"`
	Results      []runner.Record `json:"results"`
	SuccessCount int             `json:"success_count"`
	ErrorCount   int             `json:"error_count"`
}

// JobResponse is the poll response for a single job
type JobResponse struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	Results      []runner.Record `json:"results,omitempty"`
	Error        string          `json:"error,omitempty"`
	SuccessCount int             `json:"success_count,omitempty"`
	ErrorCount   int             `json:"error_count,omitempty"`
}

// HistoryResponse is the paginated history plus the running snapshot
type HistoryResponse struct {
	History    []runner.Record       `json:"history"`
	Running    []history.RunningInfo `json:"running"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	Total      int                   `json:"total"`
	TotalPages int                   `json:"total_pages"`
}

// handleSubmit accepts a batch, registers it and runs it inline or in the
// background. Validation failures are rejected before any state mutation.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SQLCommands == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'sql_commands' in request body")
		return
	}

	jobID := registry.NewID()
	if err := s.registry.Create(jobID); err != nil {
		log.Printf("[ERROR] failed to create job %s: %v", jobID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	// register every non-blank statement as running before execution starts.
	// tokens let completion remove exactly these entries even if another
	// batch runs the same statement text concurrently
	var tokens []string
	for i, command := range req.SQLCommands {
		if trimmed := strings.TrimSpace(command); trimmed != "" {
			token := jobID + "-" + strconv.Itoa(i)
			s.tracker.BeginRunning(token, trimmed)
			tokens = append(tokens, token)
		}
	}

	if req.Sync {
		s.executeBatch(r.Context(), jobID, req.SQLCommands, tokens, req.WithRows)
		job, ok := s.registry.Get(jobID)
		if !ok { // can't happen, the job was just created and is never deleted
			s.writeJSONError(w, http.StatusInternalServerError, "job disappeared")
			return
		}
		if job.Status == registry.StatusError {
			s.writeJSON(w, http.StatusInternalServerError, JobResponse{
				JobID:  jobID,
				Status: string(job.Status),
				Error:  job.Error,
			})
			return
		}
		success, failed := countStatuses(job.Results)
		s.writeJSON(w, http.StatusOK, SubmitSyncResponse{
			Status:       string(job.Status),
			JobID:        jobID,
			Results:      job.Results,
			SuccessCount: success,
			ErrorCount:   failed,
		})
		return
	}

	// async path: spawn an independent unit of work, do not tie it to the
	// request context
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	exec := func() { s.executeBatch(ctx, jobID, req.SQLCommands, tokens, req.WithRows) }
	if s.pool != nil {
		s.pool.Go(func(context.Context) { exec() })
	} else {
		go exec()
	}

	s.writeJSON(w, http.StatusAccepted, SubmitAsyncResponse{
		Status:  string(registry.StatusInProgress),
		JobID:   jobID,
		Message: "commands accepted for execution",
	})
}

// executeBatch runs the batch and finalizes tracker and registry state.
// Per-statement errors still complete the job, only batch-level faults
// (acquisition failure or anything escaping the runner) fail it.
func (s *Server) executeBatch(ctx context.Context, jobID string, commands, tokens []string, withRows bool) {
	var records []runner.Record
	var err error
	if withRows {
		records, err = s.runner.RunWithRows(ctx, commands)
	} else {
		records, err = s.runner.Run(ctx, commands)
	}

	s.tracker.Append(records)
	for _, token := range tokens {
		if !s.tracker.EndRunningToken(token) {
			log.Printf("[DEBUG] running entry %s already removed", token)
		}
	}

	if err != nil {
		log.Printf("[ERROR] batch %s failed: %v", jobID, err)
		if e := s.registry.Fail(jobID, err.Error()); e != nil {
			log.Printf("[WARN] failed to mark job %s failed: %v", jobID, e)
		}
		go s.notifyCompletion(jobID)
		return
	}

	success, failed := countStatuses(records)
	log.Printf("[INFO] batch %s completed, successful: %d, failed: %d", jobID, success, failed)
	if e := s.registry.Complete(jobID, records); e != nil {
		log.Printf("[WARN] failed to mark job %s completed: %v", jobID, e)
	}
	go s.notifyCompletion(jobID)
}

// notifyCompletion posts a summary to the configured webhook, detached from
// the request so delivery latency never delays the caller. Failures are
// logged only, notification never affects job state.
func (s *Server) notifyCompletion(jobID string) {
	if s.webhookURL == "" || s.notifier == nil {
		return
	}

	job, ok := s.registry.Get(jobID)
	if !ok {
		return
	}
	success, failed := countStatuses(job.Results)
	payload, err := json.Marshal(map[string]any{
		"job_id":        job.ID,
		"status":        job.Status,
		"success_count": success,
		"error_count":   failed,
	})
	if err != nil {
		log.Printf("[WARN] failed to marshal notification for job %s: %v", jobID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Send(ctx, s.webhookURL, string(payload)); err != nil {
		log.Printf("[WARN] failed to notify on job %s: %v", jobID, err)
	}
}

// handleJobStatus returns the current status and result of a job
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, ok := s.registry.Get(jobID)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := JobResponse{JobID: job.ID, Status: string(job.Status), Error: job.Error}
	if job.Status == registry.StatusCompleted {
		resp.Results = job.Results
		resp.SuccessCount, resp.ErrorCount = countStatuses(job.Results)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHistory returns a page of the completed log plus the running
// snapshot. Pagination parameters are validated before any tracker access.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, err := positiveIntParam(r, "page", 1)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid 'page' parameter")
		return
	}
	pageSize, err := positiveIntParam(r, "page_size", 20)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid 'page_size' parameter")
		return
	}

	records := s.tracker.Read()
	total := len(records)
	totalPages := 0
	if total > 0 {
		totalPages = (total-1)/pageSize + 1
	}

	// pages past the end are empty, and bounds are computed without
	// multiplying arbitrary user input to avoid integer overflow
	start := total
	if page <= totalPages {
		start = (page - 1) * pageSize
	}
	end := start + pageSize
	if end > total || end < start {
		end = total
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{
		History:    records[start:end],
		Running:    s.tracker.ReadRunning(),
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	})
}

// handleClear empties the history and running logs, idempotent
func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.tracker.Clear()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "command history cleared",
	})
}

// handleHealth reports service health with history counters
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"version":       s.version,
		"history_count": len(s.tracker.Read()),
		"running_count": len(s.tracker.ReadRunning()),
	})
}

// positiveIntParam parses a positive integer query parameter with a default
func positiveIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func countStatuses(records []runner.Record) (success, failed int) {
	for _, rec := range records {
		switch rec.Status {
		case runner.StatusSuccess:
			success++
		case runner.StatusError:
			failed++
		}
	}
	return success, failed
}

