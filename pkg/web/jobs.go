package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func (t api) jobsAvailable(w http.ResponseWriter) bool {
	if t.svc.Jobs() == nil {
		sendErrorResponse(w, http.StatusServiceUnavailable, "Job manager unavailable")
		return false
	}
	return true
}

// Get all jobs
func (t api) getJobs(w http.ResponseWriter, r *http.Request) {
	if !t.jobsAvailable(w) {
		return
	}
	jobs, err := t.svc.Jobs().GetAllJobs()
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve jobs")
		return
	}

	sendResponse(w, map[string]interface{}{
		"success": true,
		"jobs":    jobs,
	})
}

// Get a single job by ID
func (t api) getJob(w http.ResponseWriter, r *http.Request) {
	if !t.jobsAvailable(w) {
		return
	}
	jobID := r.PathValue("jobID")
	if jobID == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Job ID required")
		return
	}

	job, err := t.svc.Jobs().GetJob(jobID)
	if err != nil {
		sendErrorResponse(w, http.StatusNotFound, "Job not found")
		return
	}

	sendResponse(w, map[string]interface{}{
		"success": true,
		"job":     job,
	})
}

// Get recent jobs, newest first
func (t api) getRecentJobs(w http.ResponseWriter, r *http.Request) {
	if !t.jobsAvailable(w) {
		return
	}
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	jobs, err := t.svc.Jobs().GetRecentJobs(limit)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve recent jobs")
		return
	}

	sendResponse(w, map[string]interface{}{
		"success": true,
		"jobs":    jobs,
	})
}

// Clear finished jobs, optionally only those older than a number of days
func (t api) clearCompletedJobs(w http.ResponseWriter, r *http.Request) {
	if !t.jobsAvailable(w) {
		return
	}
	var req struct {
		OlderThanDays int `json:"olderThanDays"`
	}
	// an empty body clears everything
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.OlderThanDays < 0 {
		req.OlderThanDays = 0
	}

	count, err := t.svc.Jobs().ClearCompletedJobs(time.Duration(req.OlderThanDays) * 24 * time.Hour)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to clear jobs")
		return
	}

	sendResponse(w, map[string]interface{}{
		"success": true,
		"cleared": count,
	})
}

func (t api) getState(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, map[string]interface{}{
		"success": true,
		"busy":    t.svc.Busy(),
		"state":   t.svc.State(),
	})
}
