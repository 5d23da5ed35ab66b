package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"gpu-job-fetcher/core/models"

	"github.com/gorilla/mux"
)

// JobHandler serves the worker-facing job endpoints
type JobHandler struct {
	store *Store
}

// NewJobHandler creates a new job handler
func NewJobHandler(store *Store) *JobHandler {
	return &JobHandler{store: store}
}

// AccessInfo handles GET /access_info
func (h *JobHandler) AccessInfo(w http.ResponseWriter, r *http.Request) {
	h.store.mu.Lock()
	info := h.store.access
	h.store.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

// FetchJobs handles GET /jobs
func (h *JobHandler) FetchJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 {
		http.Error(w, "limit must be a positive integer", http.StatusUnprocessableEntity)
		return
	}
	params := models.FetchParams{Limit: limit, Hostname: q.Get("hostname")}
	if params.CPUCores, err = strconv.Atoi(q.Get("cpu_cores")); err != nil {
		http.Error(w, "cpu_cores is required", http.StatusUnprocessableEntity)
		return
	}
	if params.Memory, err = strconv.Atoi(q.Get("memory")); err != nil {
		http.Error(w, "memory is required", http.StatusUnprocessableEntity)
		return
	}
	if v := q.Get("gpu_model"); v != "" {
		params.GPUModel = &v
	}
	if v := q.Get("gpu_memory"); v != "" {
		mem, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "gpu_memory must be an integer", http.StatusUnprocessableEntity)
			return
		}
		params.GPUMemory = &mem
	}

	writeJSON(w, http.StatusOK, h.store.claim(limit, params.Hostname, params))
}

type statusRequest struct {
	ExitCode       *int    `json:"exit_code"`
	RuntimeDetails *string `json:"runtime_details"`
}

// PushStatus handles PUT /jobs/{id}/status
func (h *JobHandler) PushStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	phase := models.Phase(r.URL.Query().Get("status"))
	if !phase.Valid() {
		http.Error(w, "Invalid status", http.StatusUnprocessableEntity)
		return
	}
	var req statusRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	h.store.mu.Lock()
	rec, ok := h.store.live(jobID)
	if ok {
		rec.statuses = append(rec.statuses, StatusUpdate{
			Phase:          phase,
			ExitCode:       req.ExitCode,
			RuntimeDetails: req.RuntimeDetails,
			At:             time.Now(),
		})
	}
	h.store.mu.Unlock()

	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": jobID, "status": phase})
}

// GetStatus handles GET /jobs/{id}/status
func (h *JobHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	h.store.mu.Lock()
	_, ok := h.store.jobs[jobID]
	h.store.mu.Unlock()
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": h.store.Statuses(jobID)})
}

// DeleteJob handles DELETE /jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !h.store.DeleteJob(jobID) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
