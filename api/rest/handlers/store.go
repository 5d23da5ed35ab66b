package handlers

import (
	"sort"
	"sync"
	"time"

	"gpu-job-fetcher/core/models"
)

// StatusUpdate is one status push received for a job
type StatusUpdate struct {
	Phase          models.Phase `json:"status"`
	ExitCode       *int         `json:"exit_code"`
	RuntimeDetails *string      `json:"runtime_details"`
	At             time.Time    `json:"at"`
}

// Upload is a file received from a worker
type Upload struct {
	JobID    string          `json:"job_id"`
	Type     models.FileType `json:"type"`
	BasePath string          `json:"base_path"`
	Data     []byte          `json:"-"`
	Size     int             `json:"size"`
}

type jobRecord struct {
	spec     models.JobSpecs
	claimed  bool
	deleted  bool
	worker   string
	statuses []StatusUpdate
}

// Store is the in-memory state of the mock coordinator
type Store struct {
	mu      sync.Mutex
	order   []string
	jobs    map[string]*jobRecord
	files   map[string][]byte
	pending map[string]Upload
	uploads []Upload
	access  map[string]interface{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*jobRecord),
		files:   make(map[string][]byte),
		pending: make(map[string]Upload),
		access: map[string]interface{}{
			"cognito": map[string]string{},
		},
	}
}

// AddJob queues a job for claiming
func (s *Store) AddJob(id string, spec models.JobSpecs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		s.order = append(s.order, id)
	}
	s.jobs[id] = &jobRecord{spec: spec}
}

// AddFile registers downloadable content under a file id
func (s *Store) AddFile(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = data
}

// SetAccessInfo replaces the document served on /access_info
func (s *Store) SetAccessInfo(info map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = info
}

// DeleteJob marks a job deleted; later status pushes get a 404
func (s *Store) DeleteJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.deleted {
		return false
	}
	rec.deleted = true
	return true
}

// Statuses returns the status pushes received for a job, oldest first
func (s *Store) Statuses(id string) []StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return append([]StatusUpdate(nil), rec.statuses...)
}

// Uploads returns the files received for a job sorted by category and path
func (s *Store) Uploads(id string) []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Upload
	for _, u := range s.uploads {
		if u.JobID == id {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].BasePath < out[j].BasePath
	})
	return out
}

// claim hands out up to limit unclaimed jobs that fit the worker
func (s *Store) claim(limit int, worker string, params models.FetchParams) map[string]models.JobSpecs {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.JobSpecs)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		rec := s.jobs[id]
		if rec.claimed || rec.deleted || !fits(rec.spec.Hardware, params) {
			continue
		}
		rec.claimed = true
		rec.worker = worker
		out[id] = rec.spec
	}
	return out
}

func fits(hw models.HardwareSpecs, params models.FetchParams) bool {
	if hw.CPUCores != nil && *hw.CPUCores > params.CPUCores {
		return false
	}
	if hw.Memory != nil && *hw.Memory > params.Memory {
		return false
	}
	if hw.GPUModel != nil && (params.GPUModel == nil || *params.GPUModel != *hw.GPUModel) {
		return false
	}
	if hw.GPUMem != nil && (params.GPUMemory == nil || *params.GPUMemory < *hw.GPUMem) {
		return false
	}
	return true
}

// live returns the job record if it can still receive updates
func (s *Store) live(id string) (*jobRecord, bool) {
	rec, ok := s.jobs[id]
	if !ok || rec.deleted {
		return nil, false
	}
	return rec, true
}
