package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// JobSpecs describes a job claimed from the coordinator.
// It is read-only to the worker and discarded once the job completes.
type JobSpecs struct {
	App      AppSpecs      `json:"app" yaml:"app"`
	Handler  HandlerSpecs  `json:"handler" yaml:"handler"`
	Meta     MetaSpecs     `json:"meta" yaml:"meta"`
	Hardware HardwareSpecs `json:"hardware" yaml:"hardware"`
}

// AppSpecs is what runs inside the container
type AppSpecs struct {
	Cmd []string          `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// HandlerSpecs tells the worker how to stage and run the job
type HandlerSpecs struct {
	ImageURL     string `json:"image_url" yaml:"image_url"`
	ImageName    string `json:"image_name,omitempty" yaml:"image_name,omitempty"`
	ImageVersion string `json:"image_version,omitempty" yaml:"image_version,omitempty"`
	Entrypoint   string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// FilesDown maps a job-relative path to a coordinator file id
	FilesDown map[string]string `json:"files_down,omitempty" yaml:"files_down,omitempty"`
	// FilesUp maps an upload category to a job-relative base path
	FilesUp map[FileType]string `json:"files_up,omitempty" yaml:"files_up,omitempty"`
}

// MetaSpecs carries coordinator bookkeeping; unknown fields are preserved.
type MetaSpecs map[string]interface{}

// HardwareSpecs are the hints the coordinator used to match the job to this worker
type HardwareSpecs struct {
	CPUCores *int    `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	Memory   *int    `json:"memory,omitempty" yaml:"memory,omitempty"` // MB
	GPUModel *string `json:"gpu_model,omitempty" yaml:"gpu_model,omitempty"`
	GPUArchi *string `json:"gpu_archi,omitempty" yaml:"gpu_archi,omitempty"`
	GPUMem   *int    `json:"gpu_mem,omitempty" yaml:"gpu_mem,omitempty"` // MB
}

// FileType is an upload category
type FileType string

const (
	FileTypeArtifact FileType = "artifact"
	FileTypeOutput   FileType = "output"
	FileTypeLog      FileType = "log"
)

// Valid reports whether the coordinator accepts uploads of this category
func (t FileType) Valid() bool {
	switch t {
	case FileTypeArtifact, FileTypeOutput, FileTypeLog:
		return true
	}
	return false
}

// Validate checks the parts of a job the worker cannot run without
func (j *JobSpecs) Validate() error {
	if j.Handler.ImageURL == "" {
		return fmt.Errorf("handler.image_url is required")
	}
	for t := range j.Handler.FilesUp {
		if !t.Valid() {
			return fmt.Errorf("unknown upload category %q", t)
		}
	}
	return nil
}

// UploadCategories returns the upload categories in a stable order
func (j *JobSpecs) UploadCategories() []FileType {
	types := make([]FileType, 0, len(j.Handler.FilesUp))
	for t := range j.Handler.FilesUp {
		types = append(types, t)
	}
	sort.Slice(types, func(a, b int) bool { return types[a] < types[b] })
	return types
}

// DecodeJobs decodes a /jobs response body
func DecodeJobs(data []byte) (map[string]JobSpecs, error) {
	jobs := make(map[string]JobSpecs)
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

// FetchParams are the capability filters sent when asking for work
type FetchParams struct {
	Limit     int
	Hostname  string
	CPUCores  int
	Memory    int // MB
	GPUModel  *string
	GPUMemory *int // MB
}

// TransferInstructions tell the worker where and how to move bytes
type TransferInstructions struct {
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Data   map[string]string `json:"data,omitempty"`
}
