package spec

import (
	"fmt"
	"os"
	"path/filepath"

	"gpu-job-fetcher/core/models"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML document describing jobs and input files for a coordinator
//
//	jobs:
//	  a6:
//	    app: {cmd: [...], env: {...}}
//	    handler: {image_url: ..., files_down: {...}, files_up: {...}}
//	files:
//	  config_a6: ./config.yaml
type Seed struct {
	Jobs  map[string]models.JobSpecs `yaml:"jobs"`
	Files map[string]string          `yaml:"files"` // file id -> path, relative to the seed file
}

// ParseJobSpec parses a single YAML job specification
func ParseJobSpec(specYAML string) (*models.JobSpecs, error) {
	var job models.JobSpecs
	if err := yaml.Unmarshal([]byte(specYAML), &job); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyDefaults(&job)
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}
	return &job, nil
}

// ParseSeed parses a seed document; file paths are resolved against baseDir
func ParseSeed(data []byte, baseDir string) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for id, job := range seed.Jobs {
		applyDefaults(&job)
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("invalid job %s: %w", id, err)
		}
		seed.Jobs[id] = job
	}
	for id, path := range seed.Files {
		if !filepath.IsAbs(path) {
			seed.Files[id] = filepath.Join(baseDir, path)
		}
	}
	return &seed, nil
}

// LoadSeed reads a seed document from disk
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(data, filepath.Dir(path))
}

// applyDefaults builds image_url from name and version when only those are given
func applyDefaults(job *models.JobSpecs) {
	h := &job.Handler
	if h.ImageURL == "" && h.ImageName != "" {
		h.ImageURL = h.ImageName
		if h.ImageVersion != "" {
			h.ImageURL += ":" + h.ImageVersion
		}
	}
	if job.Meta == nil {
		job.Meta = models.MetaSpecs{}
	}
}
