package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// StagingArea is the worker-local directory holding one job's inputs and outputs.
// The same directory is seen by the container host under hostPath.
type StagingArea struct {
	jobID    string
	path     string
	hostPath string
}

// NewStagingArea names the staging directory of a job under base and hostBase
func NewStagingArea(base, hostBase, jobID string) (*StagingArea, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("job id %q is not a valid directory name", jobID)
	}
	return &StagingArea{
		jobID:    jobID,
		path:     filepath.Join(base, jobID),
		hostPath: filepath.Join(hostBase, jobID),
	}, nil
}

// JobID returns the job owning the area
func (s *StagingArea) JobID() string {
	return s.jobID
}

// Path returns the directory as seen by the worker
func (s *StagingArea) Path() string {
	return s.path
}

// HostPath returns the directory as seen by the container host
func (s *StagingArea) HostPath() string {
	return s.hostPath
}

// Join resolves a job-relative path inside the area
func (s *StagingArea) Join(rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathNotUnderRoot, rel)
	}
	return filepath.Join(s.path, rel), nil
}

// Create makes the staging directory
func (s *StagingArea) Create() error {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("failed to create staging area: %w", err)
	}
	return nil
}

// Exists reports whether the directory is present
func (s *StagingArea) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Remove deletes the directory tree. Removing an absent area is not an error.
func (s *StagingArea) Remove() error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("failed to remove staging area %s: %w", s.path, err)
	}
	return nil
}
