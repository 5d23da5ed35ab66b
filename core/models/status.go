package models

import (
	"errors"
	"fmt"
)

// Phase is the job status reported to the coordinator
type Phase string

const (
	PhasePreprocessing  Phase = "preprocessing"
	PhaseRunning        Phase = "running"
	PhasePostprocessing Phase = "postprocessing"
	PhaseFinished       Phase = "finished"
	PhaseError          Phase = "error"
)

// Valid reports whether the coordinator accepts this phase
func (p Phase) Valid() bool {
	switch p {
	case PhasePreprocessing, PhaseRunning, PhasePostprocessing, PhaseFinished, PhaseError:
		return true
	}
	return false
}

// ErrJobNotFound is returned when the coordinator no longer knows the job,
// usually because a user deleted it while it was being processed.
var ErrJobNotFound = errors.New("job not found")

// StatusReport is one status push to the coordinator
type StatusReport struct {
	Phase    Phase
	ExitCode *int
	Body     *string
}

// NewStatusReport builds a report without exit code or body
func NewStatusReport(phase Phase) StatusReport {
	return StatusReport{Phase: phase}
}

// WithExitCode returns a copy of the report carrying an exit code
func (r StatusReport) WithExitCode(code int) StatusReport {
	r.ExitCode = &code
	return r
}

// WithBody returns a copy of the report carrying a body
func (r StatusReport) WithBody(body string) StatusReport {
	r.Body = &body
	return r
}

func (r StatusReport) String() string {
	s := string(r.Phase)
	if r.ExitCode != nil {
		s += fmt.Sprintf("(%d", *r.ExitCode)
		if r.Body != nil {
			s += fmt.Sprintf(", %q", *r.Body)
		}
		s += ")"
	} else if r.Body != nil {
		s += fmt.Sprintf("(%q)", *r.Body)
	}
	return s
}
