package monitoring

import (
	"context"
	"log"
	"sync"

	"gpu-job-fetcher/core/executor"
	"gpu-job-fetcher/core/models"
)

// Reporter pushes status reports for one job
type Reporter interface {
	Ping(ctx context.Context, report models.StatusReport) error
}

// Status is what a pinger reports on every tick.
// Ping returns true once the status is terminal for the current phase.
type Status interface {
	Ping(ctx context.Context) (bool, error)
	status()
}

// ConstantStatus always reports the same phase and is never terminal
type ConstantStatus struct {
	phase    models.Phase
	reporter Reporter
}

// NewConstantStatus creates a status reporting phase on every ping
func NewConstantStatus(reporter Reporter, phase models.Phase) *ConstantStatus {
	return &ConstantStatus{phase: phase, reporter: reporter}
}

// Ping implements Status
func (s *ConstantStatus) Ping(ctx context.Context) (bool, error) {
	return false, s.reporter.Ping(ctx, models.NewStatusReport(s.phase))
}

func (*ConstantStatus) status() {}

// Refresher re-reads a container's state
type Refresher interface {
	Refresh(ctx context.Context, run *executor.ContainerRun) error
}

// ContainerStatus reports the classified state of a running container and
// becomes terminal once the container exited
type ContainerStatus struct {
	run       *executor.ContainerRun
	refresher Refresher
	reporter  Reporter

	mu   sync.Mutex
	last *models.StatusReport
}

// NewContainerStatus creates a status following run
func NewContainerStatus(reporter Reporter, refresher Refresher, run *executor.ContainerRun) *ContainerStatus {
	return &ContainerStatus{run: run, refresher: refresher, reporter: reporter}
}

// Ping implements Status
func (s *ContainerStatus) Ping(ctx context.Context) (bool, error) {
	if err := s.refresher.Refresh(ctx, s.run); err != nil {
		return false, err
	}
	report, err := executor.Classify(s.run.State)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	if report.Phase == models.PhaseError {
		log.Printf("Container %s exited with error code %d: %s", s.run.Name, *report.ExitCode, *report.Body)
	}
	if err := s.reporter.Ping(ctx, report); err != nil {
		return false, err
	}
	return report.Phase != models.PhaseRunning, nil
}

// Last returns the most recent classified report, if any
func (s *ContainerStatus) Last() (models.StatusReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.StatusReport{}, false
	}
	return *s.last, true
}

func (*ContainerStatus) status() {}
