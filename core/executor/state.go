package executor

import (
	"errors"
	"fmt"
	"strings"

	"gpu-job-fetcher/core/models"
)

// ErrUnexpectedContainerState is returned when the runtime reports a state the
// worker has no status for
var ErrUnexpectedContainerState = errors.New("unexpected container state")

// Container statuses reported by the runtime
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusExited     = "exited"
	StatusDead       = "dead"
)

// ContainerState is the last observed state of a container.
// ExitCode and Error are only meaningful once the container exited.
type ContainerState struct {
	Status   string
	Running  bool
	ExitCode *int
	Error    *string
}

func (s ContainerState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s running=%t", s.Status, s.Running)
	if s.ExitCode != nil {
		fmt.Fprintf(&b, " exit_code=%d", *s.ExitCode)
	}
	if s.Error != nil {
		fmt.Fprintf(&b, " error=%q", *s.Error)
	}
	return b.String()
}

// Exited reports whether the container stopped running
func (s ContainerState) Exited() bool {
	return s.Status == StatusExited
}

// Classify maps a container state to the status reported to the coordinator:
//
//	running                   -> running
//	exited, code 0            -> postprocessing(0)
//	exited, code E, error err -> error(E, err)
//
// Any other state is ErrUnexpectedContainerState.
func Classify(s ContainerState) (models.StatusReport, error) {
	switch {
	case s.Status == StatusRunning:
		return models.NewStatusReport(models.PhaseRunning), nil
	case s.Status == StatusExited && s.ExitCode != nil && *s.ExitCode == 0:
		return models.NewStatusReport(models.PhasePostprocessing).WithExitCode(0), nil
	case s.Status == StatusExited && s.ExitCode != nil && s.Error != nil:
		return models.NewStatusReport(models.PhaseError).WithExitCode(*s.ExitCode).WithBody(*s.Error), nil
	}
	return models.StatusReport{}, fmt.Errorf("%w: %s", ErrUnexpectedContainerState, s)
}
