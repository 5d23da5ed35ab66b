package executor

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"gpu-job-fetcher/core/models"

	"github.com/google/uuid"
)

// Mount binds a host path into the container
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// DeviceGrant requests devices from the runtime.
// A Count of -1 requests every device of the kind.
type DeviceGrant struct {
	Driver       string
	DeviceIDs    []string
	Count        int
	Capabilities []string
}

// LaunchSpec is everything needed to start a job's container
type LaunchSpec struct {
	JobID      string
	Image      string
	Entrypoint string
	Command    []string
	Env        map[string]string
	Mounts     []Mount
	Devices    []DeviceGrant
}

// Runtime is the container engine the supervisor drives
type Runtime interface {
	PullImage(ctx context.Context, ref string) error
	Create(ctx context.Context, name string, spec LaunchSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string) (string, error)
	Kill(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// ContainerRun is a launched job container
type ContainerRun struct {
	ID    string
	Name  string
	Image string
	State ContainerState
}

// Supervisor runs job containers
type Supervisor struct {
	runtime Runtime
}

// NewSupervisor creates a supervisor over the given runtime
func NewSupervisor(runtime Runtime) *Supervisor {
	return &Supervisor{runtime: runtime}
}

// EnsureImage pulls the image. Pulling a current image is cheap, so it is
// always attempted.
func (s *Supervisor) EnsureImage(ctx context.Context, ref string) error {
	log.Printf("Pulling image %s", ref)
	if err := s.runtime.PullImage(ctx, ref); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Launch creates and starts the container detached.
// A run is returned whenever a container exists, even alongside an error,
// so the caller can clean it up.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (*ContainerRun, error) {
	name := ContainerName(spec.JobID)
	id, err := s.runtime.Create(ctx, name, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	run := &ContainerRun{ID: id, Name: name, Image: spec.Image}

	if err := s.runtime.Start(ctx, id); err != nil {
		return run, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	log.Printf("Started container %s (%s) for job %s", name, shortID(id), spec.JobID)

	if err := s.Refresh(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// Refresh re-reads the container state from the runtime
func (s *Supervisor) Refresh(ctx context.Context, run *ContainerRun) error {
	state, err := s.runtime.Inspect(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", run.Name, err)
	}
	run.State = state
	return nil
}

// Wait blocks until the container exits and returns its exit code
func (s *Supervisor) Wait(ctx context.Context, run *ContainerRun) (int, error) {
	code, err := s.runtime.Wait(ctx, run.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for container %s: %w", run.Name, err)
	}
	return code, nil
}

// Logs returns the combined stdout and stderr of the container
func (s *Supervisor) Logs(ctx context.Context, run *ContainerRun) (string, error) {
	logs, err := s.runtime.Logs(ctx, run.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read logs of container %s: %w", run.Name, err)
	}
	return logs, nil
}

// Kill kills the container if it is still running
func (s *Supervisor) Kill(ctx context.Context, run *ContainerRun) error {
	if err := s.Refresh(ctx, run); err == nil && !run.State.Running {
		return nil
	}
	if err := s.runtime.Kill(ctx, run.ID); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", run.Name, err)
	}
	log.Printf("Killed container %s", run.Name)
	return nil
}

// Cleanup stops and removes the container. Failures are logged and never
// block the next job.
func (s *Supervisor) Cleanup(ctx context.Context, run *ContainerRun) {
	if run == nil {
		return
	}
	if err := s.runtime.Stop(ctx, run.ID); err != nil {
		log.Printf("Failed to stop container %s: %v", run.Name, err)
	}
	if err := s.runtime.Remove(ctx, run.ID); err != nil {
		log.Printf("Failed to remove container %s: %v", run.Name, err)
	}
}

// DeviceGrants requests the given GPUs. GPUs without a UUID cannot be
// addressed individually, so every GPU is requested instead.
func DeviceGrants(gpus []models.GPUInfo) []DeviceGrant {
	if len(gpus) == 0 {
		return nil
	}
	ids := make([]string, 0, len(gpus))
	for _, gpu := range gpus {
		if gpu.UUID == "" {
			return []DeviceGrant{{Count: -1, Capabilities: []string{"gpu"}}}
		}
		ids = append(ids, gpu.UUID)
	}
	return []DeviceGrant{{DeviceIDs: ids, Capabilities: []string{"gpu"}}}
}

// ShellCommand runs the job command through a shell so arguments may use
// shell syntax. An empty command keeps the image default.
func ShellCommand(entrypoint string, cmd []string) []string {
	parts := cmd
	if entrypoint != "" {
		parts = append([]string{entrypoint}, cmd...)
	}
	if len(parts) == 0 {
		return nil
	}
	return []string{"/bin/sh", "-c", strings.Join(parts, " ")}
}

var invalidName = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName returns a unique container name for a job
func ContainerName(jobID string) string {
	return fmt.Sprintf("fetcher-%s-%s", invalidName.ReplaceAllString(jobID, "-"), uuid.NewString()[:8])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
