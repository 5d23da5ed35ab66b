package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"gpu-job-fetcher/core/executor"
	"gpu-job-fetcher/core/models"
	"gpu-job-fetcher/core/monitoring"
	"gpu-job-fetcher/storage"
)

// ErrClaimProtocolViolation is returned when the coordinator hands out more
// jobs than were asked for
var ErrClaimProtocolViolation = errors.New("coordinator returned more than one job")

var errMaxRunDuration = errors.New("maximum run duration exceeded")

// cleanupTimeout bounds teardown once the job context is gone
const cleanupTimeout = 60 * time.Second

// State is the phase of the job lifecycle the runner is in
type State string

const (
	StateIdle           State = "idle"
	StateClaiming       State = "claiming"
	StatePreprocessing  State = "preprocessing"
	StateRunning        State = "running"
	StatePostprocessing State = "postprocessing"
	StateFinalizing     State = "finalizing"
	StateAborting       State = "aborting"
)

// JobSource hands out claimable jobs
type JobSource interface {
	FetchJobs(ctx context.Context, params models.FetchParams) (map[string]models.JobSpecs, error)
}

// JobClient is the coordinator scoped to one claimed job
type JobClient interface {
	monitoring.Reporter
	storage.FileClient
}

// Options configure the job loop
type Options struct {
	PollInterval   time.Duration // sleep when no job is available
	StatusInterval time.Duration // heartbeat during pre- and postprocessing
	RunInterval    time.Duration // container state check while running
	MaxRunDuration time.Duration // 0 lets containers run indefinitely
	PathBase       string
	PathHostBase   string
	MountPath      string
	LogTailChars   int
}

// Runner claims jobs one at a time and drives each through its lifecycle
type Runner struct {
	source     JobSource
	jobClient  func(jobID string) JobClient
	supervisor *executor.Supervisor
	info       *models.SystemInfo
	opts       Options

	mu    sync.Mutex
	state State
	jobID string

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewRunner creates a new runner
func NewRunner(
	source JobSource,
	jobClient func(jobID string) JobClient,
	supervisor *executor.Supervisor,
	info *models.SystemInfo,
	opts Options,
) *Runner {
	return &Runner{
		source:     source,
		jobClient:  jobClient,
		supervisor: supervisor,
		info:       info,
		opts:       opts,
		state:      StateIdle,
		stopChan:   make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// JobID returns the job being processed, or "" when idle
func (r *Runner) JobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobID
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start runs the job loop until the context is cancelled, Stop is called or
// a fatal error occurs. A job in progress is finished before Stop takes effect.
func (r *Runner) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopChan:
			return nil
		default:
		}

		claimed, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.stopChan:
			return nil
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// Stop makes Start return after the current job
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// RunOnce claims at most one job and processes it. It reports whether a
// job was claimed; a returned error is fatal to the worker.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	r.setState(StateClaiming)
	jobs, err := r.source.FetchJobs(ctx, r.info.FetchParams(1))
	if err != nil {
		r.setState(StateIdle)
		return false, fmt.Errorf("failed to fetch jobs: %w", err)
	}
	switch len(jobs) {
	case 0:
		r.setState(StateIdle)
		return false, nil
	case 1:
	default:
		r.setState(StateIdle)
		ids := make([]string, 0, len(jobs))
		for id := range jobs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return false, fmt.Errorf("%w: got %s", ErrClaimProtocolViolation, strings.Join(ids, ", "))
	}

	for id, spec := range jobs {
		return true, r.process(ctx, id, spec)
	}
	return false, nil
}

// jobRun is the state owned by one claimed job
type jobRun struct {
	id        string
	spec      models.JobSpecs
	client    JobClient
	area      *storage.StagingArea
	transfers *storage.Transfers
	container *executor.ContainerRun
	status    *monitoring.ContainerStatus
	exitCode  int
}

func (r *Runner) process(ctx context.Context, id string, spec models.JobSpecs) error {
	log.Printf("Pulled job %s", id)
	r.mu.Lock()
	r.jobID = id
	r.mu.Unlock()

	job := &jobRun{id: id, spec: spec, client: r.jobClient(id)}
	defer r.finalize(ctx, job)

	err := r.execute(ctx, job)
	return r.handleError(ctx, job, err)
}

func (r *Runner) execute(ctx context.Context, job *jobRun) error {
	if err := r.preprocess(ctx, job); err != nil {
		return err
	}
	if err := r.run(ctx, job); err != nil {
		return err
	}
	if err := r.postprocess(ctx, job); err != nil {
		return err
	}
	return r.report(ctx, job)
}

func (r *Runner) preprocess(ctx context.Context, job *jobRun) error {
	r.setState(StatePreprocessing)
	log.Printf("Preprocessing job %s", job.id)

	area, err := storage.NewStagingArea(r.opts.PathBase, r.opts.PathHostBase, job.id)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrDownloadFailure, err)
	}
	transfers, err := storage.MapTransfers(job.spec, area, job.client)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrDownloadFailure, err)
	}
	job.area = area
	job.transfers = transfers
	if err := area.Create(); err != nil {
		return err
	}

	return r.withHeartbeat(ctx, job, models.PhasePreprocessing, func(ctx context.Context) error {
		for _, d := range transfers.Downloads {
			if err := d.Get(ctx); err != nil {
				return err
			}
		}
		for _, u := range transfers.Uploads {
			if err := u.Mkdir(); err != nil {
				return fmt.Errorf("failed to create %s: %w", u.Path, err)
			}
		}
		return nil
	})
}

func (r *Runner) run(ctx context.Context, job *jobRun) error {
	r.setState(StateRunning)

	if err := r.supervisor.EnsureImage(ctx, job.spec.Handler.ImageURL); err != nil {
		return err
	}
	run, err := r.supervisor.Launch(ctx, executor.LaunchSpec{
		JobID:      job.id,
		Image:      job.spec.Handler.ImageURL,
		Entrypoint: job.spec.Handler.Entrypoint,
		Command:    job.spec.App.Cmd,
		Env:        job.spec.App.Env,
		Mounts: []executor.Mount{
			// the source must be a host path: the worker itself may run in a container
			{Source: job.area.HostPath(), Target: r.opts.MountPath},
		},
		Devices: executor.DeviceGrants(r.info.GPUs),
	})
	job.container = run
	if err != nil {
		return err
	}
	log.Printf("Running job %s", job.id)

	job.status = monitoring.NewContainerStatus(job.client, r.supervisor, run)
	runCtx := ctx
	if r.opts.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, r.opts.MaxRunDuration, errMaxRunDuration)
		defer cancel()
	}

	err = monitoring.NewSerialPinger(job.status, r.opts.RunInterval).Run(runCtx)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(runCtx), errMaxRunDuration) {
		log.Printf("Job %s exceeded %s, killing container %s", job.id, r.opts.MaxRunDuration, run.Name)
		if err := r.supervisor.Kill(ctx, run); err != nil {
			return err
		}
		if _, err := r.supervisor.Wait(ctx, run); err != nil {
			return err
		}
		// report the state the kill left behind
		_, err = job.status.Ping(ctx)
	}
	if err != nil {
		return err
	}

	code, err := r.supervisor.Wait(ctx, run)
	if err != nil {
		return err
	}
	job.exitCode = code
	log.Printf("Job %s finished with exit code %d", job.id, code)
	return nil
}

func (r *Runner) postprocess(ctx context.Context, job *jobRun) error {
	r.setState(StatePostprocessing)
	log.Printf("Postprocessing job %s", job.id)

	return r.withHeartbeat(ctx, job, models.PhasePostprocessing, func(ctx context.Context) error {
		for _, u := range job.transfers.Uploads {
			files, err := u.Files()
			if err != nil {
				return fmt.Errorf("%w: %s: %w", storage.ErrUploadFailure, u.Path, err)
			}
			for _, f := range files {
				if err := f.Push(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *Runner) report(ctx context.Context, job *jobRun) error {
	r.setState(StateFinalizing)
	if job.exitCode == 0 {
		return job.client.Ping(ctx, models.NewStatusReport(models.PhaseFinished).WithExitCode(0).WithBody(""))
	}
	body := r.errorBody(ctx, job)
	return job.client.Ping(ctx, models.NewStatusReport(models.PhaseError).WithExitCode(job.exitCode).WithBody(body))
}

// errorBody is the container's error detail followed by the tail of its logs
func (r *Runner) errorBody(ctx context.Context, job *jobRun) string {
	var parts []string
	if last, ok := job.status.Last(); ok && last.Body != nil && *last.Body != "" {
		parts = append(parts, *last.Body)
	}
	logs, err := r.supervisor.Logs(ctx, job.container)
	if err != nil {
		log.Printf("WARNING: %v", err)
	} else if logs != "" {
		parts = append(parts, "Logs:\n"+tail(logs, r.opts.LogTailChars))
	}
	return strings.Join(parts, "\n")
}

// withHeartbeat runs fn while a background pinger reports phase. A failed
// ping cancels fn and takes precedence over fn's own error.
func (r *Runner) withHeartbeat(ctx context.Context, job *jobRun, phase models.Phase, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pinger := monitoring.NewConcurrentPinger(monitoring.NewConstantStatus(job.client, phase), r.opts.StatusInterval)
	pinger.OnError = cancel
	pinger.Start(ctx)

	err := fn(ctx)
	if pingErr := pinger.Stop(); pingErr != nil {
		return pingErr
	}
	return err
}

func (r *Runner) handleError(ctx context.Context, job *jobRun, err error) error {
	if err == nil {
		log.Printf("Job %s finished", job.id)
		return nil
	}
	phase := r.State()
	r.setState(StateAborting)
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	switch {
	case errors.Is(err, models.ErrJobNotFound):
		log.Printf("WARNING: Job %s not found; it was probably deleted by the user", job.id)
		r.kill(cctx, job)
		return nil

	case ctx.Err() != nil:
		// shutdown, not a job failure: nothing is reported in any phase
		log.Printf("Job %s interrupted during %s", job.id, phase)
		r.kill(cctx, job)
		return fmt.Errorf("job %s (%s): %w", job.id, phase, ctx.Err())

	case errors.Is(err, storage.ErrDownloadFailure), errors.Is(err, storage.ErrUploadFailure):
		log.Printf("Job %s failed during %s: %v", job.id, phase, err)
		r.kill(cctx, job)
		report := models.NewStatusReport(models.PhaseError).WithBody(err.Error())
		if job.container != nil {
			report = report.WithExitCode(job.exitCode)
		}
		if pingErr := job.client.Ping(cctx, report); pingErr != nil {
			log.Printf("Failed to report error for job %s: %v", job.id, pingErr)
		}
		return nil
	}

	r.kill(cctx, job)
	return fmt.Errorf("job %s (%s): %w", job.id, phase, err)
}

func (r *Runner) kill(ctx context.Context, job *jobRun) {
	if job.container == nil {
		return
	}
	if err := r.supervisor.Kill(ctx, job.container); err != nil {
		log.Printf("WARNING: %v", err)
	}
}

// finalize releases everything the job owned, whatever the outcome
func (r *Runner) finalize(ctx context.Context, job *jobRun) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	r.supervisor.Cleanup(cctx, job.container)
	if job.area != nil {
		if err := job.area.Remove(); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}

	r.mu.Lock()
	r.jobID = ""
	r.state = StateIdle
	r.mu.Unlock()
}

// cleanupContext outlives a cancelled job context so teardown still happens
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func tail(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
