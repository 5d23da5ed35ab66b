package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gpu-job-fetcher/core/executor"
	"gpu-job-fetcher/core/models"
)

type recorder struct {
	mu      sync.Mutex
	reports []models.StatusReport
	failAt  int
	err     error
}

func (r *recorder) Ping(ctx context.Context, report models.StatusReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil && len(r.reports) >= r.failAt {
		return r.err
	}
	r.reports = append(r.reports, report)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type sequence struct {
	states []executor.ContainerState
}

func (s *sequence) Refresh(ctx context.Context, run *executor.ContainerRun) error {
	run.State = s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return nil
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestConcurrentPinger(t *testing.T) {
	rec := &recorder{}
	p := NewConcurrentPinger(NewConstantStatus(rec, models.PhasePreprocessing), 10*time.Millisecond)
	p.Start(context.Background())
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	n := rec.count()
	if n < 3 {
		t.Fatalf("Expected at least 3 pings, got %d", n)
	}
	for _, r := range rec.reports {
		if r.Phase != models.PhasePreprocessing {
			t.Errorf("Unexpected phase %s", r.Phase)
		}
	}

	time.Sleep(30 * time.Millisecond)
	if rec.count() != n {
		t.Error("Pinger kept running after Stop")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Second Stop returned %v", err)
	}
}

func TestConcurrentPingerStopWithoutStart(t *testing.T) {
	p := NewConcurrentPinger(NewConstantStatus(&recorder{}, models.PhaseRunning), time.Second)
	if err := p.Stop(); err != nil {
		t.Errorf("Stop without Start returned %v", err)
	}
}

func TestConcurrentPingerError(t *testing.T) {
	rec := &recorder{failAt: 1, err: models.ErrJobNotFound}
	p := NewConcurrentPinger(NewConstantStatus(rec, models.PhasePostprocessing), 10*time.Millisecond)

	got := make(chan error, 1)
	p.OnError = func(err error) { got <- err }
	p.Start(context.Background())

	select {
	case err := <-got:
		if !errors.Is(err, models.ErrJobNotFound) {
			t.Errorf("Unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError was not called")
	}
	if err := p.Stop(); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Stop should return the ping error, got %v", err)
	}
}

func TestSerialPingerRunsUntilExit(t *testing.T) {
	rec := &recorder{}
	refresher := &sequence{states: []executor.ContainerState{
		{Status: executor.StatusRunning, Running: true},
		{Status: executor.StatusRunning, Running: true},
		{Status: executor.StatusExited, ExitCode: intPtr(137), Error: strPtr("oom")},
	}}
	status := NewContainerStatus(rec, refresher, &executor.ContainerRun{ID: "c1", Name: "c1"})

	if err := NewSerialPinger(status, 10*time.Millisecond).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rec.reports) != 3 {
		t.Fatalf("Expected 3 pings, got %d", len(rec.reports))
	}
	if got := rec.reports[2].String(); got != `error(137, "oom")` {
		t.Errorf("Unexpected final report %s", got)
	}
	last, ok := status.Last()
	if !ok || last.Phase != models.PhaseError {
		t.Errorf("Last() = %v, %v", last, ok)
	}
}

func TestSerialPingerUnexpectedState(t *testing.T) {
	refresher := &sequence{states: []executor.ContainerState{{Status: executor.StatusPaused}}}
	status := NewContainerStatus(&recorder{}, refresher, &executor.ContainerRun{ID: "c1"})
	err := NewSerialPinger(status, 10*time.Millisecond).Run(context.Background())
	if !errors.Is(err, executor.ErrUnexpectedContainerState) {
		t.Errorf("Expected ErrUnexpectedContainerState, got %v", err)
	}
}

func TestSerialPingerCancel(t *testing.T) {
	refresher := &sequence{states: []executor.ContainerState{{Status: executor.StatusRunning, Running: true}}}
	status := NewContainerStatus(&recorder{}, refresher, &executor.ContainerRun{ID: "c1"})

	cause := errors.New("run deadline")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(30*time.Millisecond, func() { cancel(cause) })

	if err := NewSerialPinger(status, 10*time.Millisecond).Run(ctx); !errors.Is(err, cause) {
		t.Errorf("Expected cancellation cause, got %v", err)
	}
}

type blockingStatus struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStatus) Ping(ctx context.Context) (bool, error) {
	close(b.entered)
	<-b.release
	return true, nil
}

func (*blockingStatus) status() {}

func TestSerialPingerBusy(t *testing.T) {
	st := &blockingStatus{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewSerialPinger(st, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	<-st.entered

	if err := p.Run(context.Background()); !errors.Is(err, ErrPingerBusy) {
		t.Errorf("Expected ErrPingerBusy, got %v", err)
	}
	close(st.release)
	if err := <-done; err != nil {
		t.Errorf("First Run failed: %v", err)
	}
}
