package monitoring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPingerBusy is returned when a serial pinger is already running
var ErrPingerBusy = errors.New("pinger is already running")

const minInterval = 10 * time.Millisecond

// ConcurrentPinger pings in the background until stopped.
// A pinger is single use: once stopped it cannot be started again.
type ConcurrentPinger struct {
	status   Status
	interval time.Duration

	// OnError is called from the background loop with the ping error that
	// ended it. It must not call Stop.
	OnError func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	first  chan struct{}
	done   chan struct{}
	err    error
}

// NewConcurrentPinger creates a pinger reporting status every interval
func NewConcurrentPinger(status Status, interval time.Duration) *ConcurrentPinger {
	if interval < minInterval {
		interval = minInterval
	}
	return &ConcurrentPinger{status: status, interval: interval}
}

// Start pings once right away and then every interval. It returns
// immediately; starting a started pinger does nothing.
func (p *ConcurrentPinger) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.first = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, p.first, p.done)
}

func (p *ConcurrentPinger) loop(ctx context.Context, first, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		_, err := p.status.Ping(ctx)
		select {
		case <-first:
		default:
			close(first)
		}
		if err != nil {
			// a ping interrupted by Stop is not a failure
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			if p.OnError != nil {
				p.OnError(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop waits for the first ping, cancels the loop and blocks until it exited.
// It returns the ping error that ended the loop, if any. Stopping twice is safe.
func (p *ConcurrentPinger) Stop() error {
	p.mu.Lock()
	cancel, first, done := p.cancel, p.first, p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	// the phase is always reported at least once
	<-first
	cancel()
	<-done
	return p.Err()
}

// Err returns the ping error that ended the loop
func (p *ConcurrentPinger) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SerialPinger pings in the caller's goroutine until the status is terminal
type SerialPinger struct {
	status   Status
	interval time.Duration
	running  atomic.Bool
}

// NewSerialPinger creates a pinger checking status every interval
func NewSerialPinger(status Status, interval time.Duration) *SerialPinger {
	if interval < minInterval {
		interval = minInterval
	}
	return &SerialPinger{status: status, interval: interval}
}

// Run pings, then sleeps interval, until a ping is terminal.
// It returns the first ping error, or the context's cause once cancelled.
func (p *SerialPinger) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPingerBusy
	}
	defer p.running.Store(false)

	for {
		terminal, err := p.status.Ping(ctx)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(p.interval):
		}
	}
}
