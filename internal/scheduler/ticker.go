package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Job is invoked once per tick. It runs on the scheduler goroutine, so a slow
// job delays the next tick instead of overlapping with it.
type Job func(ctx context.Context, trigger time.Time)

// Ticker runs a job at a fixed interval until stopped.
type Ticker struct {
	interval time.Duration
	runFirst bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTicker builds a scheduler. When runImmediately is set the job fires once
// on Start before the first tick.
func NewTicker(interval time.Duration, runImmediately bool) *Ticker {
	return &Ticker{interval: interval, runFirst: runImmediately}
}

// Start begins ticking. Calling Start on a running scheduler is a no-op.
func (t *Ticker) Start(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("scheduler: nil job")
	}
	if t.interval <= 0 {
		return errors.New("scheduler: interval must be > 0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return nil
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.loop(ctx, job, t.stop, t.done)
	return nil
}

func (t *Ticker) loop(ctx context.Context, job Job, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if t.runFirst {
		job(ctx, time.Now())
	}
	for {
		select {
		case trigger := <-ticker.C:
			job(ctx, trigger)
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// Stop halts the ticker goroutine and waits for an in-flight job to return,
// or for ctx to expire.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
