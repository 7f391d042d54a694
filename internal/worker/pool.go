package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("worker pool stopped")

type JobProcessor interface {
	Process(ctx context.Context, id uuid.UUID) error
}

// Pool runs every accepted job on its own goroutine. Concurrency of the
// expensive part is bounded by the guard inside the processor, not here:
// pending jobs simply wait for a permit.
type Pool struct {
	processor JobProcessor
	log       logrus.FieldLogger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	cancel map[uuid.UUID]context.CancelFunc
}

func NewPool(processor JobProcessor, log logrus.FieldLogger) *Pool {
	ctx, stop := context.WithCancel(context.Background())
	return &Pool{
		processor: processor,
		log:       log.WithField("component", "pool"),
		ctx:       ctx,
		stop:      stop,
		cancel:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start hands the job to the pipeline and returns immediately.
func (p *Pool) Start(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStopped
	}
	if _, ok := p.cancel[id]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.cancel[id] = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.forget(id)

		if err := p.processor.Process(ctx, id); err != nil {
			p.log.WithError(err).WithField("job_id", id.String()).Debug("job ended with error")
		}
	}()
	return nil
}

func (p *Pool) forget(id uuid.UUID) {
	p.mu.Lock()
	cancel, ok := p.cancel[id]
	delete(p.cancel, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel interrupts a running or waiting job. It reports whether the job
// was in flight.
func (p *Pool) Cancel(id uuid.UUID) bool {
	p.mu.Lock()
	cancel, ok := p.cancel[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight is the number of jobs between Start and their terminal state.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancel)
}

// Shutdown stops accepting jobs, waits up to grace for in-flight jobs to
// finish on their own, then cancels the rest and waits for ctx.
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-finished:
		p.stop()
		p.log.Info("worker pool stopped")
		return nil
	case <-timer.C:
		p.log.WithField("in_flight", p.InFlight()).Warn("grace period over, cancelling jobs")
	case <-ctx.Done():
	}

	p.stop()
	select {
	case <-finished:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
