// Package worker runs dispatch jobs received on the callback endpoint on a
// bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"campaignd/internal/domain"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Job is one accepted dispatch trigger. When Done is set it receives the
// job's outcome exactly once; it should be buffered.
type Job struct {
	Payload    domain.DispatchPayload
	ReceivedAt time.Time
	Done       chan<- error
}

func (j Job) finish(err error) {
	if j.Done == nil {
		return
	}
	select {
	case j.Done <- err:
	default:
	}
}

type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// MetricsRecorder is an optional interface for recording job outcomes.
type MetricsRecorder interface {
	RecordDispatchJob(ctx context.Context, success bool, durationSeconds float64)
}

type Pool struct {
	handler Handler
	jobs    chan Job
	sem     chan struct{}
	timeout time.Duration
	metrics MetricsRecorder

	mu      sync.RWMutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPool runs at most size jobs at once and buffers up to backlog pending ones.
func NewPool(handler Handler, size, backlog int, timeout time.Duration, metrics MetricsRecorder) *Pool {
	if size <= 0 {
		size = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		handler: handler,
		jobs:    make(chan Job, backlog),
		sem:     make(chan struct{}, size),
		timeout: timeout,
		metrics: metrics,
		stop:    make(chan struct{}),
	}
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run feeds queued jobs to the handler until ctx is done or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case job := <-p.jobs:
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				job.finish(ctx.Err())
				return
			case <-p.stop:
				job.finish(ErrStopped)
				return
			}
			p.mu.RLock()
			if p.stopped {
				p.mu.RUnlock()
				<-p.sem
				job.finish(ErrStopped)
				return
			}
			p.wg.Add(1)
			p.mu.RUnlock()
			go func(j Job) {
				defer func() {
					<-p.sem
					p.wg.Done()
				}()
				p.run(ctx, j)
			}(job)
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	logger := log.With().
		Str("campaign_id", job.Payload.CampaignID).
		Str("scheduled_at", job.Payload.ScheduledAt).
		Logger()

	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.safeHandle(c, job)
	defer job.finish(err)

	stale := errors.Is(err, ErrStaleTrigger)
	if p.metrics != nil {
		p.metrics.RecordDispatchJob(c, err == nil || stale, time.Since(start).Seconds())
	}
	switch {
	case stale:
		logger.Info().Msg("dispatch trigger ignored: campaign rescheduled or already dispatched")
	case err != nil:
		logger.Error().Err(err).Msg("dispatch job failed")
	default:
		logger.Debug().Dur("duration", time.Since(start)).Msg("dispatch job done")
	}
}

func (p *Pool) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("campaign_id", job.Payload.CampaignID).Msg("dispatch handler panicked")
			err = errors.New("dispatch handler panicked")
		}
	}()
	return p.handler.Handle(ctx, job)
}

// Stop refuses new jobs and waits for in-flight ones. Jobs still buffered are
// dropped and finish with ErrStopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
	for {
		select {
		case job := <-p.jobs:
			job.finish(ErrStopped)
		default:
			return
		}
	}
}
