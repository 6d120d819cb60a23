// Package localtimer is the in-process fallback for dispatch scheduling when
// the managed delay queue cannot reach the callback host.
//
// Timers are not durable (a restart drops them) and a failed fire is not
// retried. Both limitations are intentional: this is a development/offline
// convenience and must not behave differently from a single queue attempt.
package localtimer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultFireTimeout bounds the dispatch callback made when a timer fires.
const DefaultFireTimeout = 30 * time.Second

var (
	// ErrInvalidFireTime is returned for a zero fire time; nothing is armed.
	ErrInvalidFireTime = errors.New("invalid fire time")
	ErrStopped         = errors.New("local scheduler stopped")
)

// FireFunc performs the dispatch callback.
type FireFunc func(ctx context.Context) error

// MetricsRecorder is an optional interface for recording timer activity.
type MetricsRecorder interface {
	RecordLocalTimerArmed(ctx context.Context, delta int64)
	RecordLocalTimerFire(ctx context.Context, success bool, durationSeconds float64)
}

type Scheduler struct {
	registry    *Registry
	fireTimeout time.Duration
	metrics     MetricsRecorder
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(registry *Registry, fireTimeout time.Duration, metrics MetricsRecorder) *Scheduler {
	if fireTimeout <= 0 {
		fireTimeout = DefaultFireTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry:    registry,
		fireTimeout: fireTimeout,
		metrics:     metrics,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Registry exposes the scheduler's registry for inspection.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Delay is the time remaining until fireAt, never negative.
func Delay(fireAt, now time.Time) time.Duration {
	if d := fireAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ArmLocal arms a one-shot timer that calls onFire at fireAt. A timer already
// armed under dedupKey is cancelled first.
func (s *Scheduler) ArmLocal(campaignID string, fireAt time.Time, dedupKey string, onFire FireFunc) error {
	if fireAt.IsZero() {
		log.Warn().Str("campaign_id", campaignID).Str("dedup_key", dedupKey).Msg("local dispatch timer skipped: invalid fire time")
		return ErrInvalidFireTime
	}
	delay := Delay(fireAt, s.now())
	e := &entry{campaignID: campaignID, fireAt: fireAt}

	// The timer must not fire before e is in the registry, so it is created
	// stopped and reset once e is visible.
	e.timer = time.AfterFunc(time.Hour, func() { s.fire(dedupKey, e, onFire) })
	e.timer.Stop()

	// Stop drains the registry after setting stopped, so the check and the
	// swap share the lock.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	prev := s.registry.swap(dedupKey, e)
	superseded := prev != nil && prev.cancel()
	if superseded {
		s.recordArmed(-1)
	}
	s.recordArmed(1)
	e.timer.Reset(delay)
	s.mu.Unlock()

	if superseded {
		log.Info().Str("campaign_id", campaignID).Str("dedup_key", dedupKey).Msg("superseded local dispatch timer")
	}

	log.Info().
		Str("campaign_id", campaignID).
		Str("dedup_key", dedupKey).
		Time("fire_at", fireAt).
		Dur("delay", delay).
		Msg("local dispatch timer armed")
	return nil
}

// Cancel disarms the timer under dedupKey, if any.
func (s *Scheduler) Cancel(dedupKey string) bool {
	e := s.registry.remove(dedupKey)
	if e == nil || !e.cancel() {
		return false
	}
	s.recordArmed(-1)
	return true
}

// Stop cancels every armed timer, aborts in-flight callbacks and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for _, e := range s.registry.drain() {
		if e.cancel() {
			s.recordArmed(-1)
		}
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(dedupKey string, e *entry, onFire FireFunc) {
	s.mu.Lock()
	if s.stopped || !e.begin() {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	defer func() {
		if s.registry.removeIf(dedupKey, e) {
			s.recordArmed(-1)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.fireTimeout)
	defer cancel()

	start := time.Now()
	err := safeFire(ctx, onFire)
	if s.metrics != nil {
		s.metrics.RecordLocalTimerFire(ctx, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		log.Error().Err(err).
			Str("campaign_id", e.campaignID).
			Str("dedup_key", dedupKey).
			Msg("local dispatch callback failed; not retried")
		return
	}
	log.Info().Str("campaign_id", e.campaignID).Str("dedup_key", dedupKey).Msg("local dispatch callback fired")
}

func safeFire(ctx context.Context, onFire FireFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("dispatch callback panicked")
		}
	}()
	return onFire(ctx)
}

func (s *Scheduler) recordArmed(delta int64) {
	if s.metrics != nil {
		s.metrics.RecordLocalTimerArmed(context.Background(), delta)
	}
}
