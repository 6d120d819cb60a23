// Package scheduler runs the periodic audit that reports campaigns left
// scheduled without an armed dispatch.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"campaignd/internal/dispatch"
	"campaignd/internal/domain"
)

// LockKey serializes audit runs across instances sharing one Redis.
const LockKey = "campaignd:audit:unarmed"

type Store interface {
	ListUnarmed(ctx context.Context) ([]domain.Campaign, error)
}

// Locker obtains a short-lived cross-instance lock. ok is false when
// another holder has it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker adapts a redislock client to Locker.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.Warn().Err(err).Str("lock_key", key).Msg("failed to release audit lock")
		}
	}, true, nil
}

type Service struct {
	store   Store
	locker  Locker
	cron    *cron.Cron
	expr    string
	lockTTL time.Duration
	now     func() time.Time
}

// NewService validates the cron expression; locker may be nil for a single instance.
func NewService(store Store, locker Locker, expr string) (*Service, error) {
	if err := ValidateCronExpression(expr); err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		locker:  locker,
		cron:    cron.New(),
		expr:    expr,
		lockTTL: 30 * time.Second,
		now:     time.Now,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.expr, func() {
		if _, err := s.Audit(ctx); err != nil {
			log.Error().Err(err).Msg("unarmed campaign audit failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("cron", s.expr).Msg("unarmed campaign audit started")
	return nil
}

// Stop halts the cron and waits for a running audit to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Audit logs every campaign still scheduled without an armed dispatch and
// returns how many it found. It returns 0 without querying when another
// instance holds the audit lock.
func (s *Service) Audit(ctx context.Context) (int, error) {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, LockKey, s.lockTTL)
		if err != nil {
			log.Warn().Err(err).Msg("audit lock unavailable; auditing without lock")
		} else if !ok {
			log.Debug().Msg("audit skipped: another instance holds the lock")
			return 0, nil
		} else {
			defer release()
		}
	}

	campaigns, err := s.store.ListUnarmed(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, c := range campaigns {
		evt := log.Warn().
			Str("campaign_id", c.ID).
			Str("scheduled_at", c.ScheduledAt).
			Str("mode", string(c.ScheduleMode)).
			Str("reason", c.ScheduleReason)
		if at, err := dispatch.ParseScheduledAt(c.ScheduledAt); err == nil {
			evt = evt.Bool("overdue", at.Before(now))
		}
		evt.Msg("campaign scheduled but no dispatch is armed")
	}
	return len(campaigns), nil
}

// ValidateCronExpression accepts standard five-field expressions and descriptors such as @every 1m.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
