// Package statusdedup decides whether an inbound delivery-status event should
// be applied, using the idempotency guard keyed by (message id, status).
package statusdedup

import (
	"context"
	"time"

	"campaignd/internal/config"
	"campaignd/internal/domain"
)

// KeyPrefix namespaces status claims in the cache.
const KeyPrefix = "wa:status:dedupe"

// Claimer is satisfied by *idempotency.Guard.
type Claimer interface {
	TryClaim(ctx context.Context, key string, ttl time.Duration) bool
}

type Deduplicator struct {
	guard Claimer
	ttl   time.Duration
}

// New returns a deduplicator. ttl is clamped to the accepted claim window;
// zero selects the seven day default.
func New(guard Claimer, ttl time.Duration) *Deduplicator {
	seconds := config.DefaultDedupeTTLSeconds
	if ttl > 0 {
		seconds = config.ClampTTLSeconds(int(ttl / time.Second))
	}
	return &Deduplicator{guard: guard, ttl: time.Duration(seconds) * time.Second}
}

// Key builds the claim key for a (message, status) pair.
func Key(messageID string, status domain.StatusKind) string {
	return KeyPrefix + ":" + messageID + ":" + string(status)
}

// TTL is the effective claim window.
func (d *Deduplicator) TTL() time.Duration { return d.ttl }

// ShouldProcess reports whether this is the first observation of the pair
// within the claim window. It never fails the caller: without a guard, or on
// any guard failure, the answer is true.
func (d *Deduplicator) ShouldProcess(ctx context.Context, messageID string, status domain.StatusKind) (ok bool) {
	if d == nil || d.guard == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	return d.guard.TryClaim(ctx, Key(messageID, status), d.ttl)
}
