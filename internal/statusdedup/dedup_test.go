package statusdedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"campaignd/internal/domain"
	"campaignd/internal/idempotency"
)

type memoryRedis struct {
	mu   sync.Mutex
	now  func() time.Time
	keys map[string]time.Time
	err  error
}

func (m *memoryRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewBoolResult(false, m.err)
	}
	if exp, ok := m.keys[key]; ok && m.now().Before(exp) {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = m.now().Add(ttl)
	return redis.NewBoolResult(true, nil)
}

type recordingClaimer struct {
	key string
	ttl time.Duration
}

func (r *recordingClaimer) TryClaim(_ context.Context, key string, ttl time.Duration) bool {
	r.key, r.ttl = key, ttl
	return true
}

type panickingClaimer struct{}

func (panickingClaimer) TryClaim(context.Context, string, time.Duration) bool { panic("boom") }

func TestKey(t *testing.T) {
	if got := Key("wamid.123", domain.StatusRead); got != "wa:status:dedupe:wamid.123:read" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestShouldProcess_TrueThenFalse(t *testing.T) {
	t.Parallel()
	store := &memoryRedis{now: time.Now, keys: map[string]time.Time{}}
	d := New(idempotency.NewGuard(store, 0, nil), 0)
	ctx := context.Background()

	for _, status := range []domain.StatusKind{domain.StatusSent, domain.StatusDelivered, domain.StatusRead, domain.StatusFailed} {
		if !d.ShouldProcess(ctx, "msg1", status) {
			t.Errorf("%s: expected first call to process", status)
		}
		if d.ShouldProcess(ctx, "msg1", status) {
			t.Errorf("%s: expected second call to be a duplicate", status)
		}
	}
}

func TestShouldProcess_CacheDown(t *testing.T) {
	t.Parallel()
	store := &memoryRedis{now: time.Now, keys: map[string]time.Time{}, err: errors.New("i/o timeout")}
	d := New(idempotency.NewGuard(store, 0, nil), 0)

	for i := 0; i < 10; i++ {
		if !d.ShouldProcess(context.Background(), "msg1", domain.StatusDelivered) {
			t.Fatalf("call %d: expected fail-open", i)
		}
	}
}

func TestShouldProcess_ExpiredClaimReprocessed(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var mu sync.Mutex
	store := &memoryRedis{now: func() time.Time { mu.Lock(); defer mu.Unlock(); return now }, keys: map[string]time.Time{}}
	d := New(idempotency.NewGuard(store, 0, nil), 60*time.Second)
	ctx := context.Background()

	if !d.ShouldProcess(ctx, "msg1", domain.StatusDelivered) {
		t.Fatal("expected first claim")
	}
	if d.ShouldProcess(ctx, "msg1", domain.StatusDelivered) {
		t.Fatal("expected duplicate within TTL")
	}
	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()
	if !d.ShouldProcess(ctx, "msg1", domain.StatusDelivered) {
		t.Fatal("expected reprocess after TTL")
	}
}

func TestNew_TTLResolution(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero uses default", 0, 7 * 24 * time.Hour},
		{"negative uses default", -time.Hour, 7 * 24 * time.Hour},
		{"below minimum clamps up", 5 * time.Second, 60 * time.Second},
		{"above maximum clamps down", 90 * 24 * time.Hour, 30 * 24 * time.Hour},
		{"in range kept", time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &recordingClaimer{}
			d := New(c, tt.in)
			d.ShouldProcess(context.Background(), "m", domain.StatusSent)
			if c.ttl != tt.want || d.TTL() != tt.want {
				t.Errorf("ttl = %v, want %v", c.ttl, tt.want)
			}
			if c.key != "wa:status:dedupe:m:sent" {
				t.Errorf("unexpected key %q", c.key)
			}
		})
	}
}

func TestShouldProcess_NeverPanics(t *testing.T) {
	t.Parallel()
	if !New(panickingClaimer{}, 0).ShouldProcess(context.Background(), "m", domain.StatusSent) {
		t.Error("expected a panicking guard to be treated as process")
	}
	var d *Deduplicator
	if !d.ShouldProcess(context.Background(), "m", domain.StatusSent) {
		t.Error("expected nil deduplicator to process")
	}
}
