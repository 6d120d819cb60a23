package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/testutil"
)

type handlerFunc func(ctx context.Context, job Job) error

func (f handlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

type jobMetrics struct {
	ok, failed atomic.Int32
}

func (m *jobMetrics) RecordDispatchJob(_ context.Context, success bool, _ float64) {
	if success {
		m.ok.Add(1)
	} else {
		m.failed.Add(1)
	}
}

func job(id string) Job {
	return Job{Payload: domain.DispatchPayload{CampaignID: id, Trigger: domain.TriggerSchedule}, ReceivedAt: time.Now()}
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	metrics := &jobMetrics{}
	pool := NewPool(handlerFunc(func(_ context.Context, j Job) error {
		mu.Lock()
		seen[j.Payload.CampaignID] = true
		mu.Unlock()
		if j.Payload.CampaignID == "cmp_bad" {
			return errors.New("pipeline down")
		}
		return nil
	}), 2, 10, time.Second, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)
	defer pool.Stop()

	for _, id := range []string{"cmp_1", "cmp_2", "cmp_bad"} {
		if err := pool.Submit(job(id)); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	testutil.MustWaitFor(t, func() bool { return metrics.ok.Load() == 2 && metrics.failed.Load() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("expected 3 jobs handled, got %v", seen)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	pool := NewPool(handlerFunc(func(context.Context, Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}), 2, 10, 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	for i := 0; i < 5; i++ {
		if err := pool.Submit(job("cmp")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	testutil.MustWaitFor(t, func() bool { return running.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if peak.Load() != 2 {
		t.Errorf("expected at most 2 concurrent jobs, peak %d", peak.Load())
	}
	close(release)
	pool.Stop()
}

func TestPoolSubmitFullAndStopped(t *testing.T) {
	pool := NewPool(handlerFunc(func(context.Context, Job) error { return nil }), 1, 1, time.Second, nil)

	if err := pool.Submit(job("a")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := pool.Submit(job("b")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	pool.Stop()
	pool.Stop()
	if err := pool.Submit(job("c")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	metrics := &jobMetrics{}
	pool := NewPool(handlerFunc(func(context.Context, Job) error { panic("boom") }), 1, 1, time.Second, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)
	defer pool.Stop()

	if err := pool.Submit(job("cmp_1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return metrics.failed.Load() == 1 })
}

func TestPoolReportsOutcomeOnDone(t *testing.T) {
	pool := NewPool(handlerFunc(func(_ context.Context, j Job) error {
		if j.Payload.CampaignID == "cmp_bad" {
			return errors.New("pipeline down")
		}
		return nil
	}), 1, 4, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)
	defer pool.Stop()

	for _, tt := range []struct {
		id      string
		wantErr bool
	}{{"cmp_ok", false}, {"cmp_bad", true}} {
		done := make(chan error, 1)
		j := job(tt.id)
		j.Done = done
		if err := pool.Submit(j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		select {
		case err := <-done:
			if (err != nil) != tt.wantErr {
				t.Errorf("%s: unexpected outcome %v", tt.id, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: no outcome reported", tt.id)
		}
	}
}

func TestPoolStopFinishesBufferedJobs(t *testing.T) {
	pool := NewPool(handlerFunc(func(context.Context, Job) error { return nil }), 1, 2, time.Second, nil)

	done := make(chan error, 1)
	j := job("cmp_1")
	j.Done = done
	if err := pool.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pool.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("expected ErrStopped, got %v", err)
		}
	default:
		t.Fatal("buffered job was dropped without an outcome")
	}
}

func TestPoolCountsStaleTriggerAsSuccess(t *testing.T) {
	metrics := &jobMetrics{}
	pool := NewPool(handlerFunc(func(context.Context, Job) error { return ErrStaleTrigger }), 1, 1, time.Second, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)
	defer pool.Stop()

	done := make(chan error, 1)
	j := job("cmp_1")
	j.Done = done
	if err := pool.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return metrics.ok.Load() == 1 })
	if err := <-done; !errors.Is(err, ErrStaleTrigger) {
		t.Errorf("expected ErrStaleTrigger on Done, got %v", err)
	}
}
