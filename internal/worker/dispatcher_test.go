package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"campaignd/internal/apperrors"
	"campaignd/internal/domain"
)

const scheduledAt = "2030-01-01T00:00:00Z"

type fakeStore struct {
	campaign domain.Campaign
	getErr   error
	ok       bool
	err      error
	calls    int
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (domain.Campaign, error) {
	if f.getErr != nil {
		return domain.Campaign{}, f.getErr
	}
	return f.campaign, nil
}

func (f *fakeStore) MarkDispatched(context.Context, string, string, time.Time) (bool, error) {
	f.calls++
	return f.ok, f.err
}

func scheduledStore() *fakeStore {
	return &fakeStore{ok: true, campaign: domain.Campaign{ID: "cmp_1", Status: domain.CampaignScheduled, ScheduledAt: scheduledAt}}
}

type fakeForwarder struct {
	urls     []string
	payloads []any
	err      error
}

func (f *fakeForwarder) PostJSON(_ context.Context, url string, payload any) error {
	f.urls = append(f.urls, url)
	f.payloads = append(f.payloads, payload)
	return f.err
}

func schedulePayload() domain.DispatchPayload {
	return domain.DispatchPayload{CampaignID: "cmp_1", TemplateName: "promo", Trigger: domain.TriggerSchedule, ScheduledAt: scheduledAt}
}

func TestDispatcherForwardsThenMarks(t *testing.T) {
	store := scheduledStore()
	fwd := &fakeForwarder{}
	d := NewDispatcher(store, fwd, "https://pipeline.example.com/send")

	payload := schedulePayload()
	if err := d.Handle(context.Background(), Job{Payload: payload}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(fwd.urls) != 1 || fwd.urls[0] != "https://pipeline.example.com/send" {
		t.Fatalf("unexpected forwards %v", fwd.urls)
	}
	if got := fwd.payloads[0].(domain.DispatchPayload); got != payload {
		t.Errorf("unexpected forwarded payload %+v", got)
	}
	if store.calls != 1 {
		t.Errorf("expected campaign marked dispatched once, got %d", store.calls)
	}
}

func TestDispatcherForwardFailureLeavesCampaignScheduled(t *testing.T) {
	store := scheduledStore()
	fwd := &fakeForwarder{err: errors.New("pipeline HTTP 503")}
	d := NewDispatcher(store, fwd, "https://pipeline.example.com/send")

	err := d.Handle(context.Background(), Job{Payload: schedulePayload()})
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if store.calls != 0 {
		t.Error("campaign must not be marked dispatched when the forward fails")
	}
}

func TestDispatcherDropsStaleTrigger(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"rescheduled", &fakeStore{campaign: domain.Campaign{Status: domain.CampaignScheduled, ScheduledAt: "2030-02-01T00:00:00Z"}}},
		{"already dispatched", &fakeStore{campaign: domain.Campaign{Status: domain.CampaignDispatched, ScheduledAt: scheduledAt}}},
		{"unknown campaign", &fakeStore{getErr: apperrors.NotFound("campaign", "cmp_1")}},
		{"moved on during forward", &fakeStore{ok: false, campaign: domain.Campaign{Status: domain.CampaignScheduled, ScheduledAt: scheduledAt}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(tt.store, &fakeForwarder{}, "")
			if err := d.Handle(context.Background(), Job{Payload: schedulePayload()}); !errors.Is(err, ErrStaleTrigger) {
				t.Errorf("expected ErrStaleTrigger, got %v", err)
			}
		})
	}

	fwd := &fakeForwarder{}
	d := NewDispatcher(&fakeStore{campaign: domain.Campaign{Status: domain.CampaignDispatched, ScheduledAt: scheduledAt}}, fwd, "https://pipeline.example.com/send")
	_ = d.Handle(context.Background(), Job{Payload: schedulePayload()})
	if len(fwd.urls) != 0 {
		t.Error("stale trigger must not be forwarded")
	}
}

func TestDispatcherStoreErrors(t *testing.T) {
	d := NewDispatcher(&fakeStore{getErr: errors.New("database is locked")}, &fakeForwarder{}, "")
	if err := d.Handle(context.Background(), Job{Payload: schedulePayload()}); err == nil || errors.Is(err, ErrStaleTrigger) {
		t.Errorf("expected load error, got %v", err)
	}

	store := scheduledStore()
	store.err = errors.New("database is locked")
	d = NewDispatcher(store, &fakeForwarder{}, "")
	if err := d.Handle(context.Background(), Job{Payload: schedulePayload()}); err == nil {
		t.Error("expected mark error")
	}

	fwd := &fakeForwarder{}
	store = scheduledStore()
	d = NewDispatcher(store, fwd, "")
	if err := d.Handle(context.Background(), Job{Payload: schedulePayload()}); err != nil || len(fwd.urls) != 0 || store.calls != 1 {
		t.Errorf("no pipeline configured should only mark dispatched, got %v / %v / %d", err, fwd.urls, store.calls)
	}
}
