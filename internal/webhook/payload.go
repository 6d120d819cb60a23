// Package webhook ingests WhatsApp Cloud API delivery-status notifications.
package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"campaignd/internal/domain"
)

// Envelope is the notification body. Only the status branch is modelled.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string   `json:"messaging_product"`
	Statuses         []Status `json:"statuses"`
}

type Status struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp"`
	RecipientID string        `json:"recipient_id"`
	Errors      []StatusError `json:"errors,omitempty"`
}

type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Parse decodes body and returns its status events in order, plus the
// number of statuses skipped for an unknown kind or a missing id.
func Parse(body []byte) ([]domain.StatusEvent, int, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, 0, err
	}

	var (
		events  []domain.StatusEvent
		ignored int
	)
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, s := range change.Value.Statuses {
				kind, ok := domain.ParseStatusKind(s.Status)
				if !ok || strings.TrimSpace(s.ID) == "" {
					ignored++
					continue
				}
				events = append(events, domain.StatusEvent{
					MessageID:   s.ID,
					Status:      kind,
					RecipientID: s.RecipientID,
					Timestamp:   parseUnix(s.Timestamp),
					Error:       firstError(s.Errors),
				})
			}
		}
	}
	return events, ignored, nil
}

func parseUnix(s string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func firstError(errs []StatusError) string {
	if len(errs) == 0 {
		return ""
	}
	e := errs[0]
	msg := e.Title
	if e.Message != "" && e.Message != e.Title {
		msg += ": " + e.Message
	}
	if e.Code != 0 {
		msg = strconv.Itoa(e.Code) + " " + msg
	}
	return msg
}
