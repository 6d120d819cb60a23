package domain

import (
	"strings"
	"time"
)

// ScheduleMode names the mechanism armed for a campaign's dispatch.
type ScheduleMode string

const (
	ModeQueued     ScheduleMode = "queued"
	ModeLocalTimer ScheduleMode = "local-timer"
	ModeSkipped    ScheduleMode = "skipped"
)

// Skip reasons recorded on a ScheduleHandle in ModeSkipped.
const (
	ReasonInvalidTime        = "invalid_scheduled_at"
	ReasonUnreachableHost    = "callback_host_unreachable"
	ReasonQueueNotConfigured = "queue_not_configured"
	ReasonPublishFailed      = "publish_failed"
	ReasonLocalUnavailable   = "local_timer_unavailable"
)

// ScheduleHandle is one armed (or deliberately unarmed) future dispatch.
type ScheduleHandle struct {
	CampaignID        string       `json:"campaign_id"`
	ScheduledAtISO    string       `json:"scheduled_at"`
	Mode              ScheduleMode `json:"mode"`
	ExternalMessageID string       `json:"external_message_id,omitempty"`
	DedupKey          string       `json:"dedup_key"`
	Reason            string       `json:"reason,omitempty"`
}

// ScheduleDedupKey is used both as the delay queue's deduplication id and the local registry key.
func ScheduleDedupKey(campaignID, scheduledAtISO string) string {
	return "schedule:" + campaignID + ":" + scheduledAtISO
}

// StatusKind is a delivery status reported by the messaging provider.
type StatusKind string

const (
	StatusSent      StatusKind = "sent"
	StatusDelivered StatusKind = "delivered"
	StatusRead      StatusKind = "read"
	StatusFailed    StatusKind = "failed"
)

// ParseStatusKind accepts the four tracked statuses, case-insensitively.
func ParseStatusKind(s string) (StatusKind, bool) {
	switch k := StatusKind(strings.ToLower(strings.TrimSpace(s))); k {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return k, true
	default:
		return "", false
	}
}

const TriggerSchedule = "schedule"

// DispatchPayload is the body POSTed to the dispatch callback by both the
// delay queue and the local timer.
type DispatchPayload struct {
	CampaignID   string `json:"campaignId"`
	TemplateName string `json:"templateName"`
	Trigger      string `json:"trigger"`
	ScheduledAt  string `json:"scheduledAt"`
}

type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignDispatched CampaignStatus = "dispatched"
)

type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TemplateName string         `json:"template_name"`
	Status       CampaignStatus `json:"status"`
	ScheduledAt  string         `json:"scheduled_at,omitempty"`

	ScheduleMode      ScheduleMode `json:"schedule_mode,omitempty"`
	ScheduleMessageID string       `json:"schedule_message_id,omitempty"`
	ScheduleDedupKey  string       `json:"schedule_dedup_key,omitempty"`
	ScheduleReason    string       `json:"schedule_reason,omitempty"`

	SentCount      int `json:"sent_count"`
	DeliveredCount int `json:"delivered_count"`
	ReadCount      int `json:"read_count"`
	FailedCount    int `json:"failed_count"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Message links a provider message id to the campaign and contact it was sent for.
type Message struct {
	MessageID  string     `json:"message_id"`
	CampaignID string     `json:"campaign_id"`
	Contact    string     `json:"contact"`
	Status     StatusKind `json:"status"`
	Error      string     `json:"error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StatusEvent is one delivery-status notification after envelope parsing.
type StatusEvent struct {
	MessageID   string
	Status      StatusKind
	RecipientID string
	Timestamp   time.Time
	Error       string
}
