// Package store persists campaigns and the provider messages sent for them in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"campaignd/internal/apperrors"
	"campaignd/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  template_name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('draft','scheduled','dispatched')) DEFAULT 'draft',
  scheduled_at TEXT NOT NULL DEFAULT '',
  schedule_mode TEXT NOT NULL DEFAULT '',
  schedule_message_id TEXT NOT NULL DEFAULT '',
  schedule_dedup_key TEXT NOT NULL DEFAULT '',
  schedule_reason TEXT NOT NULL DEFAULT '',
  sent_count INTEGER NOT NULL DEFAULT 0,
  delivered_count INTEGER NOT NULL DEFAULT 0,
  read_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  dispatched_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status, schedule_mode)`,
	`CREATE TABLE IF NOT EXISTS messages (
  message_id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  contact TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'sent',
  error TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  FOREIGN KEY(campaign_id) REFERENCES campaigns(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_campaign ON messages(campaign_id)`,
}

// Open opens the database at path, limited to a single connection, and ensures the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type Repository interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error)
	// UpdateScheduledAt moves a campaign to a new time and clears its previous handle.
	UpdateScheduledAt(ctx context.Context, id, scheduledAt string) (domain.Campaign, error)
	RecordScheduleHandle(ctx context.Context, h domain.ScheduleHandle) error
	// MarkDispatched reports false when the campaign is no longer scheduled for scheduledAt.
	MarkDispatched(ctx context.Context, id, scheduledAt string, at time.Time) (bool, error)
	RecordMessage(ctx context.Context, m domain.Message) error
	// ApplyStatus returns the campaign the message belongs to.
	ApplyStatus(ctx context.Context, ev domain.StatusEvent) (string, error)
	ListUnarmed(ctx context.Context) ([]domain.Campaign, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

const campaignColumns = `id,name,template_name,status,scheduled_at,schedule_mode,schedule_message_id,schedule_dedup_key,schedule_reason,
sent_count,delivered_count,read_count,failed_count,dispatched_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (domain.Campaign, error) {
	var (
		c                    domain.Campaign
		status, mode         string
		dispatched           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.Name, &c.TemplateName, &status, &c.ScheduledAt, &mode, &c.ScheduleMessageID, &c.ScheduleDedupKey, &c.ScheduleReason,
		&c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount, &dispatched, &createdAt, &updatedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	c.ScheduleMode = domain.ScheduleMode(mode)
	if dispatched.Valid && dispatched.String != "" {
		t := parseTime(dispatched.String)
		c.DispatchedAt = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func (r *sqliteRepo) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.ID == "" {
		c.ID = "cmp_" + uuid.NewString()
	}
	c.Status = domain.CampaignDraft
	if c.ScheduledAt != "" {
		c.Status = domain.CampaignScheduled
	}
	now := r.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO campaigns (id,name,template_name,status,scheduled_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`, c.ID, c.Name, c.TemplateName, string(c.Status), c.ScheduledAt, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.Campaign{}, apperrors.Conflict("campaign", fmt.Sprintf("campaign %s already exists", c.ID))
		}
		return domain.Campaign{}, apperrors.Internal("store.createCampaign", err)
	}
	return c, nil
}

func (r *sqliteRepo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, apperrors.NotFound("campaign", id)
	}
	if err != nil {
		return domain.Campaign{}, apperrors.Internal("store.getCampaign", err)
	}
	return c, nil
}

func (r *sqliteRepo) ListCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryCampaigns(ctx, "store.listCampaigns", `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *sqliteRepo) ListUnarmed(ctx context.Context) ([]domain.Campaign, error) {
	return r.queryCampaigns(ctx, "store.listUnarmed", `SELECT `+campaignColumns+` FROM campaigns
WHERE status='scheduled' AND schedule_mode IN ('', 'skipped')
ORDER BY scheduled_at`)
}

func (r *sqliteRepo) queryCampaigns(ctx context.Context, op, query string, args ...any) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, apperrors.Internal(op, err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return campaigns, nil
}

func (r *sqliteRepo) UpdateScheduledAt(ctx context.Context, id, scheduledAt string) (domain.Campaign, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE campaigns
SET scheduled_at=?, status='scheduled', schedule_mode='', schedule_message_id='', schedule_dedup_key='', schedule_reason='', updated_at=?
WHERE id=? AND status != 'dispatched'`, scheduledAt, formatTime(r.now()), id)
	if err != nil {
		return domain.Campaign{}, apperrors.Internal("store.updateScheduledAt", err)
	}
	c, err := r.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Campaign{}, apperrors.Conflict("campaign", fmt.Sprintf("campaign %s already dispatched", id))
	}
	return c, nil
}

// RecordScheduleHandle is a no-op when the campaign has since moved to another time.
func (r *sqliteRepo) RecordScheduleHandle(ctx context.Context, h domain.ScheduleHandle) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE campaigns
SET schedule_mode=?, schedule_message_id=?, schedule_dedup_key=?, schedule_reason=?, updated_at=?
WHERE id=? AND scheduled_at=?`,
		string(h.Mode), h.ExternalMessageID, h.DedupKey, h.Reason, formatTime(r.now()), h.CampaignID, h.ScheduledAtISO)
	if err != nil {
		return apperrors.Internal("store.recordScheduleHandle", err)
	}
	return nil
}

func (r *sqliteRepo) MarkDispatched(ctx context.Context, id, scheduledAt string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE campaigns SET status='dispatched', dispatched_at=?, updated_at=?
WHERE id=? AND scheduled_at=? AND status='scheduled'`, formatTime(at), formatTime(r.now()), id, scheduledAt)
	if err != nil {
		return false, apperrors.Internal("store.markDispatched", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Internal("store.markDispatched", err)
	}
	return n == 1, nil
}

func (r *sqliteRepo) RecordMessage(ctx context.Context, m domain.Message) error {
	if m.MessageID == "" {
		return apperrors.Validation("message_id", "message_id is required")
	}
	if m.Status == "" {
		m.Status = domain.StatusSent
	}
	if _, err := r.GetCampaign(ctx, m.CampaignID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO messages (message_id,campaign_id,contact,status,error,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(message_id) DO UPDATE SET campaign_id=excluded.campaign_id, contact=excluded.contact`,
		m.MessageID, m.CampaignID, m.Contact, string(m.Status), m.Error, formatTime(r.now()))
	if err != nil {
		return apperrors.Internal("store.recordMessage", err)
	}
	return nil
}

var statusRank = map[domain.StatusKind]int{
	domain.StatusSent:      1,
	domain.StatusDelivered: 2,
	domain.StatusRead:      3,
	domain.StatusFailed:    4,
}

var counterColumn = map[domain.StatusKind]string{
	domain.StatusSent:      "sent_count",
	domain.StatusDelivered: "delivered_count",
	domain.StatusRead:      "read_count",
	domain.StatusFailed:    "failed_count",
}

// ApplyStatus bumps the campaign counter for ev.Status and advances the
// message's status. Statuses arriving out of order never move a message backwards.
func (r *sqliteRepo) ApplyStatus(ctx context.Context, ev domain.StatusEvent) (string, error) {
	column, ok := counterColumn[ev.Status]
	if !ok {
		return "", apperrors.Validation("status", fmt.Sprintf("unsupported status %q", ev.Status))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperrors.Internal("store.applyStatus", err)
	}
	defer tx.Rollback()

	var campaignID, current string
	err = tx.QueryRowContext(ctx, `SELECT campaign_id, status FROM messages WHERE message_id=?`, ev.MessageID).Scan(&campaignID, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("message", ev.MessageID)
	}
	if err != nil {
		return "", apperrors.Internal("store.applyStatus", err)
	}

	now := formatTime(r.now())
	if statusRank[ev.Status] > statusRank[domain.StatusKind(current)] {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status=?, error=?, updated_at=? WHERE message_id=?`,
			string(ev.Status), ev.Error, now, ev.MessageID); err != nil {
			return "", apperrors.Internal("store.applyStatus", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET `+column+`=`+column+`+1, updated_at=? WHERE id=?`, now, campaignID); err != nil {
		return "", apperrors.Internal("store.applyStatus", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperrors.Internal("store.applyStatus", err)
	}
	return campaignID, nil
}
