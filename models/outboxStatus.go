package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// OutboxStatus is an operator-facing view of one record event.
type OutboxStatus struct {
	EventId          int         `json:"event_id"`
	RecordDate       Date        `json:"record_date"`
	Action           AuditAction `json:"action"`
	AuditEntryId     string      `json:"audit_entry_id"`
	PublishStatus    string      `json:"publish_status"`
	PublishAttempts  int         `json:"publish_attempts"`
	NextAttemptAt    *time.Time  `json:"next_attempt_at"`
	LastPublishError *string     `json:"last_publish_error"`
	CreatedAt        time.Time   `json:"created_at"`
	PublishedAt      *time.Time  `json:"published_at"`
}

func newOutboxStatus(ev *RecordEvent) *OutboxStatus {
	return &OutboxStatus{
		EventId:          ev.ID,
		RecordDate:       ev.RecordDate,
		Action:           ev.Action,
		AuditEntryId:     ev.AuditEntryId,
		PublishStatus:    ev.PublishStatus,
		PublishAttempts:  ev.PublishAttempts,
		NextAttemptAt:    ev.NextAttemptAt,
		LastPublishError: ev.LastPublishError,
		CreatedAt:        ev.CreatedAt,
		PublishedAt:      ev.PublishedAt,
	}
}

// GetOutboxStatus lists the events of one date, oldest first.
func GetOutboxStatus(ctx context.Context, db *gorm.DB, date Date) ([]*OutboxStatus, error) {
	var events []*RecordEvent
	if err := db.WithContext(ctx).
		Where("record_date = ?", date).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, &PersistenceError{Op: "outbox status", Err: err}
	}
	statuses := make([]*OutboxStatus, 0, len(events))
	for _, ev := range events {
		statuses = append(statuses, newOutboxStatus(ev))
	}
	return statuses, nil
}

// OutboxSummary counts events per publish status. Every status is present.
func OutboxSummary(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		PublishStatus string
		Count         int64
	}
	if err := db.WithContext(ctx).
		Model(&RecordEvent{}).
		Select("publish_status, COUNT(*) AS count").
		Group("publish_status").
		Scan(&rows).Error; err != nil {
		return nil, &PersistenceError{Op: "outbox summary", Err: err}
	}
	summary := map[string]int64{
		OutboxPublishStatusPending:    0,
		OutboxPublishStatusProcessing: 0,
		OutboxPublishStatusSent:       0,
		OutboxPublishStatusFailed:     0,
		OutboxPublishStatusDead:       0,
	}
	for _, r := range rows {
		summary[r.PublishStatus] = r.Count
	}
	return summary, nil
}

// ReprocessOutbox puts the FAILED and DEAD events of a date back to PENDING
// with a fresh attempt budget. Sent events are left alone. NotFoundError
// means there was nothing to requeue.
func ReprocessOutbox(ctx context.Context, db *gorm.DB, date Date) ([]*OutboxStatus, error) {
	res := db.WithContext(ctx).
		Model(&RecordEvent{}).
		Where("record_date = ? AND publish_status IN ?", date, []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, &PersistenceError{Op: "outbox reprocess", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil, &NotFoundError{Date: date}
	}
	return GetOutboxStatus(ctx, db, date)
}
