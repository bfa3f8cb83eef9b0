package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// RecordEvent is the transactional outbox row written next to every audit
// entry. It is published after commit by workflow.OutboxDispatcher.
type RecordEvent struct {
	ID               int            `gorm:"primary_key" json:"id"`
	RecordDate       Date           `gorm:"index;not null" json:"record_date"`
	Action           AuditAction    `gorm:"size:10;not null" json:"action"`
	AuditEntryId     string         `gorm:"size:36;not null" json:"audit_entry_id"`
	Payload          datatypes.JSON `json:"payload"`
	PublishStatus    string         `gorm:"size:20;index;not null;default:PENDING" json:"publish_status"`
	PublishAttempts  int            `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time     `json:"next_attempt_at"`
	LockedAt         *time.Time     `json:"locked_at"`
	LockedBy         *string        `gorm:"size:36" json:"locked_by"`
	LastPublishError *string        `gorm:"type:text" json:"last_publish_error"`
	PublishedAt      *time.Time     `json:"published_at"`
	PubSubMessageId  *string        `gorm:"size:255" json:"pub_sub_message_id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// RecordEventMessage is the published body.
type RecordEventMessage struct {
	AuditEntryId  string           `json:"audit_entry_id"`
	RecordDate    Date             `json:"record_date"`
	Action        AuditAction      `json:"action"`
	Actor         string           `json:"actor"`
	OccurredAt    time.Time        `json:"occurred_at"`
	FieldChanges  []FieldChange    `json:"field_changes"`
	Record        *DailyRecordView `json:"record,omitempty"`
	CorrelationId string           `json:"correlation_id"`
}

func enqueueRecordEvent(ctx context.Context, tx *gorm.DB, entry *AuditEntry, after *DailyRecord) error {
	msg := RecordEventMessage{
		AuditEntryId:  entry.ID,
		RecordDate:    entry.RecordDate,
		Action:        entry.Action,
		Actor:         entry.Actor,
		OccurredAt:    entry.Timestamp,
		FieldChanges:  entry.FieldChanges,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if after != nil {
		msg.Record = NewDailyRecordView(after)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return tx.Create(&RecordEvent{
		RecordDate:    entry.RecordDate,
		Action:        entry.Action,
		AuditEntryId:  entry.ID,
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
	}).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
