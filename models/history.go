package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditAction string

const (
	AuditActionCreate AuditAction = "CREATE"
	AuditActionUpdate AuditAction = "UPDATE"
	AuditActionDelete AuditAction = "DELETE"
)

func (a AuditAction) IsValid() bool {
	switch a {
	case AuditActionCreate, AuditActionUpdate, AuditActionDelete:
		return true
	}
	return false
}

const (
	defaultAuditLimit = 20
	maxAuditLimit     = 500
)

// FieldChange is one field of one mutation. OldValue is nil on CREATE and
// NewValue is nil on DELETE.
type FieldChange struct {
	Field    string  `json:"field"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

// AuditEntry is written once, in the same transaction as the mutation it
// describes, and never touched again. Seq fixes commit order.
type AuditEntry struct {
	Seq          uint64                           `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID           string                           `gorm:"size:36;uniqueIndex;not null" json:"id"`
	RecordDate   Date                             `gorm:"index;not null" json:"record_date"`
	Action       AuditAction                      `gorm:"size:10;not null" json:"action"`
	Actor        string                           `gorm:"size:100;index;not null" json:"actor"`
	Timestamp    time.Time                        `gorm:"not null;precision:6" json:"timestamp"`
	FieldChanges datatypes.JSONSlice[FieldChange] `json:"field_changes"`
}

func (AuditEntry) TableName() string {
	return "daily_record_audits"
}

// AuditTrail is the append-only history of every daily record mutation.
type AuditTrail struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditTrail(db *gorm.DB) *AuditTrail {
	return &AuditTrail{db: db, now: time.Now}
}

// Record appends a standalone entry in its own statement.
func (a *AuditTrail) Record(ctx context.Context, recordDate Date, action AuditAction, actor string, changes []FieldChange) (*AuditEntry, error) {
	entry, err := a.RecordTx(a.db.WithContext(ctx), recordDate, action, actor, changes)
	if err != nil {
		var invalidActor *InvalidActorError
		var invalid *ValidationError
		if errors.As(err, &invalidActor) || errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "audit record", Err: err}
	}
	return entry, nil
}

// RecordTx appends an entry using the caller's transaction so the entry
// commits or rolls back together with the mutation.
func (a *AuditTrail) RecordTx(tx *gorm.DB, recordDate Date, action AuditAction, actor string, changes []FieldChange) (*AuditEntry, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, &InvalidActorError{}
	}
	if !action.IsValid() {
		return nil, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown audit action %q", action)}
	}
	if changes == nil {
		changes = []FieldChange{}
	}
	entry := AuditEntry{
		ID:           uuid.NewString(),
		RecordDate:   recordDate,
		Action:       action,
		Actor:        actor,
		Timestamp:    a.now().UTC().Truncate(time.Microsecond),
		FieldChanges: changes,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// QueryByRecord returns a record's history, oldest first. History outlives
// the record: entries of a deleted date are still returned.
func (a *AuditTrail) QueryByRecord(ctx context.Context, recordDate Date) ([]*AuditEntry, error) {
	var results []*AuditEntry
	err := a.db.WithContext(ctx).
		Where("record_date = ?", recordDate).
		Order("seq ASC").
		Find(&results).Error
	if err != nil {
		return nil, &PersistenceError{Op: "audit query by record", Err: err}
	}
	return results, nil
}

// QueryByActor returns the actor's most recent entries, newest first.
func (a *AuditTrail) QueryByActor(ctx context.Context, actor string, limit int) ([]*AuditEntry, error) {
	return a.Query(ctx, AuditFilter{Actor: actor, Limit: limit})
}

func (a *AuditTrail) ListActors(ctx context.Context) ([]string, error) {
	var actors []string
	err := a.db.WithContext(ctx).
		Model(&AuditEntry{}).
		Distinct("actor").
		Order("actor ASC").
		Pluck("actor", &actors).Error
	if err != nil {
		return nil, &PersistenceError{Op: "audit list actors", Err: err}
	}
	return actors, nil
}

type AuditFilter struct {
	Actor      string
	RecordDate *Date
	Action     AuditAction
	Limit      int
}

// Query backs the audit log screen: newest first, optionally narrowed.
func (a *AuditTrail) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	dbCtx := a.db.WithContext(ctx).Model(&AuditEntry{})
	if actor := strings.TrimSpace(f.Actor); actor != "" {
		dbCtx = dbCtx.Where("actor = ?", actor)
	}
	if f.RecordDate != nil {
		dbCtx = dbCtx.Where("record_date = ?", *f.RecordDate)
	}
	if f.Action != "" {
		dbCtx = dbCtx.Where("action = ?", f.Action)
	}

	var results []*AuditEntry
	err := dbCtx.Order("seq DESC").Limit(normalizeAuditLimit(f.Limit)).Find(&results).Error
	if err != nil {
		return nil, &PersistenceError{Op: "audit query", Err: err}
	}
	return results, nil
}

// ForRange returns every entry whose record date falls in r, in commit
// order. Used for JSON Lines export.
func (a *AuditTrail) ForRange(ctx context.Context, r DateRange) ([]*AuditEntry, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	dbCtx := a.db.WithContext(ctx).Model(&AuditEntry{})
	if !r.From.IsZero() {
		dbCtx = dbCtx.Where("record_date >= ?", r.From)
	}
	if !r.To.IsZero() {
		dbCtx = dbCtx.Where("record_date <= ?", r.To)
	}
	var results []*AuditEntry
	if err := dbCtx.Order("seq ASC").Find(&results).Error; err != nil {
		return nil, &PersistenceError{Op: "audit range", Err: err}
	}
	return results, nil
}

func (a *AuditTrail) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := a.db.WithContext(ctx).Model(&AuditEntry{}).Count(&count).Error; err != nil {
		return 0, &PersistenceError{Op: "audit count", Err: err}
	}
	return count, nil
}

func normalizeAuditLimit(limit int) int {
	if limit <= 0 {
		return defaultAuditLimit
	}
	if limit > maxAuditLimit {
		return maxAuditLimit
	}
	return limit
}

// Replay folds one record's history, oldest first, into the state it
// describes. exists is false when the last entry deleted the record.
// UPDATE and DELETE entries must agree with the state they were applied to.
func Replay(entries []*AuditEntry) (record *DailyRecord, exists bool, err error) {
	for i, e := range entries {
		switch e.Action {
		case AuditActionCreate:
			if exists {
				return nil, false, fmt.Errorf("entry %d: CREATE for %s while the record exists", i, e.RecordDate)
			}
			record = &DailyRecord{RecordDate: e.RecordDate}
			exists = true
		case AuditActionUpdate, AuditActionDelete:
			if !exists {
				return nil, false, fmt.Errorf("entry %d: %s for %s before any CREATE", i, e.Action, e.RecordDate)
			}
		default:
			return nil, false, fmt.Errorf("entry %d: unknown action %q", i, e.Action)
		}

		for _, c := range e.FieldChanges {
			f, ok := lookupField(c.Field)
			if !ok {
				return nil, false, fmt.Errorf("entry %d: unknown field %q", i, c.Field)
			}
			if c.OldValue != nil && e.Action != AuditActionCreate {
				if err := checkOldValue(f, record, *c.OldValue); err != nil {
					return nil, false, fmt.Errorf("entry %d: %w", i, err)
				}
			}
			if c.NewValue != nil {
				if err := f.set(record, *c.NewValue); err != nil {
					return nil, false, fmt.Errorf("entry %d: field %s: %w", i, c.Field, err)
				}
			}
		}

		if e.Action == AuditActionDelete {
			record, exists = nil, false
		}
	}
	return record, exists, nil
}

func checkOldValue(f recordField, current *DailyRecord, old string) error {
	var probe DailyRecord
	if err := f.set(&probe, old); err != nil {
		return fmt.Errorf("field %s: %w", f.name, err)
	}
	if !f.equal(&probe, current) {
		return fmt.Errorf("field %s: history says %q, replayed state has %q", f.name, old, f.get(current))
	}
	return nil
}
