package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/dailyrecords_backend/models")

// RecordStore owns the daily_records table. Every mutation commits the record
// change, its audit entry and its outbox event in one transaction, under the
// date's lock.
type RecordStore struct {
	db     *gorm.DB
	audit  *AuditTrail
	locker DateLocker
	logger *logrus.Logger
	now    func() time.Time
}

func NewRecordStore(db *gorm.DB, locker DateLocker, logger *logrus.Logger) *RecordStore {
	if locker == nil {
		locker = NewLocalDateLocker(0)
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &RecordStore{
		db:     db,
		audit:  NewAuditTrail(db),
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

func (s *RecordStore) Audit() *AuditTrail {
	return s.audit
}

// Create stores a validated record. The date must not be taken.
func (s *RecordStore) Create(ctx context.Context, record *DailyRecord, actor string) (*DailyRecordView, error) {
	if record == nil || record.RecordDate.IsZero() {
		return nil, &ValidationError{Field: FieldDate, Reason: "is required"}
	}
	date := record.RecordDate
	ctx, span := s.startSpan(ctx, "RecordStore.Create", date)
	defer span.End()

	if strings.TrimSpace(actor) == "" {
		return nil, &InvalidActorError{}
	}
	unlock, err := s.locker.Lock(ctx, date)
	if err != nil {
		return nil, s.fail(ctx, span, "Create", date, err)
	}
	defer unlock()

	created := *record
	created.CreatedAt = time.Time{}
	created.UpdatedAt = time.Time{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := recordExists(tx, date)
		if err != nil {
			return err
		}
		if exists {
			return &DuplicateDateError{Date: date}
		}
		if err := tx.Create(&created).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return &DuplicateDateError{Date: date}
			}
			return err
		}
		entry, err := s.audit.RecordTx(tx, date, AuditActionCreate, actor, creationChanges(&created))
		if err != nil {
			return err
		}
		return enqueueRecordEvent(ctx, tx, entry, &created)
	})
	if err != nil {
		return nil, s.fail(ctx, span, "Create", date, err)
	}
	return NewDailyRecordView(&created), nil
}

// Update applies patch to an existing record. A patch that changes nothing
// succeeds without writing anything, audit entry included.
func (s *RecordStore) Update(ctx context.Context, date Date, patch *RecordPatch, actor string) (*DailyRecordView, error) {
	ctx, span := s.startSpan(ctx, "RecordStore.Update", date)
	defer span.End()

	if strings.TrimSpace(actor) == "" {
		return nil, &InvalidActorError{}
	}
	unlock, err := s.locker.Lock(ctx, date)
	if err != nil {
		return nil, s.fail(ctx, span, "Update", date, err)
	}
	defer unlock()

	var result DailyRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := takeRecord(tx, date)
		if err != nil {
			return err
		}
		after := *current
		patch.apply(&after)
		changes := diffRecords(current, &after)
		if len(changes) == 0 {
			result = *current
			return nil
		}
		after.UpdatedAt = s.now().UTC()
		if err := tx.Model(&DailyRecord{}).
			Where("record_date = ?", date).
			Updates(recordColumns(&after)).Error; err != nil {
			return err
		}
		entry, err := s.audit.RecordTx(tx, date, AuditActionUpdate, actor, changes)
		if err != nil {
			return err
		}
		result = after
		return enqueueRecordEvent(ctx, tx, entry, &after)
	})
	if err != nil {
		return nil, s.fail(ctx, span, "Update", date, err)
	}
	return NewDailyRecordView(&result), nil
}

// Delete removes the record. Its history stays.
func (s *RecordStore) Delete(ctx context.Context, date Date, actor string) error {
	ctx, span := s.startSpan(ctx, "RecordStore.Delete", date)
	defer span.End()

	if strings.TrimSpace(actor) == "" {
		return &InvalidActorError{}
	}
	unlock, err := s.locker.Lock(ctx, date)
	if err != nil {
		return s.fail(ctx, span, "Delete", date, err)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := takeRecord(tx, date)
		if err != nil {
			return err
		}
		if err := tx.Where("record_date = ?", date).Delete(&DailyRecord{}).Error; err != nil {
			return err
		}
		entry, err := s.audit.RecordTx(tx, date, AuditActionDelete, actor, deletionChanges(current))
		if err != nil {
			return err
		}
		return enqueueRecordEvent(ctx, tx, entry, nil)
	})
	if err != nil {
		return s.fail(ctx, span, "Delete", date, err)
	}
	return nil
}

func (s *RecordStore) Get(ctx context.Context, date Date) (*DailyRecordView, error) {
	record, err := takeRecord(s.db.WithContext(ctx), date)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	return NewDailyRecordView(record), nil
}

// List returns the records in r, oldest first.
func (s *RecordStore) List(ctx context.Context, r DateRange) ([]*DailyRecordView, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	dbCtx := s.db.WithContext(ctx).Model(&DailyRecord{})
	if !r.From.IsZero() {
		dbCtx = dbCtx.Where("record_date >= ?", r.From)
	}
	if !r.To.IsZero() {
		dbCtx = dbCtx.Where("record_date <= ?", r.To)
	}
	var records []*DailyRecord
	if err := dbCtx.Order("record_date ASC").Find(&records).Error; err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	views := make([]*DailyRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, NewDailyRecordView(rec))
	}
	return views, nil
}

// Latest returns the most recent record, or nil when the table is empty.
func (s *RecordStore) Latest(ctx context.Context) (*DailyRecordView, error) {
	var records []*DailyRecord
	err := s.db.WithContext(ctx).Order("record_date DESC").Limit(1).Find(&records).Error
	if err != nil {
		return nil, &PersistenceError{Op: "latest", Err: err}
	}
	if len(records) == 0 {
		return nil, nil
	}
	return NewDailyRecordView(records[0]), nil
}

func (s *RecordStore) startSpan(ctx context.Context, name string, date Date) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("record_date", date.String())))
}

// fail passes domain errors through and wraps everything else as a
// PersistenceError. Storage failures are logged.
func (s *RecordStore) fail(ctx context.Context, span trace.Span, funcName string, date Date, err error) error {
	var (
		validation   *ValidationError
		duplicate    *DuplicateDateError
		notFound     *NotFoundError
		invalidActor *InvalidActorError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &duplicate),
		errors.As(err, &notFound), errors.As(err, &invalidActor):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	config.LogError(s.logger, "recordStore.go", funcName, "daily record mutation failed", date.String(), err)
	return &PersistenceError{Op: strings.ToLower(funcName), Err: err}
}

func recordExists(tx *gorm.DB, date Date) (bool, error) {
	var count int64
	if err := tx.Model(&DailyRecord{}).Where("record_date = ?", date).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func takeRecord(tx *gorm.DB, date Date) (*DailyRecord, error) {
	var record DailyRecord
	err := tx.Where("record_date = ?", date).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Date: date}
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// recordColumns lists every stored column of r so that zero values are
// written too.
func recordColumns(r *DailyRecord) map[string]interface{} {
	return map[string]interface{}{
		"bill_count":       r.BillCount,
		"actual_cash":      r.ActualCash,
		"online_sales":     r.OnlineSales,
		"unbilled_sales":   r.UnbilledSales,
		"software_figure":  r.SoftwareFigure,
		"cash_reserve":     r.CashReserve,
		"expense_amount":   r.ExpenseAmount,
		"reserve_comments": r.ReserveComments,
		"notes":            r.Notes,
		"updated_at":       r.UpdatedAt,
	}
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqlDriver.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
