package models_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"gorm.io/gorm"
)

func TestRecordStore_CreateWritesRecordAuditAndEvent(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")
	store, db := newTestStore(t)
	date := models.NewDate(2024, 1, 15)

	view, err := store.Create(ctx, workedExample(date), "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !view.TotalSales.Equal(dec("1150")) || !view.Difference.Equal(dec("100")) {
		t.Fatalf("unexpected derived figures: %+v", view.DerivedFigures)
	}
	if view.Weekday != "Monday" {
		t.Fatalf("expected Monday, got %s", view.Weekday)
	}

	got, err := store.Get(ctx, date)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !models.SameFigures(&got.DailyRecord, workedExample(date)) {
		t.Fatalf("stored record differs: %+v", got.DailyRecord)
	}

	history, err := store.Audit().QueryByRecord(ctx, date)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(history))
	}
	entry := history[0]
	if entry.Action != models.AuditActionCreate || entry.Actor != "alice" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	// Only the seven non-default fields; empty notes are left out.
	if len(entry.FieldChanges) != 7 {
		t.Fatalf("expected 7 field changes, got %d", len(entry.FieldChanges))
	}
	for _, c := range entry.FieldChanges {
		if c.OldValue != nil || c.NewValue == nil {
			t.Fatalf("CREATE change %s must have only a new value", c.Field)
		}
		if c.Field == models.FieldNotes || c.Field == models.FieldReserveComments {
			t.Fatalf("default field %s must not be listed", c.Field)
		}
	}

	var events []models.RecordEvent
	if err := db.Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(events))
	}
	ev := events[0]
	if ev.PublishStatus != models.OutboxPublishStatusPending || ev.AuditEntryId != entry.ID || ev.Action != models.AuditActionCreate {
		t.Fatalf("unexpected event %+v", ev)
	}
	var msg models.RecordEventMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.CorrelationId != "corr-1" || msg.Record == nil || msg.Actor != "alice" {
		t.Fatalf("unexpected payload %+v", msg)
	}
}

func TestRecordStore_CreateDuplicateDate(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	date := models.NewDate(2024, 1, 15)

	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second := workedExample(date)
	second.ActualCash = dec("1")
	_, err := store.Create(ctx, second, "bob")
	var dup *models.DuplicateDateError
	if !errors.As(err, &dup) || dup.Date != date {
		t.Fatalf("expected DuplicateDateError, got %v", err)
	}

	if n := countRows(t, db, &models.AuditEntry{}); n != 1 {
		t.Fatalf("expected 1 audit entry, got %d", n)
	}
	got, err := store.Get(ctx, date)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ActualCash.Equal(dec("800")) {
		t.Fatalf("the first record must be untouched, got actual cash %s", got.ActualCash)
	}
}

func TestRecordStore_RejectsBlankActor(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	date := models.NewDate(2024, 1, 15)

	_, err := store.Create(ctx, workedExample(date), "   ")
	var invalid *models.InvalidActorError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidActorError, got %v", err)
	}
	if n := countRows(t, db, &models.DailyRecord{}); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
	if err := store.Delete(ctx, date, ""); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidActorError on delete, got %v", err)
	}
}

func TestRecordStore_UpdateRecordsExactDiff(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	date := models.NewDate(2024, 1, 15)
	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	view, err := store.Update(ctx, date, &models.RecordPatch{
		ActualCash:     decPtr("850"),
		SoftwareFigure: decPtr("1000"), // unchanged
		Notes:          strPtr("recounted"),
	}, "bob")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !view.Difference.Equal(dec("150")) {
		t.Fatalf("expected difference 150 after update, got %s", view.Difference)
	}

	history, err := store.Audit().QueryByRecord(ctx, date)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(history))
	}
	upd := history[1]
	if upd.Action != models.AuditActionUpdate || upd.Actor != "bob" {
		t.Fatalf("unexpected entry %+v", upd)
	}
	want := map[string][2]string{
		models.FieldActualCash: {"800", "850"},
		models.FieldNotes:      {"", "recounted"},
	}
	if len(upd.FieldChanges) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), upd.FieldChanges)
	}
	for _, c := range upd.FieldChanges {
		w, ok := want[c.Field]
		if !ok {
			t.Fatalf("unexpected changed field %s", c.Field)
		}
		if c.OldValue == nil || c.NewValue == nil || *c.OldValue != w[0] || *c.NewValue != w[1] {
			t.Fatalf("field %s: expected %q -> %q", c.Field, w[0], w[1])
		}
	}
}

func TestRecordStore_UpdateWithoutChangesWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	date := models.NewDate(2024, 1, 15)
	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	view, err := store.Update(ctx, date, &models.RecordPatch{ActualCash: decPtr("800.00")}, "bob")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !view.ActualCash.Equal(dec("800")) {
		t.Fatalf("unexpected actual cash %s", view.ActualCash)
	}
	if n := countRows(t, db, &models.AuditEntry{}); n != 1 {
		t.Fatalf("expected no new audit entry, got %d entries", n)
	}
	if n := countRows(t, db, &models.RecordEvent{}); n != 1 {
		t.Fatalf("expected no new outbox event, got %d events", n)
	}
}

func TestRecordStore_DeleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	date := models.NewDate(2024, 1, 15)
	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, date, "carol"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, err := store.Get(ctx, date)
	var notFound *models.NotFoundError
	if !errors.As(err, &notFound) || !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}

	history, err := store.Audit().QueryByRecord(ctx, date)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	if len(history) != 2 || history[1].Action != models.AuditActionDelete {
		t.Fatalf("expected CREATE then DELETE, got %d entries", len(history))
	}
	del := history[1]
	// Every field is captured, defaults included.
	if len(del.FieldChanges) != 9 {
		t.Fatalf("expected 9 captured fields, got %d", len(del.FieldChanges))
	}
	for _, c := range del.FieldChanges {
		if c.OldValue == nil || c.NewValue != nil {
			t.Fatalf("DELETE change %s must carry only the old value", c.Field)
		}
	}

	var last models.RecordEvent
	if err := db.Order("id DESC").First(&last).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	var msg models.RecordEventMessage
	if err := json.Unmarshal(last.Payload, &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.Action != models.AuditActionDelete || msg.Record != nil {
		t.Fatalf("delete event must carry no record, got %+v", msg)
	}

	// The date is free again and the new history continues after the delete.
	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("re-create: %v", err)
	}
	history, _ = store.Audit().QueryByRecord(ctx, date)
	if _, exists, err := models.Replay(history); err != nil || !exists {
		t.Fatalf("replay after re-create: exists=%t err=%v", exists, err)
	}
}

func TestRecordStore_MissingDate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	date := models.NewDate(2024, 1, 15)

	var notFound *models.NotFoundError
	if _, err := store.Update(ctx, date, &models.RecordPatch{ActualCash: decPtr("1")}, "bob"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError on update, got %v", err)
	}
	if err := store.Delete(ctx, date, "bob"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError on delete, got %v", err)
	}
	latest, err := store.Latest(ctx)
	if err != nil || latest != nil {
		t.Fatalf("expected no latest record, got %v, %v", latest, err)
	}
}

func TestRecordStore_ListAndLatest(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, day := range []int{20, 5, 12} {
		if _, err := store.Create(ctx, workedExample(models.NewDate(2024, 1, day)), "alice"); err != nil {
			t.Fatalf("Create day %d: %v", day, err)
		}
	}

	views, err := store.List(ctx, models.DateRange{From: models.NewDate(2024, 1, 6), To: models.NewDate(2024, 1, 31)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 2 || views[0].RecordDate.Day != 12 || views[1].RecordDate.Day != 20 {
		t.Fatalf("expected days 12 and 20 in order, got %d views", len(views))
	}

	latest, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.RecordDate != models.NewDate(2024, 1, 20) {
		t.Fatalf("expected latest 2024-01-20, got %+v", latest)
	}

	_, err = store.List(ctx, models.DateRange{From: models.NewDate(2024, 2, 1), To: models.NewDate(2024, 1, 1)})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for inverted range, got %v", err)
	}
}

func failAuditInserts(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_audit_insert", func(tx *gorm.DB) {
		if tx.Statement.Table == "daily_record_audits" {
			_ = tx.AddError(errors.New("injected audit write failure"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

func TestRecordStore_AuditFailureRollsBackMutation(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	date := models.NewDate(2024, 1, 15)
	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	failAuditInserts(t, db)

	var perr *models.PersistenceError
	other := models.NewDate(2024, 1, 16)
	if _, err := store.Create(ctx, workedExample(other), "alice"); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError on create, got %v", err)
	}
	if _, err := store.Update(ctx, date, &models.RecordPatch{ActualCash: decPtr("1")}, "bob"); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError on update, got %v", err)
	}
	if err := store.Delete(ctx, date, "bob"); !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError on delete, got %v", err)
	}

	if n := countRows(t, db, &models.DailyRecord{}); n != 1 {
		t.Fatalf("expected only the original record, got %d", n)
	}
	got, err := store.Get(ctx, date)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ActualCash.Equal(dec("800")) {
		t.Fatalf("failed update leaked: actual cash %s", got.ActualCash)
	}
	if n := countRows(t, db, &models.AuditEntry{}); n != 1 {
		t.Fatalf("expected 1 audit entry, got %d", n)
	}
	if n := countRows(t, db, &models.RecordEvent{}); n != 1 {
		t.Fatalf("expected 1 outbox event, got %d", n)
	}
}

func TestRecordStore_ConcurrentUpdatesSameDate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	date := models.NewDate(2024, 1, 15)
	if _, err := store.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cash := dec(fmt.Sprintf("%d", 900+i))
			_, err := store.Update(ctx, date, &models.RecordPatch{ActualCash: &cash}, fmt.Sprintf("clerk-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	history, err := store.Audit().QueryByRecord(ctx, date)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d entries, got %d", writers+1, len(history))
	}
	// Each update saw the state left by the one before it.
	prev := "800"
	for _, e := range history[1:] {
		if len(e.FieldChanges) != 1 || *e.FieldChanges[0].OldValue != prev {
			t.Fatalf("entry %s: expected old value %s, got %+v", e.ID, prev, e.FieldChanges)
		}
		prev = *e.FieldChanges[0].NewValue
	}

	replayed, exists, err := models.Replay(history)
	if err != nil || !exists {
		t.Fatalf("Replay: exists=%t err=%v", exists, err)
	}
	current, _ := store.Get(ctx, date)
	if !models.SameFigures(replayed, &current.DailyRecord) {
		t.Fatalf("replayed state differs from the stored record")
	}
}

func TestRecordStore_LockTimeoutIsPersistenceError(t *testing.T) {
	locker := models.NewLocalDateLocker(30 * time.Millisecond)
	db := openTestDB(t)
	store := models.NewRecordStore(db, locker, nil)
	date := models.NewDate(2024, 1, 15)

	unlock, err := locker.Lock(context.Background(), date)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	_, err = store.Create(context.Background(), workedExample(date), "alice")
	var perr *models.PersistenceError
	if !errors.As(err, &perr) || !errors.Is(err, models.ErrDateLockTimeout) {
		t.Fatalf("expected PersistenceError wrapping the lock timeout, got %v", err)
	}
}

func TestRecordStore_ValidatedAmountsReadBackExactly(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)

	rec, err := models.ValidateDailyRecord(&models.RawDailyRecord{
		Date:           "2024-02-10",
		BillCount:      3,
		ActualCash:     "123,456.7891",
		OnlineSales:    "0.0001",
		SoftwareFigure: json.Number("99999.9999"),
		CashReserve:    0.25,
	})
	if err != nil {
		t.Fatalf("ValidateDailyRecord: %v", err)
	}
	created, err := store.Create(ctx, rec, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, err := store.Get(ctx, rec.RecordDate)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !models.SameFigures(&stored.DailyRecord, &created.DailyRecord) {
		t.Fatalf("stored %+v differs from created %+v", stored.DailyRecord, created.DailyRecord)
	}
	if !stored.Difference.Equal(created.Difference) {
		t.Fatalf("derived difference drifted: created %s, stored %s", created.Difference, stored.Difference)
	}

	history, err := store.Audit().QueryByRecord(ctx, rec.RecordDate)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	replayed, exists, err := models.Replay(history)
	if err != nil || !exists {
		t.Fatalf("Replay: exists=%t err=%v", exists, err)
	}
	if !models.SameFigures(replayed, &stored.DailyRecord) {
		t.Fatalf("replayed %+v differs from stored %+v", replayed, stored.DailyRecord)
	}

	_, err = models.ValidateDailyRecord(&models.RawDailyRecord{Date: "2024-02-11", ActualCash: "12345678901234567.1234"})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("an amount the column cannot hold must be a ValidationError, got %v", err)
	}
	if n := countRows(t, db, &models.DailyRecord{}); n != 1 {
		t.Fatalf("expected only the valid record to be stored, got %d", n)
	}
}
