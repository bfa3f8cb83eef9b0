package models_test

import (
	"fmt"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB returns a private in-memory SQLite database with the schema
// migrated. One connection keeps every statement on the same database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*models.RecordStore, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return models.NewRecordStore(db, models.NewLocalDateLocker(0), nil), db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func strPtr(s string) *string {
	return &s
}

// workedExample is the reference day: totalSales 1150, recorded 1050,
// difference 100.
func workedExample(date models.Date) *models.DailyRecord {
	return &models.DailyRecord{
		RecordDate:     date,
		BillCount:      10,
		ActualCash:     dec("800"),
		CashReserve:    dec("100"),
		ExpenseAmount:  dec("50"),
		OnlineSales:    dec("200"),
		UnbilledSales:  dec("50"),
		SoftwareFigure: dec("1000"),
	}
}

// reserveOnlyExample reaches the same figures with no expenses:
// 900 cash + 50 reserve.
func reserveOnlyExample(date models.Date) *models.DailyRecord {
	return &models.DailyRecord{
		RecordDate:     date,
		BillCount:      10,
		ActualCash:     dec("900"),
		CashReserve:    dec("50"),
		OnlineSales:    dec("200"),
		UnbilledSales:  dec("50"),
		SoftwareFigure: dec("1000"),
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
