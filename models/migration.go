package models

import (
	"log"

	"gorm.io/gorm"
)

// MigrateTable creates or updates the daily records schema.
func MigrateTable(db *gorm.DB) error {
	err := db.AutoMigrate(
		&DailyRecord{},
		&AuditEntry{},
		&RecordEvent{},
	)
	if err != nil {
		log.Printf("failed to auto migrate: %v", err)
		return err
	}
	return nil
}
