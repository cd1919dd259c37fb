package db

import (
	"fmt"

	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all metering entities.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.VendorPrice{},
		&models.CreditBalance{},
		&models.CreditEntry{},
		&models.UsageRecord{},
		&models.Setting{},
	)
}
