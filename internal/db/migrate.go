package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/supportline/internal/models"
)

// AllModels returns every GORM model the dev hub persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
