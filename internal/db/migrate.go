package db

import (
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Channel{},
		&models.Message{},
		&models.Session{},
		&models.SessionMessage{},
		&models.Task{},
		&models.TaskCheckpoint{},
		&models.Agent{},
		&models.AgentMetrics{},
		&models.Heartbeat{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
