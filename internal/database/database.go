package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-grader/internal/models"
)

const sqlitePrefix = "sqlite:"

// Connect opens the run store. URLs starting with "sqlite:" select the
// sqlite driver; anything else is treated as a PostgreSQL DSN.
func Connect(url string) (*gorm.DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("database url must not be empty")
	}

	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if path, ok := strings.CutPrefix(url, sqlitePrefix); ok {
		if path == "" {
			return nil, fmt.Errorf("sqlite path must not be empty")
		}
		db, err := gorm.Open(sqlite.Open(path), config)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
		}
		// sqlite serializes writers; one connection avoids lock errors.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := gorm.Open(postgres.Open(url), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return db, nil
}

// Migrate creates or updates the evaluation tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.EvaluationRun{}, &models.StudentEvaluation{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
