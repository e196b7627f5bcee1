package database

import (
	"fmt"
	"log"

	"homecam-bridge/backend/config"
	"homecam-bridge/backend/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Initialize opens the Postgres connection and migrates the durable Device
// and Session tables. An empty DB_HOST means the operator chose to run
// without persistence; callers get (nil, nil) and must degrade to
// in-memory-only state.
func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Host == "" {
		log.Println("[Database] DB_HOST not set, running without persistence")
		return nil, nil
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Device{},
		&models.Session{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Println("[Database] initialized")
	return db, nil
}
