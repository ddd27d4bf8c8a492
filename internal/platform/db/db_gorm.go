// Package db opens the server's MySQL connection and runs migrations.
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	gmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	candleadapters "candle_backend/internal/feature/candles/adapters"
)

// Config holds the database connection settings.
type Config struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
	// InstanceName selects a Cloud SQL unix-socket connection when set and
	// takes precedence over Host/Port.
	InstanceName string
}

// LoadConfigFromEnv reads the database configuration from environment
// variables.
func LoadConfigFromEnv() Config {
	return Config{
		User:         os.Getenv("DB_USER"),
		Password:     os.Getenv("DB_PASSWORD"),
		Name:         os.Getenv("DB_NAME"),
		Host:         os.Getenv("DB_HOST"),
		Port:         os.Getenv("DB_PORT"),
		InstanceName: os.Getenv("INSTANCE_CONNECTION_NAME"),
	}
}

// BuildDSN renders the MySQL DSN for the configuration.
func BuildDSN(cfg Config) string {
	if cfg.InstanceName != "" {
		return fmt.Sprintf("%s:%s@unix(/cloudsql/%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			cfg.User, cfg.Password, cfg.InstanceName, cfg.Name)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

// Opener abstracts gorm.Open so connection retries are testable without a
// running database.
type Opener func(dsn string) (*gorm.DB, error)

// ConnectWithRetry keeps trying to open the database until it succeeds or
// the timeout elapses. The database container often comes up after the
// server in local compose setups.
func ConnectWithRetry(dsn string, timeout time.Duration, open Opener) (*gorm.DB, error) {
	deadline := time.Now().Add(timeout)
	for {
		db, err := open(dsn)
		if err == nil {
			return db, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("db connect failed after %v: %w", timeout, err)
		}
		log.Printf("DB connect failed, retrying...: %v", err)
		time.Sleep(3 * time.Second)
	}
}

// OpenDB connects to MySQL using the environment configuration and, when
// RUN_MIGRATIONS=true, migrates the candle tables.
func OpenDB() *gorm.DB {
	dsn := BuildDSN(LoadConfigFromEnv())

	db, err := ConnectWithRetry(dsn, 60*time.Second, func(dsn string) (*gorm.DB, error) {
		return gorm.Open(gmysql.Open(dsn), &gorm.Config{})
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	if os.Getenv("RUN_MIGRATIONS") == "true" {
		if err := db.AutoMigrate(
			&candleadapters.CandleModel{},
			&candleadapters.SeriesMetadataModel{},
		); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
	}

	return db
}
