package database

import (
	"fmt"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/priyxstudio/franchise/internal/models"
)

// Open opens the SQLite database at path and migrates every table the engine
// owns. The returned handle is safe for concurrent use; SQLite only allows one
// writer so the pool is limited to a single connection.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrap(err, "database: failed to create database directory")
		}
		path = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	return open(path)
}

// OpenInMemory opens a private, named in-memory database. Each name refers to
// its own database, which lets tests run in parallel without sharing state.
func OpenInMemory(name string) (*gorm.DB, error) {
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
}

func open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "database: failed to open")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "database: failed to access connection pool")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.WithField("dsn", dsn).Debug("database opened and migrated")
	return db, nil
}

// Migrate creates or updates every table the engine owns.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Installation{},
		&models.InstallationSetting{},
		&models.InstallationPermission{},
		&models.RuleSync{},
		&models.Record{},
		&models.Notification{},
	)
	return errors.Wrap(err, "database: failed to migrate")
}
