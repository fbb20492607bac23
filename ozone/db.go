package ozone

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

// SetupDatabase opens the service database (sqlite or postgres, chosen by URL
// scheme) and migrates the schema.
func SetupDatabase(dbUrl string, maxConns int) (*gorm.DB, error) {
	var dialector gorm.Dialector
	isSqlite := false

	if strings.HasPrefix(dbUrl, "sqlite://") {
		sqlitePath := dbUrl[len("sqlite://"):]
		dialector = sqlite.Open(sqlitePath)
		isSqlite = true
	} else if strings.HasPrefix(dbUrl, "postgresql://") || strings.HasPrefix(dbUrl, "postgres://") {
		dialector = postgres.Open(dbUrl)
	} else {
		return nil, fmt.Errorf("unsupported database URL scheme: must start with sqlite://, postgres://, or postgresql://")
	}

	gormLogger := slogGorm.New(slogGorm.WithLogger(slog.Default().With("system", "gorm")))
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	if isSqlite {
		db.Exec("PRAGMA journal_mode=WAL;")
		db.Exec("PRAGMA synchronous=NORMAL;")
		db.Exec("PRAGMA busy_timeout=10000;")

		// Set the maximum number of open connections to 1 for sqlite
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
		sqlDB.SetConnMaxIdleTime(time.Hour)
	}

	if err := db.AutoMigrate(
		&models.ModerationEvent{},
		&models.ModerationSubjectStatus{},
		&models.Label{},
		&models.MigrationState{},
		&models.ModerationAction{},
		&models.ModerationReport{},
		&models.ModerationReportResolution{},
		&models.ModerationActionSubjectBlob{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
