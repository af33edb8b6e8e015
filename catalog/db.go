package catalog

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the Catalog store connection pool.
type DB struct {
	gorm *gorm.DB
}

// Open connects to the Catalog store and configures the pool.
//
// Mirrors the teacher's PGInfo/PGMigrations pool settings: the catalog is
// read-heavy and long-lived, so idle connections are kept around rather
// than reopened per request.
func Open(dsn string) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DB{gorm: gdb}, nil
}

// Migrate creates or updates every catalog table.
func (d *DB) Migrate() error {
	return d.gorm.AutoMigrate(
		&Folder{},
		&DocumentType{},
		&Document{},
		&Provider{},
		&Model{},
		&Connection{},
		&Prompt{},
		&Batch{},
		&BatchArchive{},
	)
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the Catalog store connection is alive, for the Monitoring
// Surface's health check (§4.9).
func (d *DB) Ping() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
