package db

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// Open opens the SQLite store with WAL journaling and a 5 s lock wait, and
// syncs the schema. The underlying pool is limited to one connection so
// all writes serialize through a single writer.
func Open(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if err := gdb.Exec(pragma).Error; err != nil {
			return nil, err
		}
	}
	if err := SyncSchema(gdb); err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return gdb, nil
}

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Session{},
		&Command{},
		&AutoRule{},
		&Event{},
		&OutboxMessage{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, acknowledged);`,
	} {
		if err := gdb.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
