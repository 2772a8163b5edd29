package store

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Open creates (or opens) the sqlite database at path with WAL and a busy
// timeout, capped at one connection so writes serialize in-process.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
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

// SyncSchema migrates all models and creates the indexes AutoMigrate does
// not express.
func SyncSchema(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Project{},
		&Ticket{},
		&TicketStateHistory{},
		&Session{},
		&HandoffEvent{},
		&Notification{},
	); err != nil {
		return err
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_project_file ON tickets(project_id, file_path)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ticket_status ON sessions(project_id, ticket_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_history_ticket_created ON ticket_state_history(ticket_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_dismissed ON notifications(dismissed, created_at)`,
	}
	for _, stmt := range stmts {
		if err := gdb.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// OpenAndMigrate is the production entry: Open then SyncSchema, closing
// the handle when migration fails.
func OpenAndMigrate(path string) (*gorm.DB, error) {
	gdb, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := SyncSchema(gdb); err != nil {
		if sqlDB, dbErr := gdb.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return gdb, nil
}
