// Package history persists an audit trail of install/upgrade/terminate
// events to a local sqlite database, for post-mortem inspection of what the
// supervisor did and when. It is optional: Runner works without a
// Recorder (a Config.Audit left nil falls back to a no-op AuditSink), and
// this package only gets wired in when --history-db is set.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// modernc pure-Go sqlite driver, registered as "sqlite" — no CGO
	// required, the same reasoning that keeps the rest of this binary
	// free of a C toolchain dependency.
	_ "modernc.org/sqlite"
)

// Event is one row of the audit trail.
type Event struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	Kind      string    `gorm:"not null;index"` // "install", "spawn", "uninstall", "terminate"
	Detail    string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index"`
}

// BeforeCreate assigns a fresh UUID if one was not already set.
func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	return nil
}

// Recorder writes Events to a sqlite database and satisfies
// runner.AuditSink.
type Recorder struct {
	db *gorm.DB
}

// Open creates (if needed) and migrates the sqlite database at path using
// the pure-Go modernc driver, then returns a ready-to-use Recorder.
func Open(path string) (*Recorder, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}
	// sqlite supports only one writer at a time; the audit trail is
	// low-volume enough that serializing writers costs nothing.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("history: initializing gorm: %w", err)
	}

	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("history: migrating schema: %w", err)
	}

	return &Recorder{db: db}, nil
}

// RecordEvent satisfies runner.AuditSink. Write failures are discarded:
// Recorder has no logger of its own and AuditSink's RecordEvent has no
// error return, so a failed write is neither logged nor reported.
func (r *Recorder) RecordEvent(kind, detail string) {
	_ = r.db.Create(&Event{Kind: kind, Detail: detail, Timestamp: time.Now()}).Error
}

// Recent returns the most recent n events, newest first.
func (r *Recorder) Recent(ctx context.Context, n int) ([]Event, error) {
	var events []Event
	if err := r.db.WithContext(ctx).Order("timestamp DESC").Limit(n).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("history: listing recent events: %w", err)
	}
	return events, nil
}

// Close releases the underlying database connection.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
