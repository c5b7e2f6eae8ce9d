package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"campusdrop/internal/domain"
)

// tsLayout is fixed-width so that lexical order of the stored TEXT equals
// chronological order; cursor comparisons rely on it.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the campusdrop schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			email VARCHAR(100) UNIQUE NOT NULL,
			role VARCHAR(20) NOT NULL,
			hashed_password VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS delivery_requests (
			id TEXT PRIMARY KEY,
			item_name VARCHAR(200) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			created_by TEXT NOT NULL,
			accepted_by TEXT DEFAULT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (created_by) REFERENCES users(id),
			FOREIGN KEY (accepted_by) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			created_by TEXT NOT NULL,
			accepted_by TEXT DEFAULT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (request_id) REFERENCES delivery_requests(id),
			FOREIGN KEY (created_by) REFERENCES users(id),
			FOREIGN KEY (accepted_by) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			type VARCHAR(32) NOT NULL,
			content TEXT NOT NULL,
			image_url TEXT DEFAULT NULL,
			location_lat REAL DEFAULT NULL,
			location_lng REAL DEFAULT NULL,
			price REAL DEFAULT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT DEFAULT NULL,
			deleted BOOLEAN NOT NULL DEFAULT 0,
			FOREIGN KEY (room_id) REFERENCES chat_rooms(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created_by ON delivery_requests(created_by);`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_created_by ON chat_rooms(created_by);`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_accepted_by ON chat_rooms(accepted_by);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON chat_messages(sender_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON chat_messages(room_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

// NewRepositories returns the SQLite implementations of every repository.
func NewRepositories(db *sql.DB) domain.Repositories {
	return domain.Repositories{
		Users:    NewUserRepo(db),
		Requests: NewRequestRepo(db),
		Rooms:    NewRoomRepo(db),
		Messages: NewMessageRepo(db),
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
