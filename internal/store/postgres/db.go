package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"campusdrop/internal/domain"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the campusdrop schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Users
		`CREATE TABLE IF NOT EXISTS users (
			id               UUID         PRIMARY KEY,
			name             VARCHAR(100) NOT NULL,
			email            VARCHAR(100) UNIQUE NOT NULL,
			role             VARCHAR(20)  NOT NULL,
			hashed_password  VARCHAR(255) NOT NULL,
			is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Delivery requests (written by the marketplace CRUD)
		`CREATE TABLE IF NOT EXISTS delivery_requests (
			id          UUID         PRIMARY KEY,
			item_name   VARCHAR(200) NOT NULL,
			status      VARCHAR(20)  NOT NULL DEFAULT 'pending',
			created_by  UUID         NOT NULL REFERENCES users(id),
			accepted_by UUID         REFERENCES users(id),
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Chat rooms, one per accepted request
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id          UUID        PRIMARY KEY,
			request_id  UUID        NOT NULL UNIQUE REFERENCES delivery_requests(id),
			created_by  UUID        NOT NULL REFERENCES users(id),
			accepted_by UUID        REFERENCES users(id),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Messages (append-only; edits and soft deletes mutate content only)
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id           UUID             PRIMARY KEY,
			room_id      UUID             NOT NULL REFERENCES chat_rooms(id),
			sender_id    UUID             NOT NULL REFERENCES users(id),
			type         VARCHAR(32)      NOT NULL,
			content      TEXT             NOT NULL,
			image_url    TEXT,
			location_lat DOUBLE PRECISION,
			location_lng DOUBLE PRECISION,
			price        DOUBLE PRECISION,
			created_at   TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ,
			deleted      BOOLEAN          NOT NULL DEFAULT FALSE
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created_by ON delivery_requests(created_by)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_created_by ON chat_rooms(created_by)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_accepted_by ON chat_rooms(accepted_by)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON chat_messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON chat_messages(room_id, created_at DESC)`,

		// Columns added after the first release
		`ALTER TABLE chat_messages ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ`,
		`ALTER TABLE chat_messages ADD COLUMN IF NOT EXISTS deleted BOOLEAN NOT NULL DEFAULT FALSE`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// NewRepositories returns the PostgreSQL implementations of every repository.
func NewRepositories(db *sql.DB) domain.Repositories {
	return domain.Repositories{
		Users:    NewUserRepo(db),
		Requests: NewRequestRepo(db),
		Rooms:    NewRoomRepo(db),
		Messages: NewMessageRepo(db),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isInvalidID reports whether err is PostgreSQL rejecting a malformed UUID.
// Such ids cannot name any row.
func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
