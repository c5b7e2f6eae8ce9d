package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"campusdrop/internal/domain"
)

type RoomRepo struct {
	db *sql.DB
}

func NewRoomRepo(db *sql.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

var _ domain.RoomRepository = (*RoomRepo)(nil)

const roomColumns = `id, request_id, created_by, accepted_by, created_at`

func (r *RoomRepo) Create(ctx context.Context, room *domain.Room) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	room.CreatedAt = now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_rooms (id, request_id, created_by, accepted_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, room.ID, room.RequestID, room.CreatedBy, room.AcceptedBy, formatTime(room.CreatedAt))
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (r *RoomRepo) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	return r.scanRoom(r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id = ?`, id))
}

func (r *RoomRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.Room, error) {
	return r.scanRoom(r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE request_id = ?`, requestID))
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM chat_rooms
		WHERE created_by = ? OR accepted_by = ?
		ORDER BY created_at DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var res []*domain.Room
	for rows.Next() {
		room, err := r.scanRoom(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, room)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RoomRepo) scanRoom(row rowScanner) (*domain.Room, error) {
	var (
		room      domain.Room
		accepted  sql.NullString
		createdAt string
	)
	err := row.Scan(&room.ID, &room.RequestID, &room.CreatedBy, &accepted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan room: %w", err)
	}
	if accepted.Valid {
		room.AcceptedBy = &accepted.String
	}
	if room.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &room, nil
}
