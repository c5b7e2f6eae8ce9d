package postgres

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

func (r *RoomRepo) Create(ctx context.Context, room *domain.Room) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO chat_rooms (id, request_id, created_by, accepted_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, room.ID, room.RequestID, room.CreatedBy, room.AcceptedBy).Scan(&room.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (r *RoomRepo) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	return r.getOne(ctx, `
		SELECT id, request_id, created_by, accepted_by, created_at
		FROM chat_rooms WHERE id = $1
	`, id)
}

func (r *RoomRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.Room, error) {
	return r.getOne(ctx, `
		SELECT id, request_id, created_by, accepted_by, created_at
		FROM chat_rooms WHERE request_id = $1
	`, requestID)
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, created_by, accepted_by, created_at
		FROM chat_rooms
		WHERE created_by = $1 OR accepted_by = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var res []*domain.Room
	for rows.Next() {
		room := &domain.Room{}
		if err := rows.Scan(&room.ID, &room.RequestID, &room.CreatedBy, &room.AcceptedBy, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		res = append(res, room)
	}
	return res, rows.Err()
}

func (r *RoomRepo) getOne(ctx context.Context, query string, arg any) (*domain.Room, error) {
	room := &domain.Room{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&room.ID, &room.RequestID, &room.CreatedBy, &room.AcceptedBy, &room.CreatedAt,
	)
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}
