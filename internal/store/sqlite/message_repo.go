package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campusdrop/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, room_id, sender_id, type, content, image_url, location_lat, location_lng,
	price, created_at, updated_at, deleted`

// Create inserts m, assigning its id and server timestamp.
func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	m.ID = uuid.NewString()
	m.CreatedAt = now()
	var lat, lng *float64
	if m.Location != nil {
		lat, lng = &m.Location.Lat, &m.Location.Lng
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages
			(id, room_id, sender_id, type, content, image_url, location_lat, location_lng, price, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.SenderID, string(m.Kind), m.Content, m.ImageURL, lat, lng, m.Price,
		formatTime(m.CreatedAt), m.Deleted)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_messages SET content = ?, updated_at = ? WHERE id = ?
	`, content, formatTime(updatedAt), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id, tombstone string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_messages SET content = ?, deleted = 1 WHERE id = ?
	`, tombstone, id)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MessageRepo) ListPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*domain.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE room_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?
		`, roomID, formatTime(domain.CursorBound(*before)), limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE room_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		`, roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	res := make([]*domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m         domain.Message
		kind      string
		imageURL  sql.NullString
		lat, lng  sql.NullFloat64
		price     sql.NullFloat64
		createdAt string
		updatedAt sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &kind, &m.Content, &imageURL, &lat, &lng,
		&price, &createdAt, &updatedAt, &m.Deleted,
	); err != nil {
		return nil, err
	}
	m.Kind = domain.MessageKind(kind)
	if imageURL.Valid {
		m.ImageURL = &imageURL.String
	}
	if lat.Valid && lng.Valid {
		m.Location = &domain.Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	if price.Valid {
		m.Price = &price.Float64
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		t, err := parseTime(updatedAt.String)
		if err != nil {
			return nil, err
		}
		m.UpdatedAt = &t
	}
	return &m, nil
}
