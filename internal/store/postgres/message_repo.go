package postgres

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
	m.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	var lat, lng *float64
	if m.Location != nil {
		lat, lng = &m.Location.Lat, &m.Location.Lng
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages
			(id, room_id, sender_id, type, content, image_url, location_lat, location_lng, price, created_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.RoomID, m.SenderID, string(m.Kind), m.Content, m.ImageURL, lat, lng, m.Price,
		m.CreatedAt, m.Deleted)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id))
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_messages SET content = $1, updated_at = $2 WHERE id = $3
	`, content, updatedAt.UTC(), id)
	if isInvalidID(err) {
		return domain.ErrNotFound
	}
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
		UPDATE chat_messages SET content = $1, deleted = TRUE WHERE id = $2
	`, tombstone, id)
	if isInvalidID(err) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListPage returns up to limit messages older than before, newest first.
func (r *MessageRepo) ListPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*domain.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE room_id = $1 AND created_at < $2
			ORDER BY created_at DESC
			LIMIT $3
		`, roomID, domain.CursorBound(*before), limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE room_id = $1
			ORDER BY created_at DESC
			LIMIT $2
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m         domain.Message
		kind      string
		imageURL  sql.NullString
		lat, lng  sql.NullFloat64
		price     sql.NullFloat64
		updatedAt sql.NullTime
	)
	if err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &kind, &m.Content, &imageURL, &lat, &lng,
		&price, &m.CreatedAt, &updatedAt, &m.Deleted,
	); err != nil {
		return nil, err
	}
	m.Kind = domain.MessageKind(kind)
	m.CreatedAt = m.CreatedAt.UTC()
	if imageURL.Valid {
		m.ImageURL = &imageURL.String
	}
	if lat.Valid && lng.Valid {
		m.Location = &domain.Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	if price.Valid {
		m.Price = &price.Float64
	}
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		m.UpdatedAt = &t
	}
	return &m, nil
}
