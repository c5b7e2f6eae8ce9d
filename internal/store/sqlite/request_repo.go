package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"campusdrop/internal/domain"
)

type RequestRepo struct {
	db *sql.DB
}

func NewRequestRepo(db *sql.DB) *RequestRepo {
	return &RequestRepo{db: db}
}

var _ domain.RequestRepository = (*RequestRepo)(nil)

func (r *RequestRepo) Create(ctx context.Context, req *domain.DeliveryRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = domain.StatusPending
	}
	req.CreatedAt = now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_requests (id, item_name, status, created_by, accepted_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.ItemName, string(req.Status), req.CreatedBy, req.AcceptedBy, formatTime(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (r *RequestRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRequest, error) {
	var (
		req       domain.DeliveryRequest
		status    string
		accepted  sql.NullString
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, item_name, status, created_by, accepted_by, created_at
		FROM delivery_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.ItemName, &status, &req.CreatedBy, &accepted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	req.Status = domain.DeliveryStatus(status)
	if accepted.Valid {
		req.AcceptedBy = &accepted.String
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *RequestRepo) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE delivery_requests SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
