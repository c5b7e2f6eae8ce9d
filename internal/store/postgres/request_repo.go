package postgres

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
	return r.db.QueryRowContext(ctx, `
		INSERT INTO delivery_requests (id, item_name, status, created_by, accepted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`, req.ID, req.ItemName, string(req.Status), req.CreatedBy, req.AcceptedBy).Scan(&req.CreatedAt)
}

func (r *RequestRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRequest, error) {
	req := &domain.DeliveryRequest{}
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, item_name, status, created_by, accepted_by, created_at
		FROM delivery_requests WHERE id = $1
	`, id).Scan(&req.ID, &req.ItemName, &status, &req.CreatedBy, &req.AcceptedBy, &req.CreatedAt)
	if err == sql.ErrNoRows || isInvalidID(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	req.Status = domain.DeliveryStatus(status)
	return req, nil
}

func (r *RequestRepo) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE delivery_requests SET status = $1 WHERE id = $2`, string(status), id)
	if isInvalidID(err) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
