package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// RequestRepository is the narrow view of the delivery-request store that
// room resolution and delivery confirmation need.
type RequestRepository interface {
	Create(ctx context.Context, r *DeliveryRequest) error
	GetByID(ctx context.Context, id string) (*DeliveryRequest, error)
	UpdateStatus(ctx context.Context, id string, status DeliveryStatus) error
}

// RoomRepository defines persistence operations for chat rooms.
// Create returns ErrConflict when a room already exists for the request.
type RoomRepository interface {
	Create(ctx context.Context, r *Room) error
	GetByID(ctx context.Context, id string) (*Room, error)
	GetByRequestID(ctx context.Context, requestID string) (*Room, error)
	ListForUser(ctx context.Context, userID string) ([]*Room, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	UpdateContent(ctx context.Context, id, content string, updatedAt time.Time) error
	SoftDelete(ctx context.Context, id, tombstone string) error
	// ListPage returns up to limit messages of the room ordered by
	// created_at descending. A non-nil before restricts the result to
	// created_at strictly less than it.
	ListPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*Message, error)
}

// Repositories bundles the repositories of one storage backend.
type Repositories struct {
	Users    UserRepository
	Requests RequestRepository
	Rooms    RoomRepository
	Messages MessageRepository
}
