package domain

import "time"

// PageSize is the number of messages returned per history page.
const PageSize = 15

// TombstoneContent replaces the content of a soft-deleted message.
const TombstoneContent = "[This message was deleted]"

// Role distinguishes requesters from fulfillers.
type Role string

const (
	RoleHosteller  Role = "hosteller"
	RoleDayScholar Role = "dayscholar"
)

// User represents an application user.
type User struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email"`
	Role           Role      `db:"role" json:"role"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// DeliveryStatus is the lifecycle state of a delivery request.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusInProgress DeliveryStatus = "in_progress"
	StatusBuying     DeliveryStatus = "buying"
	StatusOnTheWay   DeliveryStatus = "on_the_way"
	StatusDelivered  DeliveryStatus = "delivered"
)

// DeliveryRequest is an item request posted by a hosteller. Requests are
// written by the marketplace CRUD; this service only reads them and flips
// the status to delivered.
type DeliveryRequest struct {
	ID         string         `db:"id"`
	ItemName   string         `db:"item_name"`
	Status     DeliveryStatus `db:"status"`
	CreatedBy  string         `db:"created_by"`
	AcceptedBy *string        `db:"accepted_by"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Room is the two-party conversation attached to one delivery request.
type Room struct {
	ID         string    `db:"id"`
	RequestID  string    `db:"request_id"`
	CreatedBy  string    `db:"created_by"`
	AcceptedBy *string   `db:"accepted_by"`
	CreatedAt  time.Time `db:"created_at"`
}

// Participants returns the set of users present in the room.
func (r *Room) Participants() []string {
	ids := []string{r.CreatedBy}
	if r.AcceptedBy != nil && *r.AcceptedBy != "" && *r.AcceptedBy != r.CreatedBy {
		ids = append(ids, *r.AcceptedBy)
	}
	return ids
}

// IsParticipant reports whether userID is the creator or the acceptor.
func (r *Room) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if r.CreatedBy == userID {
		return true
	}
	return r.AcceptedBy != nil && *r.AcceptedBy == userID
}

// IsActive reports whether both parties are present.
func (r *Room) IsActive() bool {
	return len(r.Participants()) == 2
}

// Peer returns the other participant of the room.
func (r *Room) Peer(userID string) (string, bool) {
	if !r.IsActive() || !r.IsParticipant(userID) {
		return "", false
	}
	if r.CreatedBy == userID {
		return *r.AcceptedBy, true
	}
	return r.CreatedBy, true
}

// MessageKind enumerates the payload kinds a message can carry.
type MessageKind string

const (
	KindText              MessageKind = "text"
	KindImage             MessageKind = "image"
	KindLocation          MessageKind = "location"
	KindPriceConfirmation MessageKind = "price_confirmation"
	KindSystem            MessageKind = "system"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindLocation, KindPriceConfirmation, KindSystem:
		return true
	}
	return false
}

// Location is a shared map position.
type Location struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Message represents a single chat message. Messages are never physically
// removed; deletion replaces Content with TombstoneContent and sets Deleted.
type Message struct {
	ID        string      `db:"id"`
	RoomID    string      `db:"room_id"`
	SenderID  string      `db:"sender_id"`
	Kind      MessageKind `db:"type"`
	Content   string      `db:"content"` // encrypted at rest unless Deleted
	ImageURL  *string     `db:"image_url"`
	Location  *Location   `db:"-"`
	Price     *float64    `db:"price"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt *time.Time  `db:"updated_at"`
	Deleted   bool        `db:"deleted"`
}

// Page is one batch of history, newest first. NextCursor is nil once the
// room's history is exhausted.
type Page struct {
	Items      []*Message
	NextCursor *time.Time
}

// CursorBound returns the exclusive upper bound to compare stored
// timestamps against. Stored timestamps have microsecond precision, so a
// finer cursor is rounded up to keep every row older than it.
func CursorBound(cursor time.Time) time.Time {
	bound := cursor.UTC().Truncate(time.Microsecond)
	if bound.Before(cursor) {
		bound = bound.Add(time.Microsecond)
	}
	return bound
}

// NewPage builds a page from a newest-first batch, deriving the cursor
// from the oldest item when the batch is full.
func NewPage(items []*Message, size int) *Page {
	p := &Page{Items: items}
	if len(items) == size && size > 0 {
		ts := items[len(items)-1].CreatedAt
		p.NextCursor = &ts
	}
	return p
}
