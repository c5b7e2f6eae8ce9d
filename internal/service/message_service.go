package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"campusdrop/internal/domain"
	"campusdrop/internal/realtime"
	"campusdrop/internal/security"
)

const maxContentRunes = 5000

// Realtime event names on a room's messages topic.
const (
	EventInsert = "insert"
	EventUpdate = "update"
)

// DeliveredContent is the system message appended when an order is delivered.
const DeliveredContent = "Order marked as delivered ✓"

// Publisher delivers realtime events for committed changes.
type Publisher interface {
	Send(ctx context.Context, topic, event string, payload any) error
}

type MessageService struct {
	rooms     domain.RoomRepository
	requests  domain.RequestRepository
	messages  domain.MessageRepository
	encryptor *security.Encryptor
	events    Publisher
}

func NewMessageService(
	rooms domain.RoomRepository,
	requests domain.RequestRepository,
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
	events Publisher,
) *MessageService {
	return &MessageService{
		rooms:     rooms,
		requests:  requests,
		messages:  messages,
		encryptor: encryptor,
		events:    events,
	}
}

// FetchPage returns one page of a room's history, newest first. A nil
// cursor selects the newest page; otherwise only messages strictly older
// than the cursor are returned.
func (s *MessageService) FetchPage(ctx context.Context, callerID, roomID string, cursor *time.Time) (*domain.Page, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", domain.ErrInvalidInput)
	}
	if _, err := s.participantRoom(ctx, callerID, roomID); err != nil {
		return nil, err
	}

	items, err := s.messages.ListPage(ctx, roomID, cursor, domain.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return domain.NewPage(items, domain.PageSize), nil
}

type SendInput struct {
	RoomID   string
	Kind     domain.MessageKind
	Content  string
	ImageURL *string
	Location *domain.Location
	Price    *float64
}

// Send appends a message to the room on behalf of callerID and publishes
// it as an insert event.
func (s *MessageService) Send(ctx context.Context, callerID string, in SendInput) (*domain.Message, error) {
	if in.Kind == "" {
		in.Kind = domain.KindText
	}
	if err := validateSend(in); err != nil {
		return nil, err
	}
	room, err := s.participantRoom(ctx, callerID, in.RoomID)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, room, callerID, in)
}

// PostSystem appends a system message attributed to senderID, the
// participant whose action produced it.
func (s *MessageService) PostSystem(ctx context.Context, room *domain.Room, senderID, content string) (*domain.Message, error) {
	if !room.IsParticipant(senderID) {
		return nil, domain.ErrForbidden
	}
	return s.create(ctx, room, senderID, SendInput{
		RoomID:  room.ID,
		Kind:    domain.KindSystem,
		Content: content,
	})
}

func (s *MessageService) create(ctx context.Context, room *domain.Room, senderID string, in SendInput) (*domain.Message, error) {
	encrypted, err := s.encryptor.Encrypt(in.Content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	msg := &domain.Message{
		RoomID:   room.ID,
		SenderID: senderID,
		Kind:     in.Kind,
		Content:  encrypted,
		ImageURL: in.ImageURL,
		Location: in.Location,
		Price:    in.Price,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.publish(ctx, EventInsert, msg)
	return msg, nil
}

// Edit replaces the content of the caller's own message.
func (s *MessageService) Edit(ctx context.Context, callerID, messageID, content string) (*domain.Message, error) {
	if err := validateText(content); err != nil {
		return nil, err
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != callerID {
		return nil, domain.ErrForbidden
	}
	if msg.Deleted {
		return nil, domain.ErrMessageDeleted
	}

	encrypted, err := s.encryptor.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.messages.UpdateContent(ctx, msg.ID, encrypted, now); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	msg.Content = encrypted
	msg.UpdatedAt = &now

	s.publish(ctx, EventUpdate, msg)
	return msg, nil
}

// Delete soft-deletes the caller's own message. Deleting an already
// deleted message returns it unchanged.
func (s *MessageService) Delete(ctx context.Context, callerID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != callerID {
		return nil, domain.ErrForbidden
	}
	if msg.Deleted {
		return msg, nil
	}

	if err := s.messages.SoftDelete(ctx, msg.ID, domain.TombstoneContent); err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	msg.Content = domain.TombstoneContent
	msg.Deleted = true

	s.publish(ctx, EventUpdate, msg)
	return msg, nil
}

// MarkDelivered completes the room's request. Only the fulfiller may do so.
func (s *MessageService) MarkDelivered(ctx context.Context, callerID, roomID string) (*domain.Message, error) {
	room, err := s.participantRoom(ctx, callerID, roomID)
	if err != nil {
		return nil, err
	}
	if room.AcceptedBy == nil || *room.AcceptedBy != callerID {
		return nil, domain.ErrForbidden
	}

	if err := s.requests.UpdateStatus(ctx, room.RequestID, domain.StatusDelivered); err != nil {
		return nil, fmt.Errorf("update request status: %w", err)
	}
	return s.PostSystem(ctx, room, callerID, DeliveredContent)
}

func (s *MessageService) participantRoom(ctx context.Context, callerID, roomID string) (*domain.Room, error) {
	if callerID == "" {
		return nil, domain.ErrUnauthorized
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(callerID) {
		return nil, domain.ErrForbidden
	}
	return room, nil
}

func (s *MessageService) publish(ctx context.Context, event string, m *domain.Message) {
	if s.events == nil {
		return
	}
	if err := s.events.Send(ctx, realtime.MessagesTopic(m.RoomID), event, s.ToResponse(m)); err != nil {
		log.Printf("messages: publish %s for %s: %v", event, m.ID, err)
	}
}

func validateSend(in SendInput) error {
	if in.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", domain.ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidInput, in.Kind)
	}
	if len([]rune(in.Content)) > maxContentRunes {
		return fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	switch in.Kind {
	case domain.KindText, domain.KindSystem:
		return validateText(in.Content)
	case domain.KindImage:
		if in.ImageURL == nil || strings.TrimSpace(*in.ImageURL) == "" {
			return fmt.Errorf("%w: imageUrl is required", domain.ErrInvalidInput)
		}
	case domain.KindLocation:
		if in.Location == nil {
			return fmt.Errorf("%w: location is required", domain.ErrInvalidInput)
		}
	case domain.KindPriceConfirmation:
		if in.Price == nil || *in.Price < 0 {
			return fmt.Errorf("%w: a non-negative price is required", domain.ErrInvalidInput)
		}
	}
	return nil
}

func validateText(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(content)) > maxContentRunes {
		return fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	return nil
}

// MessageResponse is the wire form of a message, shared by the HTTP API
// and the realtime insert/update events.
type MessageResponse struct {
	ID        string             `json:"id"`
	RoomID    string             `json:"roomId"`
	SenderID  string             `json:"senderId"`
	Type      domain.MessageKind `json:"type"`
	Content   string             `json:"content"`
	ImageURL  *string            `json:"imageUrl"`
	Location  *domain.Location   `json:"location"`
	Price     *float64           `json:"price"`
	Timestamp time.Time          `json:"timestamp"`
	UpdatedAt *time.Time         `json:"updatedAt,omitempty"`
	Deleted   bool               `json:"deleted"`
}

// PageResponse is the wire form of a history page.
type PageResponse struct {
	Items      []*MessageResponse `json:"items"`
	NextCursor *time.Time         `json:"nextCursor"`
}

// ToResponse converts a domain message into a decrypted response DTO.
func (s *MessageService) ToResponse(m *domain.Message) *MessageResponse {
	content := m.Content
	if !m.Deleted {
		// Rows written before encryption was enabled are returned as stored.
		if dec, err := s.encryptor.Decrypt(m.Content); err == nil {
			content = dec
		}
	}
	return &MessageResponse{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Type:      m.Kind,
		Content:   content,
		ImageURL:  m.ImageURL,
		Location:  m.Location,
		Price:     m.Price,
		Timestamp: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Deleted:   m.Deleted,
	}
}

// ToPageResponse converts a page into its wire form.
func (s *MessageService) ToPageResponse(p *domain.Page) *PageResponse {
	items := make([]*MessageResponse, 0, len(p.Items))
	for _, m := range p.Items {
		items = append(items, s.ToResponse(m))
	}
	return &PageResponse{Items: items, NextCursor: p.NextCursor}
}

// PageFetcher serves history pages for one user straight from the service,
// for in-process feeds.
type PageFetcher struct {
	svc    *MessageService
	userID string
}

// FetcherFor returns a PageFetcher acting as userID.
func (s *MessageService) FetcherFor(userID string) *PageFetcher {
	return &PageFetcher{svc: s, userID: userID}
}

func (f *PageFetcher) FetchPage(ctx context.Context, roomID string, cursor *time.Time) (*PageResponse, error) {
	page, err := f.svc.FetchPage(ctx, f.userID, roomID, cursor)
	if err != nil {
		return nil, err
	}
	return f.svc.ToPageResponse(page), nil
}
