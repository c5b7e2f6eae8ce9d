package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"campusdrop/internal/domain"
)

// WelcomeContent is the system message that opens every room.
const WelcomeContent = "Chat started. Your order is being processed! 🛍️"

type RoomService struct {
	rooms    domain.RoomRepository
	requests domain.RequestRepository
	messages *MessageService
}

func NewRoomService(rooms domain.RoomRepository, requests domain.RequestRepository, messages *MessageService) *RoomService {
	return &RoomService{
		rooms:    rooms,
		requests: requests,
		messages: messages,
	}
}

// Resolve maps id, which may be a room id or a delivery request id, to a
// room the caller participates in. The room of an accepted request is
// created on first access.
func (s *RoomService) Resolve(ctx context.Context, callerID, id string) (*domain.Room, error) {
	if callerID == "" {
		return nil, domain.ErrUnauthorized
	}
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidInput)
	}

	room, err := s.lookup(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		room, err = s.createForRequest(ctx, callerID, id)
	}
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(callerID) {
		return nil, domain.ErrForbidden
	}
	return room, nil
}

func (s *RoomService) lookup(ctx context.Context, id string) (*domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, id)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return room, err
	}
	return s.rooms.GetByRequestID(ctx, id)
}

func (s *RoomService) createForRequest(ctx context.Context, callerID, requestID string) (*domain.Room, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AcceptedBy == nil || *req.AcceptedBy == "" {
		return nil, domain.ErrNotAccepted
	}
	if req.CreatedBy != callerID && *req.AcceptedBy != callerID {
		return nil, domain.ErrForbidden
	}

	room := &domain.Room{
		RequestID:  req.ID,
		CreatedBy:  req.CreatedBy,
		AcceptedBy: req.AcceptedBy,
	}
	err = s.rooms.Create(ctx, room)
	if errors.Is(err, domain.ErrConflict) {
		// Another participant created it concurrently.
		return s.rooms.GetByRequestID(ctx, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	if _, err := s.messages.PostSystem(ctx, room, *room.AcceptedBy, WelcomeContent); err != nil {
		log.Printf("rooms: welcome message for %s: %v", room.ID, err)
	}
	return room, nil
}

// ListForUser returns the rooms the caller participates in, newest first.
func (s *RoomService) ListForUser(ctx context.Context, callerID string) ([]*domain.Room, error) {
	if callerID == "" {
		return nil, domain.ErrUnauthorized
	}
	rooms, err := s.rooms.ListForUser(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// RoomResponse is the wire form of a room.
type RoomResponse struct {
	ID           string   `json:"id"`
	RequestID    string   `json:"requestId"`
	CreatedBy    string   `json:"createdBy"`
	AcceptedBy   *string  `json:"acceptedBy"`
	Participants []string `json:"participants"`
}

func ToRoomResponse(r *domain.Room) *RoomResponse {
	return &RoomResponse{
		ID:           r.ID,
		RequestID:    r.RequestID,
		CreatedBy:    r.CreatedBy,
		AcceptedBy:   r.AcceptedBy,
		Participants: r.Participants(),
	}
}
