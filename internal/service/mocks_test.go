package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"campusdrop/internal/domain"
)

// Mock mocks
type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) Create(ctx context.Context, u *domain.User) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type MockRequestRepo struct {
	mock.Mock
}

func (m *MockRequestRepo) Create(ctx context.Context, r *domain.DeliveryRequest) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRequestRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeliveryRequest), args.Error(1)
}

func (m *MockRequestRepo) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

type MockRoomRepo struct {
	mock.Mock
}

func (m *MockRoomRepo) Create(ctx context.Context, r *domain.Room) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRoomRepo) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.Room, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Room, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Room), args.Error(1)
}

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) UpdateContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	args := m.Called(ctx, id, content, updatedAt)
	return args.Error(0)
}

func (m *MockMessageRepo) SoftDelete(ctx context.Context, id, tombstone string) error {
	args := m.Called(ctx, id, tombstone)
	return args.Error(0)
}

func (m *MockMessageRepo) ListPage(ctx context.Context, roomID string, before *time.Time, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, roomID, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

type sentEvent struct {
	Topic   string
	Event   string
	Payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sentEvent
}

func (p *recordingPublisher) Send(_ context.Context, topic, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sentEvent{Topic: topic, Event: event, Payload: payload})
	return nil
}

func (p *recordingPublisher) Events() []sentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentEvent(nil), p.events...)
}

func strPtr(s string) *string { return &s }
