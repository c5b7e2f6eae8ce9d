// Package client is a thin HTTP client for the campusdrop API. Errors are
// mapped back onto the domain sentinels so callers can use errors.Is the
// same way they would against the services directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"campusdrop/internal/domain"
	"campusdrop/internal/service"
)

const maxGetAttempts = 3

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Session is the result of a login.
type Session struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        *domain.User `json:"user"`
}

// Login exchanges credentials for a token. The token is kept on the client
// for subsequent calls.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &s); err != nil {
		return nil, err
	}
	c.Token = s.AccessToken
	return &s, nil
}

func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var u domain.User
	if err := c.get(ctx, "/api/auth/me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]*service.RoomResponse, error) {
	var rooms []*service.RoomResponse
	if err := c.get(ctx, "/api/rooms", &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Resolve accepts a room id or a delivery request id.
func (c *Client) Resolve(ctx context.Context, id string) (*service.RoomResponse, error) {
	var room service.RoomResponse
	if err := c.get(ctx, "/api/rooms/"+url.PathEscape(id), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// FetchPage loads one history page, newest first.
func (c *Client) FetchPage(ctx context.Context, roomID string, cursor *time.Time) (*service.PageResponse, error) {
	q := url.Values{"roomId": {roomID}}
	if cursor != nil {
		q.Set("cursor", cursor.UTC().Format(time.RFC3339Nano))
	}
	var page service.PageResponse
	if err := c.get(ctx, "/api/messages?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Send posts a message. in.RoomID selects the room.
func (c *Client) Send(ctx context.Context, in service.SendInput) (*service.MessageResponse, error) {
	body := map[string]any{
		"type":     in.Kind,
		"content":  in.Content,
		"imageUrl": in.ImageURL,
		"location": in.Location,
		"price":    in.Price,
	}
	var msg service.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(in.RoomID)+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) Edit(ctx context.Context, messageID, content string) (*service.MessageResponse, error) {
	var msg service.MessageResponse
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) Delete(ctx context.Context, messageID string) (*service.MessageResponse, error) {
	var msg service.MessageResponse
	if err := c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) MarkDelivered(ctx context.Context, roomID string) (*service.MessageResponse, error) {
	var msg service.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/delivered", nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// get retries transport failures and 5xx responses; every other outcome is
// final.
func (c *Client) get(ctx context.Context, path string, out any) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGetAttempts-1),
		ctx,
	)
	return backoff.Retry(func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var se *StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return newStatusError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func newStatusError(method, path string, resp *http.Response) *StatusError {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: msg}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
}

// Unwrap exposes the domain sentinel matching the status code.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		switch e.Message {
		case domain.ErrNotAccepted.Error():
			return domain.ErrNotAccepted
		case domain.ErrMessageDeleted.Error():
			return domain.ErrMessageDeleted
		}
		return domain.ErrConflict
	}
	return domain.ErrInternal
}
