package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/ratelimit"

	"campusdrop/internal/domain"
	"campusdrop/internal/realtime"
	"campusdrop/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

type sendPayload struct {
	RoomID   string             `json:"roomId"`
	Type     domain.MessageKind `json:"type"`
	Content  string             `json:"content"`
	ImageURL *string            `json:"imageUrl"`
	Location *domain.Location   `json:"location"`
	Price    *float64           `json:"price"`
}

type editPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// addressing is the part of a signaling payload the relay checks.
type addressing struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or Sec-WebSocket-Protocol), then dispatches frames:
//   - subscribe / unsubscribe -> room topics the user participates in
//   - broadcast              -> relay a signaling event to the room peer
//   - message                -> send a message (published as insert)
//   - edit_message           -> edit a message (published as update)
//   - delete_message         -> soft delete a message (published as update)
func MakeHandler(
	hub *Hub,
	bus *realtime.Bus,
	auth *service.AuthService,
	rooms domain.RoomRepository,
	msgSvc *service.MessageService,
	allowedOrigins []string,
	eventsPerSecond int,
) http.HandlerFunc {
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := auth.Authenticate(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// The connection outlives the request timeout middleware.
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		c := newConn(user.ID, wsConn)
		hub.Register(user.ID, c)
		go c.writePump()
		defer func() {
			c.unsubscribeAll()
			hub.Unregister(user.ID, c)
			c.Close()
		}()

		limiter := ratelimit.NewUnlimited()
		if eventsPerSecond > 0 {
			limiter = ratelimit.New(eventsPerSecond, ratelimit.WithoutSlack)
		}

		d := &dispatcher{c: c, user: user, bus: bus, rooms: rooms, msgs: msgSvc}

		_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
		wsConn.SetPongHandler(func(string) error {
			return wsConn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			var f realtime.Frame
			if err := wsConn.ReadJSON(&f); err != nil {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					c.sendError("malformed frame")
					continue
				}
				break
			}
			_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
			limiter.Take()
			d.handle(ctx, f)
		}
	}
}

type dispatcher struct {
	c     *Conn
	user  *domain.User
	bus   *realtime.Bus
	rooms domain.RoomRepository
	msgs  *service.MessageService
}

func (d *dispatcher) handle(ctx context.Context, f realtime.Frame) {
	switch f.Type {
	case realtime.FrameSubscribe:
		if _, err := d.participantRoom(ctx, f.Topic); err != nil {
			d.fail(f.Type, err)
			return
		}
		if err := d.c.subscribe(d.bus, f.Topic); err != nil {
			d.fail(f.Type, err)
			return
		}
		d.c.enqueue(realtime.Frame{Type: realtime.FrameSubscribed, Topic: f.Topic})

	case realtime.FrameUnsubscribe:
		d.c.unsubscribe(f.Topic)

	case realtime.FrameBroadcast:
		d.relay(ctx, f)

	case realtime.FrameMessage:
		var p sendPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			d.c.sendError("malformed message payload")
			return
		}
		if p.Type == domain.KindSystem {
			d.c.sendError("system messages are server-generated")
			return
		}
		_, err := d.msgs.Send(ctx, d.user.ID, service.SendInput{
			RoomID:   p.RoomID,
			Kind:     p.Type,
			Content:  p.Content,
			ImageURL: p.ImageURL,
			Location: p.Location,
			Price:    p.Price,
		})
		if err != nil {
			d.fail(f.Type, err)
		}

	case realtime.FrameEditMessage:
		var p editPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
			d.c.sendError("edit_message requires messageId and content")
			return
		}
		if _, err := d.msgs.Edit(ctx, d.user.ID, p.MessageID, p.Content); err != nil {
			d.fail(f.Type, err)
		}

	case realtime.FrameDeleteMessage:
		var p editPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
			d.c.sendError("delete_message requires messageId")
			return
		}
		if _, err := d.msgs.Delete(ctx, d.user.ID, p.MessageID); err != nil {
			d.fail(f.Type, err)
		}

	default:
		log.Printf("ws: unknown frame type %q from user %s", f.Type, d.user.ID)
		d.c.sendError("unknown frame type")
	}
}

// relay republishes a signaling event after checking that it travels
// between the two participants of the room, from this user to the peer.
func (d *dispatcher) relay(ctx context.Context, f realtime.Frame) {
	roomID, signaling, ok := realtime.RoomFromTopic(f.Topic)
	if !ok || !signaling {
		d.c.sendError("broadcast is only allowed on signaling topics")
		return
	}
	if f.Event == "" {
		d.c.sendError("broadcast requires an event name")
		return
	}
	room, err := d.participantRoom(ctx, f.Topic)
	if err != nil {
		d.fail(f.Type, err)
		return
	}
	peer, ok := room.Peer(d.user.ID)
	if !ok {
		d.c.sendError("room has no peer")
		return
	}
	var addr addressing
	if err := json.Unmarshal(f.Payload, &addr); err != nil || addr.From != d.user.ID || addr.To != peer {
		log.Printf("ws: rejected %s on room %s from user %s", f.Event, roomID, d.user.ID)
		d.c.sendError("signal must be addressed from you to the room peer")
		return
	}
	d.bus.Publish(realtime.Event{Topic: f.Topic, Name: f.Event, Payload: f.Payload, Sender: d.c.id})
}

func (d *dispatcher) participantRoom(ctx context.Context, topic string) (*domain.Room, error) {
	roomID, _, ok := realtime.RoomFromTopic(topic)
	if !ok {
		return nil, fmt.Errorf("%w: unknown topic %q", domain.ErrInvalidInput, topic)
	}
	room, err := d.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(d.user.ID) {
		return nil, domain.ErrForbidden
	}
	return room, nil
}

func (d *dispatcher) fail(frameType string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		d.c.sendError(err.Error())
	case errors.Is(err, domain.ErrForbidden):
		d.c.sendError("not allowed for this room")
	case errors.Is(err, domain.ErrNotFound):
		d.c.sendError("not found")
	case errors.Is(err, domain.ErrMessageDeleted):
		d.c.sendError("message is deleted")
	default:
		log.Printf("ws: %s for user %s: %v", frameType, d.user.ID, err)
		d.c.sendError("internal error")
	}
}
