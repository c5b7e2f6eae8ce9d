package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"campusdrop/internal/domain"
	"campusdrop/internal/service"
)

type messageCreateRequest struct {
	Type     domain.MessageKind `json:"type" validate:"omitempty,oneof=text image location price_confirmation"`
	Content  string             `json:"content" validate:"max=5000"`
	ImageURL *string            `json:"imageUrl" validate:"omitempty,url"`
	Location *domain.Location   `json:"location"`
	Price    *float64           `json:"price" validate:"omitempty,gte=0"`
}

type messageEditRequest struct {
	Content string `json:"content" validate:"required,max=5000"`
}

// @Summary      List messages
// @Description  One page of a room's history, newest first. Pass the previous page's nextCursor to load older messages.
// @Tags         messages
// @Security     BearerAuth
// @Produce      json
// @Param        roomId  query  string  true   "Room id"
// @Param        cursor  query  string  false  "RFC 3339 timestamp; only older messages are returned"
// @Success      200  {object}  service.PageResponse
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /messages [get]
func handleListMessages(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		roomID := r.URL.Query().Get("roomId")
		if roomID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "roomId is required"})
			return
		}
		var cursor *time.Time
		if raw := r.URL.Query().Get("cursor"); raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
				return
			}
			cursor = &ts
		}

		page, err := msgSvc.FetchPage(r.Context(), currentUser.ID, roomID, cursor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgSvc.ToPageResponse(page))
	}
}

// @Summary      Send message
// @Tags         messages
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        roomID  path  string                true  "Room id"
// @Param        input   body  messageCreateRequest  true  "Message"
// @Success      201  {object}  service.MessageResponse
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /rooms/{roomID}/messages [post]
func handleSendMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		msg, err := msgSvc.Send(r.Context(), currentUser.ID, service.SendInput{
			RoomID:   chi.URLParam(r, "roomID"),
			Kind:     req.Type,
			Content:  req.Content,
			ImageURL: req.ImageURL,
			Location: req.Location,
			Price:    req.Price,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msgSvc.ToResponse(msg))
	}
}

// @Summary      Edit message
// @Tags         messages
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        messageID  path  string              true  "Message id"
// @Param        input      body  messageEditRequest  true  "New content"
// @Success      200  {object}  service.MessageResponse
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /messages/{messageID} [patch]
func handleEditMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req messageEditRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		msg, err := msgSvc.Edit(r.Context(), currentUser.ID, chi.URLParam(r, "messageID"), req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgSvc.ToResponse(msg))
	}
}

// @Summary      Delete message
// @Description  Replaces the content with a tombstone; the message keeps its place in history.
// @Tags         messages
// @Security     BearerAuth
// @Produce      json
// @Param        messageID  path  string  true  "Message id"
// @Success      200  {object}  service.MessageResponse
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /messages/{messageID} [delete]
func handleDeleteMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		msg, err := msgSvc.Delete(r.Context(), currentUser.ID, chi.URLParam(r, "messageID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgSvc.ToResponse(msg))
	}
}
