package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"campusdrop/internal/service"
)

// @Summary      List rooms
// @Tags         rooms
// @Security     BearerAuth
// @Produce      json
// @Success      200  {array}   service.RoomResponse
// @Failure      401  {object}  map[string]string
// @Router       /rooms [get]
func handleListRooms(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		rooms, err := roomSvc.ListForUser(r.Context(), currentUser.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := make([]*service.RoomResponse, 0, len(rooms))
		for _, room := range rooms {
			resp = append(resp, service.ToRoomResponse(room))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// @Summary      Resolve room
// @Description  Accepts a room id or a delivery request id. The room of an accepted request is created on first access.
// @Tags         rooms
// @Security     BearerAuth
// @Produce      json
// @Param        roomID  path  string  true  "Room or request id"
// @Success      200  {object}  service.RoomResponse
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /rooms/{roomID} [get]
func handleResolveRoom(roomSvc *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		room, err := roomSvc.Resolve(r.Context(), currentUser.ID, chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, service.ToRoomResponse(room))
	}
}

// @Summary      Mark delivered
// @Description  Completes the room's delivery request and posts a system message. Day scholar only.
// @Tags         rooms
// @Security     BearerAuth
// @Produce      json
// @Param        roomID  path  string  true  "Room id"
// @Success      200  {object}  service.MessageResponse
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /rooms/{roomID}/delivered [post]
func handleMarkDelivered(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		msg, err := msgSvc.MarkDelivered(r.Context(), currentUser.ID, chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgSvc.ToResponse(msg))
	}
}
