package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"campusdrop/internal/config"
	"campusdrop/internal/domain"
	"campusdrop/internal/realtime"
	"campusdrop/internal/security"
	"campusdrop/internal/service"
	"campusdrop/internal/ws"

	_ "campusdrop/docs"
	httpSwagger "github.com/swaggo/http-swagger"
)

// NewRouter constructs the main HTTP router and wires routes, services, and middleware.
func NewRouter(
	cfg *config.Config,
	repos domain.Repositories,
	bus *realtime.Bus,
	hub *ws.Hub,
	tokenSvc *security.TokenService,
	passwordHasher *security.PasswordHasher,
	encryptor *security.Encryptor,
) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Services
	authSvc := service.NewAuthService(repos.Users, tokenSvc, passwordHasher)
	msgSvc := service.NewMessageService(repos.Rooms, repos.Requests, repos.Messages, encryptor, bus)
	roomSvc := service.NewRoomService(repos.Rooms, repos.Requests, msgSvc)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": cfg.AppName, "version": "1.0.0", "docs": "/docs"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"), //The url pointing to API definition
	))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Auth routes (no auth required)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(authSvc))
			r.Post("/login", handleLogin(authSvc))
		})

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(authSvc))

			r.Get("/auth/me", handleMe())

			r.Get("/messages", handleListMessages(msgSvc))
			r.Patch("/messages/{messageID}", handleEditMessage(msgSvc))
			r.Delete("/messages/{messageID}", handleDeleteMessage(msgSvc))

			r.Route("/rooms", func(r chi.Router) {
				r.Get("/", handleListRooms(roomSvc))
				r.Get("/{roomID}", handleResolveRoom(roomSvc))
				r.Post("/{roomID}/messages", handleSendMessage(msgSvc))
				r.Post("/{roomID}/delivered", handleMarkDelivered(msgSvc))
			})
		})
	})

	// WebSocket endpoint; outside the request timeout.
	r.Get("/ws", ws.MakeHandler(hub, bus, authSvc, repos.Rooms, msgSvc, cfg.CORSOrigins, cfg.WSEventsPerSecond))

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a service error to its HTTP status. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotAccepted),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrMessageDeleted):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("httpserver: %v", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
