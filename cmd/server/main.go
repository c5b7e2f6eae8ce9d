package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"campusdrop/internal/config"
	"campusdrop/internal/domain"
	"campusdrop/internal/httpserver"
	"campusdrop/internal/realtime"
	"campusdrop/internal/security"
	"campusdrop/internal/store/postgres"
	"campusdrop/internal/store/sqlite"
	"campusdrop/internal/ws"
)

// @title           campusdrop chat API
// @version         1.0
// @description     Room chat, history paging and call signaling for campus deliveries.

// @host            localhost:8000
// @BasePath        /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize database
	db, repos, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	passwordHasher := security.NewPasswordHasher(0)

	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptKeys)
	if err != nil {
		log.Fatalf("failed to initialize encryptor: %v", err)
	}

	bus := realtime.NewBus()
	hub := ws.NewHub()

	// Build HTTP router
	router := httpserver.NewRouter(cfg, repos, bus, hub, tokenSvc, passwordHasher, encryptor)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("Starting campusdrop server on %s (%s store)\n", cfg.HTTPAddr(), cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openStore(cfg *config.Config) (*sql.DB, domain.Repositories, error) {
	if cfg.DBDriver == "sqlite" {
		db, err := sqlite.Open(cfg.DSN())
		if err != nil {
			return nil, domain.Repositories{}, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, domain.Repositories{}, err
		}
		return db, sqlite.NewRepositories(db), nil
	}

	db, err := postgres.Open(cfg.DSN())
	if err != nil {
		return nil, domain.Repositories{}, err
	}
	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return nil, domain.Repositories{}, err
	}
	return db, postgres.NewRepositories(db), nil
}
