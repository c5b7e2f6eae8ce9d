package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	JWTSecret          string
	AccessTokenMinutes int
	EncryptKey         string
	LegacyEncryptKeys  []string

	CORSOrigins []string
	Debug       bool

	WSEventsPerSecond int
	CallRingTimeout   time.Duration
	FeedPollInterval  time.Duration
	STUNURLs          []string
}

func Load() (*Config, error) {
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "campusdrop")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}
	dbURL := u.String()

	cfg := &Config{
		AppName: getEnv("APP_NAME", "campusdrop API"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseURL: dbURL,
		SQLitePath:  getEnv("SQLITE_PATH", "campusdrop.db"),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		AccessTokenMinutes: getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),
		EncryptKey:         os.Getenv("ENCRYPTION_KEY"),
		LegacyEncryptKeys:  getEnvAsList("LEGACY_ENCRYPTION_KEYS", nil),

		Debug: getEnvAsBool("DEBUG", true),

		WSEventsPerSecond: getEnvAsInt("WS_EVENTS_PER_SECOND", 20),
		CallRingTimeout:   time.Duration(getEnvAsInt("CALL_RING_TIMEOUT_SECONDS", 30)) * time.Second,
		FeedPollInterval:  time.Duration(getEnvAsInt("FEED_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		STUNURLs:          getEnvAsList("STUN_URLS", []string{"stun:stun.l.google.com:19302"}),
	}

	cfg.CORSOrigins = getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"})

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return nil, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.FeedPollInterval <= 0 {
		return nil, fmt.Errorf("FEED_POLL_INTERVAL_MS must be positive")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the data source name for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "sqlite" {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
