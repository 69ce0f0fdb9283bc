package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/onexay/docvs/internal/storage"
)

// StorageBackend enumerates supported persistence layers.
type StorageBackend string

const (
	// StorageBackendMemory keeps data in-process.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendKeyDB persists data to KeyDB/Redis.
	StorageBackendKeyDB StorageBackend = "keydb"
	// StorageBackendBolt persists data to an embedded bbolt file.
	StorageBackendBolt StorageBackend = "bolt"
	// StorageBackendPostgres persists data to PostgreSQL.
	StorageBackendPostgres StorageBackend = "postgres"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr         string
	LogLevel        string
	ShutdownTimeout time.Duration
	Storage         StorageConfig
	Auth            AuthConfig
	CORSOrigins     []string
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Backend  StorageBackend
	KeyDB    storage.Config
	BoltPath string
	Postgres storage.PostgresConfig
}

// AuthConfig selects how callers are identified. An empty JWTSecret means
// the X-User-ID header is trusted.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// Load reads configuration from a .env file, if present, and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("API_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("STORAGE_BACKEND", string(StorageBackendMemory))
	v.SetDefault("KEYDB_DB", 0)
	v.SetDefault("BOLT_PATH", "data/docvs.db")
	v.SetDefault("TABLE_PREFIX", "")
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_JWT_ISSUER", "docvs")
	v.SetDefault("CORS_ORIGINS", "*")

	cfg := Config{
		APIAddr:         v.GetString("API_ADDR"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		Storage: StorageConfig{
			Backend: StorageBackend(strings.ToLower(v.GetString("STORAGE_BACKEND"))),
			KeyDB: storage.Config{
				Addr:     v.GetString("KEYDB_ADDR"),
				Username: v.GetString("KEYDB_USERNAME"),
				Password: v.GetString("KEYDB_PASSWORD"),
				Database: v.GetInt("KEYDB_DB"),
			},
			BoltPath: v.GetString("BOLT_PATH"),
			Postgres: storage.PostgresConfig{
				URL:         v.GetString("DATABASE_URL"),
				TablePrefix: v.GetString("TABLE_PREFIX"),
				MaxConns:    v.GetInt32("DB_MAX_CONNS"),
				MinConns:    v.GetInt32("DB_MIN_CONNS"),
			},
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("AUTH_JWT_SECRET"),
			JWTIssuer: v.GetString("AUTH_JWT_ISSUER"),
		},
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case StorageBackendMemory, StorageBackendKeyDB, StorageBackendBolt:
	case StorageBackendPostgres:
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
