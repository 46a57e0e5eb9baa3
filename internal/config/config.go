package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	Sync      SyncConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

// DatabaseConfig selects the store for clients, conflicts and locks.
// Mutations and the entity version log always live in SQLite.
type DatabaseConfig struct {
	Driver     string
	SQLitePath string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
}

// CouchURL is the CouchDB endpoint including credentials.
func (d DatabaseConfig) CouchURL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	BufferSize         int
	MaxMessageSize     int64
	WriteWait          time.Duration
	PongWait           time.Duration
	PingPeriod         time.Duration
	MaxConnPerBusiness int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type SyncConfig struct {
	DefaultStrategy    string
	BatchSize          int
	MaxBatchSize       int
	ApplyTimeout       time.Duration
	LockTTL            time.Duration
	VersionRetries     int
	DeltaPageSize      int
	AdditiveFields     string
	LastWriteWins      string
	AllowedEntityTypes []string
	MutationTTL        time.Duration
	ArchiveRetention   time.Duration
	JanitorInterval    time.Duration
}

const (
	DriverSQLite  = "sqlite"
	DriverCouchDB = "couchdb"
)

func Load() (*Config, error) {
	godotenv.Load()

	var errs []string
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
			SQLitePath: getEnv("SQLITE_PATH", "pos-sync.db"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5984"),
			User:       getEnv("DB_USER", "admin"),
			Password:   getEnv("DB_PASSWORD", "password"),
			Name:       getEnv("DB_NAME", "pos_sync"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "dev-secret-change-in-production"),
		},
		WebSocket: WebSocketConfig{
			BufferSize:         getEnvAsInt("WS_BUFFER_SIZE", 4096),
			MaxMessageSize:     int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
			WriteWait:          duration("WS_WRITE_WAIT", "10s"),
			PongWait:           duration("WS_PONG_WAIT", "60s"),
			PingPeriod:         duration("WS_PING_PERIOD", "54s"),
			MaxConnPerBusiness: getEnvAsInt("WS_MAX_CONN_PER_BUSINESS", 100),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Client-ID"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Sync: SyncConfig{
			DefaultStrategy:    getEnv("SYNC_DEFAULT_STRATEGY", "server_wins"),
			BatchSize:          getEnvAsInt("SYNC_BATCH_SIZE", 50),
			MaxBatchSize:       getEnvAsInt("SYNC_MAX_BATCH_SIZE", 500),
			ApplyTimeout:       duration("SYNC_APPLY_TIMEOUT", "5s"),
			LockTTL:            duration("SYNC_LOCK_TTL", "2m"),
			VersionRetries:     getEnvAsInt("SYNC_VERSION_RETRIES", 3),
			DeltaPageSize:      getEnvAsInt("SYNC_DELTA_PAGE_SIZE", 500),
			AdditiveFields:     getEnv("SYNC_ADDITIVE_FIELDS", "product.stock_quantity,inventory.quantity"),
			LastWriteWins:      getEnv("SYNC_LWW_FIELDS", ""),
			AllowedEntityTypes: getEnvAsList("SYNC_ENTITY_TYPES"),
			MutationTTL:        duration("SYNC_MUTATION_TTL", "168h"),
			ArchiveRetention:   duration("SYNC_ARCHIVE_RETENTION", "720h"),
			JanitorInterval:    duration("SYNC_JANITOR_INTERVAL", "1h"),
		},
	}

	switch cfg.Database.Driver {
	case DriverSQLite, DriverCouchDB:
	default:
		errs = append(errs, fmt.Sprintf("invalid DB_DRIVER %q", cfg.Database.Driver))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
