package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL enables the shared presence/catalog cache and notification queue.
	RedisURL    string
	NotifyQueue string

	// Caller identity. One of JWTSecret or JWTPublicKeyFile is required unless
	// TrustedHeader is set for a deployment behind an authenticating proxy.
	JWTSecret        string
	JWTPublicKeyFile string
	JWTIssuer        string
	JWTAudience      string
	TrustedHeader    string

	WSOriginRequired bool
	WSAllowedOrigins []string
	WSDevInsecure    bool
	WSSendQueueSize  int
	BroadcastQueue   int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	CatalogURL      string
	CatalogToken    string
	CatalogStatic   []string
	CatalogCacheTTL time.Duration

	PresenceTTL time.Duration

	APIMaxBodyBytes int
	APISendRate     float64
	APISendBurst    int
}

// LoadEnvFile loads BAZAAR_ENV_FILE (default ".env") into the process
// environment. A missing file is not an error; existing variables win.
func LoadEnvFile() error {
	path := EnvString("BAZAAR_ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BAZAAR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("BAZAAR_LOG_LEVEL", "info"),
		LogFormat: EnvString("BAZAAR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BAZAAR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BAZAAR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BAZAAR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BAZAAR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("BAZAAR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("BAZAAR_DATABASE_URL", ""),
		DBSchema:    EnvString("BAZAAR_DB_SCHEMA", "bazaar"),
		DBMaxConns:  EnvInt32("BAZAAR_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BAZAAR_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("BAZAAR_DB_MIGRATE", true),

		ReadinessRequireDB: EnvBool("BAZAAR_READINESS_REQUIRE_DB", false),

		RedisURL:    EnvString("BAZAAR_REDIS_URL", ""),
		NotifyQueue: EnvString("BAZAAR_NOTIFY_QUEUE", "notifications"),

		JWTSecret:        EnvString("BAZAAR_JWT_SECRET", ""),
		JWTPublicKeyFile: EnvString("BAZAAR_JWT_PUBLIC_KEY_FILE", ""),
		JWTIssuer:        EnvString("BAZAAR_JWT_ISSUER", ""),
		JWTAudience:      EnvString("BAZAAR_JWT_AUDIENCE", ""),
		TrustedHeader:    EnvString("BAZAAR_AUTH_TRUSTED_HEADER", ""),

		WSOriginRequired: EnvBool("BAZAAR_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins: EnvCSV("BAZAAR_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSDevInsecure:    EnvBool("BAZAAR_WS_DEV_INSECURE", false),
		WSSendQueueSize:  EnvInt("BAZAAR_WS_SEND_QUEUE", 256),
		BroadcastQueue:   EnvInt("BAZAAR_BROADCAST_QUEUE", 128),

		CORSAllowedOrigins:   EnvCSV("BAZAAR_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("BAZAAR_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("BAZAAR_CORS_MAX_AGE_SECONDS", 600),

		CatalogURL:      EnvString("BAZAAR_CATALOG_URL", ""),
		CatalogToken:    EnvString("BAZAAR_CATALOG_TOKEN", ""),
		CatalogStatic:   EnvCSV("BAZAAR_CATALOG_STATIC", nil),
		CatalogCacheTTL: EnvDuration("BAZAAR_CATALOG_CACHE_TTL", 5*time.Minute),

		PresenceTTL: EnvDuration("BAZAAR_PRESENCE_TTL", 60*time.Second),

		APIMaxBodyBytes: EnvInt("BAZAAR_API_MAX_BODY_BYTES", 64<<10),
		APISendRate:     EnvFloat("BAZAAR_API_SEND_RATE", 5),
		APISendBurst:    EnvInt("BAZAAR_API_SEND_BURST", 20),
	}
}
