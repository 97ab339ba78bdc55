// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for both
// roles of the sync daemon: the sync agent (reconciliation queue, admin
// surface) and the record store (signature-gated ingest).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Roles the daemon can run in.
const (
	RoleAgent   = "agent"
	RoleRecords = "records"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME; empty: syncd-<role>
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LogFileConfig enables rotated JSON file logs when Path is set.
type LogFileConfig struct {
	Path       string // LOG_FILE
	MaxSizeMB  int    // LOG_FILE_MAX_MB
	MaxBackups int    // LOG_FILE_MAX_BACKUPS
	MaxAgeDays int    // LOG_FILE_MAX_AGE_DAYS
}

// StorageConfig selects the secondary storage and record database.
type StorageConfig struct {
	Driver      string // sqlite|postgres|memory
	DBPath      string // SQLite path
	DatabaseURL string // postgres DSN
}

// BusConfig selects the coordination event bus.
type BusConfig struct {
	Driver       string        // sql|memory
	PollInterval time.Duration // SQL poller period
	Retention    time.Duration // SQL rows older than this are pruned
}

// SyncConfig holds the shared signing secret and replay window.
type SyncConfig struct {
	Secret   string
	MaxSkew  time.Duration
	NonceTTL time.Duration
}

// ReconcileConfig tunes the reconciliation queue and scheduler.
type ReconcileConfig struct {
	TickInterval      time.Duration
	ReconcileInterval time.Duration // negative disables periodic runs
	PageSize          int
	PruneOrphans      bool
	OnBoot            bool // run the bootstrap coordinator
}

// DirectoryConfig points the agent at the two directories.
type DirectoryConfig struct {
	IdentityURL    string
	IdentityToken  string
	RecordStoreURL string // empty: in-process writer on the local database
	Timeout        time.Duration
	// CursorPaging enables keyset paging (GET /users?after=) for full
	// reconciliation. Off: offset paging only.
	CursorPaging bool
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain on SIGTERM
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev
	LogFile   LogFileConfig

	// Role
	Role        string // agent|records
	ServiceName string // own coordination name
	PeerName    string // peer coordination name

	Storage     StorageConfig
	Bus         BusConfig
	Sync        SyncConfig
	AdminToken  string
	Reconcile   ReconcileConfig
	Directories DirectoryConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	role := strings.ToLower(strings.TrimSpace(getenv("SYNC_ROLE", RoleAgent)))
	self, peer := "identity", "records"
	if role == RoleRecords {
		self, peer = "records", "identity"
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
		LogFile: LogFileConfig{
			Path:       getenv("LOG_FILE", ""),
			MaxSizeMB:  getint("LOG_FILE_MAX_MB", 100),
			MaxBackups: getint("LOG_FILE_MAX_BACKUPS", 5),
			MaxAgeDays: getint("LOG_FILE_MAX_AGE_DAYS", 28),
		},

		// Role
		Role:        role,
		ServiceName: getenv("SERVICE_NAME", self),
		PeerName:    getenv("PEER_SERVICE_NAME", peer),

		Storage: StorageConfig{
			Driver:      strings.ToLower(getenv("STORAGE_DRIVER", "sqlite")),
			DBPath:      getenv("DB_PATH", "sync.db"),
			DatabaseURL: getenv("DATABASE_URL", ""),
		},
		Bus: BusConfig{
			Driver:       strings.ToLower(getenv("BUS_DRIVER", "sql")),
			PollInterval: getdur("BUS_POLL_INTERVAL", time.Second),
			Retention:    getdur("BUS_RETENTION", 24*time.Hour),
		},
		Sync: SyncConfig{
			Secret:   os.Getenv("SYNC_SECRET"),
			MaxSkew:  getdur("SYNC_MAX_SKEW", 300*time.Second),
			NonceTTL: getdur("NONCE_TTL", 5*time.Minute),
		},
		AdminToken: os.Getenv("ADMIN_TOKEN"),
		Reconcile: ReconcileConfig{
			TickInterval:      getdur("TICK_INTERVAL", time.Second),
			ReconcileInterval: getdur("RECONCILE_INTERVAL", 30*time.Minute),
			PageSize:          getint("RECONCILE_PAGE_SIZE", 500),
			PruneOrphans:      getbool("PRUNE_ORPHANS", false),
			OnBoot:            getbool("RECONCILE_ON_BOOT", true),
		},
		Directories: DirectoryConfig{
			IdentityURL:    getenv("IDENTITY_URL", ""),
			IdentityToken:  getenv("IDENTITY_TOKEN", ""),
			RecordStoreURL: getenv("RECORD_STORE_URL", ""),
			Timeout:        getdur("DIRECTORY_TIMEOUT", 10*time.Second),
			CursorPaging:   getbool("IDENTITY_CURSOR_PAGING", false),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", ""),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.Directories.IdentityURL = strings.TrimRight(cfg.Directories.IdentityURL, "/")
	cfg.Directories.RecordStoreURL = strings.TrimRight(cfg.Directories.RecordStoreURL, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	switch cfg.Role {
	case RoleAgent, RoleRecords:
	default:
		return cfg, errors.New("SYNC_ROLE must be one of: agent, records")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" || strings.TrimSpace(cfg.PeerName) == "" {
		return cfg, errors.New("SERVICE_NAME and PEER_SERVICE_NAME must not be empty")
	}
	if cfg.ServiceName == cfg.PeerName {
		return cfg, errors.New("SERVICE_NAME and PEER_SERVICE_NAME must differ")
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	case "memory":
		if cfg.Role == RoleRecords {
			return cfg, errors.New("STORAGE_DRIVER=memory cannot back the record store")
		}
	default:
		return cfg, errors.New("STORAGE_DRIVER must be one of: sqlite, postgres, memory")
	}
	switch cfg.Bus.Driver {
	case "sql":
		if cfg.Storage.Driver == "memory" {
			return cfg, errors.New("BUS_DRIVER=sql requires a SQL STORAGE_DRIVER")
		}
		if cfg.Bus.PollInterval <= 0 || cfg.Bus.Retention <= 0 {
			return cfg, errors.New("BUS_POLL_INTERVAL and BUS_RETENTION must be > 0")
		}
	case "memory":
	default:
		return cfg, errors.New("BUS_DRIVER must be one of: sql, memory")
	}
	if cfg.Sync.Secret == "" {
		return cfg, errors.New("SYNC_SECRET is required")
	}
	if cfg.Sync.MaxSkew <= 0 || cfg.Sync.NonceTTL <= 0 {
		return cfg, errors.New("SYNC_MAX_SKEW and NONCE_TTL must be > 0")
	}
	if cfg.Reconcile.TickInterval <= 0 {
		return cfg, errors.New("TICK_INTERVAL must be > 0")
	}
	if cfg.Reconcile.PageSize < 1 {
		return cfg, errors.New("RECONCILE_PAGE_SIZE must be >= 1")
	}
	if cfg.Directories.Timeout <= 0 {
		return cfg, errors.New("DIRECTORY_TIMEOUT must be > 0")
	}
	if cfg.Role == RoleAgent {
		if cfg.AdminToken == "" {
			return cfg, errors.New("ADMIN_TOKEN is required for the agent role")
		}
		if cfg.Directories.IdentityURL == "" {
			return cfg, errors.New("IDENTITY_URL is required for the agent role")
		}
		if cfg.Directories.RecordStoreURL == "" && cfg.Storage.Driver == "memory" {
			return cfg, errors.New("RECORD_STORE_URL is required when STORAGE_DRIVER=memory")
		}
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
