package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("NEONTALK_HTTP_ADDR", "0.0.0.0:4000"),
		LogLevel: EnvString("NEONTALK_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("NEONTALK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("NEONTALK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("NEONTALK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("NEONTALK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("NEONTALK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("NEONTALK_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("NEONTALK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("NEONTALK_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("NEONTALK_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("NEONTALK_CORS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		CORSAllowCredentials: EnvBool("NEONTALK_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("NEONTALK_CORS_MAX_AGE_SECONDS", 600),
	}
}
