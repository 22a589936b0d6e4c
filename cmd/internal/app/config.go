package app

import (
	"time"

	"pairline/cmd/internal/realtime"
	"pairline/cmd/internal/restapi"
)

// RelayConfig is the pairline-relay runtime configuration.
type RelayConfig struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects the in-memory stores.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	Gateway realtime.GatewayConfig
	REST    restapi.Config
}

// LoadRelayConfig loads RelayConfig from the environment with defaults.
func LoadRelayConfig() RelayConfig {
	return RelayConfig{
		HTTPAddr:  EnvString("PAIRLINE_RELAY_ADDR", "127.0.0.1:8080"),
		LogLevel:  EnvString("PAIRLINE_LOG_LEVEL", "info"),
		LogFormat: EnvString("PAIRLINE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PAIRLINE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PAIRLINE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PAIRLINE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PAIRLINE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("PAIRLINE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PAIRLINE_DATABASE_URL", ""),
		DBSchema:    EnvString("PAIRLINE_DB_SCHEMA", "pairline"),
		DBMaxConns:  EnvInt32("PAIRLINE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PAIRLINE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PAIRLINE_READINESS_REQUIRE_DB", false),

		Gateway: realtime.GatewayConfigFromEnv(),
		REST:    restapi.LoadConfigFromEnv(),
	}
}

// ClientConfig is the pairline console client configuration.
type ClientConfig struct {
	// BaseURL serves both REST and the realtime endpoint (<base>/ws).
	BaseURL string

	LogLevel  string
	LogFormat string

	// HTTPTimeout bounds each network call made on behalf of a command.
	HTTPTimeout time.Duration

	// MetricsAddr, when set, serves the client's /metrics.
	MetricsAddr string

	// WSOrigin is sent as the Origin header of the realtime handshake.
	WSOrigin string
}

// LoadClientConfig loads ClientConfig from the environment with defaults.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:     EnvString("PAIRLINE_BASE_URL", "http://127.0.0.1:8080"),
		LogLevel:    EnvString("PAIRLINE_LOG_LEVEL", "warn"),
		LogFormat:   EnvString("PAIRLINE_LOG_FORMAT", "text"),
		HTTPTimeout: EnvDuration("PAIRLINE_HTTP_TIMEOUT", 10*time.Second),
		MetricsAddr: EnvString("PAIRLINE_METRICS_ADDR", ""),
		WSOrigin:    EnvString("PAIRLINE_WS_ORIGIN", ""),
	}
}
