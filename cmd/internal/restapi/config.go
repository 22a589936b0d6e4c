package restapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls the REST surface of the relay.
type Config struct {
	// RequireAuth rejects message requests without a valid bearer token.
	RequireAuth  bool
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-key login/signup budget. Keys are the client IP and the email.
	AuthPerMinute int
	AuthBurst     int

	// MaxHistory caps the messages returned by one history request.
	MaxHistory int
}

// DefaultConfig returns the defaults used when no env overrides are set.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:  64 << 10,
		AuthPerMinute: 20,
		AuthBurst:     5,
		MaxHistory:    10_000,
	}
}

// LoadConfigFromEnv loads the REST config from PAIRLINE_REST_* variables.
// PAIRLINE_RELAY_REQUIRE_AUTH is shared with the realtime gateway.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		RequireAuth:   envBool("PAIRLINE_RELAY_REQUIRE_AUTH", def.RequireAuth),
		TrustProxy:    envBool("PAIRLINE_REST_TRUST_PROXY", def.TrustProxy),
		MaxBodyBytes:  envInt64("PAIRLINE_REST_MAX_BODY_BYTES", def.MaxBodyBytes),
		AuthPerMinute: envInt("PAIRLINE_REST_AUTH_PER_MINUTE", def.AuthPerMinute),
		AuthBurst:     envInt("PAIRLINE_REST_AUTH_BURST", def.AuthBurst),
		MaxHistory:    envInt("PAIRLINE_REST_MAX_HISTORY", def.MaxHistory),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.AuthPerMinute <= 0 {
		c.AuthPerMinute = def.AuthPerMinute
	}
	if c.AuthBurst <= 0 {
		c.AuthBurst = def.AuthBurst
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = def.MaxHistory
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
