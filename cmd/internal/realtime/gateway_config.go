package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	// RequireAuth rejects hellos without a valid bearer token.
	RequireAuth bool
	// EchoToSender also pushes a relayed message back to the connection that sent it.
	EchoToSender bool

	// Browsers always send Origin; the console client does not.
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the relay's defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		EchoToSender:     true,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		HelloTimeout:     helloTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// GatewayConfigFromEnv applies PAIRLINE_RELAY_* and PAIRLINE_WS_* overrides
// to the defaults. Unparseable values keep the default.
func GatewayConfigFromEnv() GatewayConfig {
	c := DefaultGatewayConfig()

	c.RequireAuth = envBoolWS("PAIRLINE_RELAY_REQUIRE_AUTH", c.RequireAuth)
	c.EchoToSender = envBoolWS("PAIRLINE_RELAY_ECHO", c.EchoToSender)

	c.DevInsecure = envBoolWS("PAIRLINE_WS_DEV_INSECURE", false)
	c.OriginRequired = envBoolWS("PAIRLINE_WS_ORIGIN_REQUIRED", c.OriginRequired)
	if v := strings.TrimSpace(os.Getenv("PAIRLINE_WS_ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = splitCSV(v)
	}

	c.WriteTimeout = envDurationWS("PAIRLINE_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.ReadIdleTimeout = envDurationWS("PAIRLINE_WS_READ_IDLE_TIMEOUT", c.ReadIdleTimeout)
	c.HelloTimeout = envDurationWS("PAIRLINE_WS_HELLO_TIMEOUT", c.HelloTimeout)
	c.SendQueueSize = envIntWS("PAIRLINE_WS_SEND_QUEUE", c.SendQueueSize)

	c.HeartbeatEvery = envDurationWS("PAIRLINE_WS_HEARTBEAT_INTERVAL", c.HeartbeatEvery)
	c.HeartbeatTimeout = envDurationWS("PAIRLINE_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)

	c.RateEvents = envIntWS("PAIRLINE_WS_RATE_EVENTS", c.RateEvents)
	c.RateWindow = envDurationWS("PAIRLINE_WS_RATE_WINDOW", c.RateWindow)
	return c
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

func envBoolWS(key string, def bool) bool {
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

func envIntWS(key string, def int) int {
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

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
