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

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the websocket gateway knobs.
type GatewayConfig struct {
	// InsecureSkipVerify disables websocket.Accept origin verification (dev only).
	InsecureSkipVerify bool
	OriginRequired     bool
	AllowedOrigins     []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int
	MaxMessageBytes int64

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// RequireMembership restricts join_room to the chat's two participants.
	RequireMembership bool
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		MaxMessageBytes:   maxFrameBytes,
		HeartbeatEvery:    heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		RequireMembership: true,
	}
}

// LoadGatewayConfigFromEnv overlays CLASSCHAT_WS_* variables on the defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	c := DefaultGatewayConfig()

	c.InsecureSkipVerify = envBoolWS("CLASSCHAT_WS_INSECURE_SKIP_VERIFY", c.InsecureSkipVerify)
	c.OriginRequired = envBoolWS("CLASSCHAT_WS_ORIGIN_REQUIRED", c.OriginRequired)
	c.AllowedOrigins = envCSVWS("CLASSCHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	c.WriteTimeout = envDurationWS("CLASSCHAT_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.ReadIdleTimeout = envDurationWS("CLASSCHAT_WS_READ_IDLE_TIMEOUT", c.ReadIdleTimeout)
	c.SendQueueSize = envIntWS("CLASSCHAT_WS_QUEUE_SIZE", c.SendQueueSize)
	c.MaxMessageBytes = int64(envIntWS("CLASSCHAT_WS_MAX_MESSAGE_BYTES", int(c.MaxMessageBytes)))

	c.HeartbeatEvery = envDurationWS("CLASSCHAT_WS_HEARTBEAT_INTERVAL", c.HeartbeatEvery)
	c.HeartbeatTimeout = envDurationWS("CLASSCHAT_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)

	c.RateEvents = envIntWS("CLASSCHAT_WS_RATE_LIMIT", c.RateEvents)
	c.RateWindow = envDurationWS("CLASSCHAT_WS_RATE_WINDOW", c.RateWindow)

	c.RequireMembership = envBoolWS("CLASSCHAT_WS_REQUIRE_MEMBERSHIP", c.RequireMembership)
	return c.normalized()
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
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

// ---- env helpers ----

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

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
