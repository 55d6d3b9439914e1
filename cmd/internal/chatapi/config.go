package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls fallback API limits.
type Config struct {
	MaxBodyBytes int64
	// RateEvents write requests per RateWindow per user.
	RateEvents int
	RateWindow time.Duration
	// SendTimeout bounds a send or finalize after the request is accepted,
	// independent of the client connection.
	SendTimeout time.Duration
}

// LoadConfigFromEnv loads config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: envInt64("CLASSCHAT_API_MAX_BODY_BYTES", 64<<10),
		RateEvents:   envInt("CLASSCHAT_API_RATE_LIMIT", 60),
		RateWindow:   envDuration("CLASSCHAT_API_RATE_WINDOW", time.Minute),
		SendTimeout:  envDuration("CLASSCHAT_API_SEND_TIMEOUT", 10*time.Second),
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.RateEvents <= 0 {
		c.RateEvents = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
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
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
