// Package config loads process-wide orchestrator settings from the
// environment, with sane defaults so the server runs unconfigured in dev.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the orchestrator tunables that Load reads from the
// environment: poll periods, scrollback cap, reconnect shape, and the tunnel
// port range. cmd/orchestrator does not call Load; it runs on its own
// compiled-in constants.
// Defaults mirror the values named in the design: 30s/10s poll ticks, 10s
// hook-priority window, 100KB scrollback, 5 reconnect attempts.
type Config struct {
	Port int
	Env  string

	// LocalPollInterval is how often the local status poller ticks (C5).
	LocalPollInterval time.Duration
	// RemotePollInterval is how often the remote status poller ticks (C6).
	RemotePollInterval time.Duration
	// StatusAgeThreshold is the mtime-age boundary between idle and working.
	StatusAgeThreshold time.Duration
	// HookPriorityWindow is how long a hook suppresses poller writes (C3).
	HookPriorityWindow time.Duration

	// ScrollbackCap is the byte cap per instance (C1).
	ScrollbackCap int

	// ReconnectMaxAttempts bounds the SSH backend / tunnel reconnect loop.
	ReconnectMaxAttempts int
	// ReconnectBaseDelay is the first backoff delay; it doubles each attempt.
	ReconnectBaseDelay time.Duration

	// TunnelPortRangeStart/End bounds the local ports the Reverse Tunnel
	// Supervisor may allocate for forwards.
	TunnelPortRangeStart int
	TunnelPortRangeEnd   int

	// RedisAddr is the Asynq/worker Redis connection (host:port).
	RedisAddr string

	// CORSAllowedOrigins lists browser origins allowed to reach the API.
	CORSAllowedOrigins []string
}

// Load reads .env (if present) then the process environment, falling back
// to documented defaults for anything unset.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnvAsInt("PORT", 8090),
		Env:                  getEnv("ENV", "development"),
		LocalPollInterval:    getEnvAsDuration("LOCAL_POLL_INTERVAL", 30*time.Second),
		RemotePollInterval:   getEnvAsDuration("REMOTE_POLL_INTERVAL", 10*time.Second),
		StatusAgeThreshold:   getEnvAsDuration("STATUS_AGE_THRESHOLD", 60*time.Second),
		HookPriorityWindow:   getEnvAsDuration("HOOK_PRIORITY_WINDOW", 10*time.Second),
		ScrollbackCap:        getEnvAsInt("SCROLLBACK_CAP_BYTES", 100*1024),
		ReconnectMaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvAsDuration("RECONNECT_BASE_DELAY", 1*time.Second),
		TunnelPortRangeStart: getEnvAsInt("TUNNEL_PORT_RANGE_START", 40000),
		TunnelPortRangeEnd:   getEnvAsInt("TUNNEL_PORT_RANGE_END", 40999),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		CORSAllowedOrigins:   getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
