package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like
	// X-Forwarded-For. Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Provider credentials.
	GeminiAPIKey    string
	DefaultProvider string

	// Conversation store. Empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Live WebSocket surface.
	LiveHeartbeatInterval       time.Duration
	LiveIdleTimeout             time.Duration
	LiveReadTimeout             time.Duration
	LiveWriteTimeout            time.Duration
	LiveMaxJSONMessageBytes     int64
	LiveMaxAudioFrameBytes      int
	LiveMaxSessionsPerConn      int
	LiveContextWindow           int
	LiveOutboundQueueSize       int
	LiveInactiveCleanupInterval time.Duration

	// Per-principal admission limits.
	AdmitConnectionsPerSecond float64
	AdmitBurst                int
	AdmitMaxConcurrentConns   int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                        envOr("APSARA_LIVE_ADDR", ":8080"),
		AuthMode:                    AuthMode(envOr("APSARA_LIVE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                     make(map[string]struct{}),
		TrustProxyHeaders:           envBoolOr("APSARA_LIVE_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:          make(map[string]struct{}),
		GeminiAPIKey:                strings.TrimSpace(os.Getenv("APSARA_LIVE_GEMINI_API_KEY")),
		DefaultProvider:             envOr("APSARA_LIVE_DEFAULT_PROVIDER", "gemini"),
		DatabaseURL:                 strings.TrimSpace(os.Getenv("APSARA_LIVE_DATABASE_URL")),
		LiveHeartbeatInterval:       envDurationOr("APSARA_LIVE_HEARTBEAT_INTERVAL", 30*time.Second),
		LiveIdleTimeout:             envDurationOr("APSARA_LIVE_IDLE_TIMEOUT", 15*time.Minute),
		LiveReadTimeout:             envDurationOr("APSARA_LIVE_WS_READ_TIMEOUT", 90*time.Second),
		LiveWriteTimeout:            envDurationOr("APSARA_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveMaxJSONMessageBytes:     envInt64Or("APSARA_LIVE_MAX_JSON_MESSAGE_BYTES", 512*1024),
		LiveMaxAudioFrameBytes:      envIntOr("APSARA_LIVE_MAX_AUDIO_FRAME_BYTES", 64*1024),
		LiveMaxSessionsPerConn:      envIntOr("APSARA_LIVE_MAX_SESSIONS_PER_CONNECTION", 4),
		LiveContextWindow:           envIntOr("APSARA_LIVE_CONTEXT_WINDOW", 20),
		LiveOutboundQueueSize:       envIntOr("APSARA_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		LiveInactiveCleanupInterval: envDurationOr("APSARA_LIVE_INACTIVE_CLEANUP_INTERVAL", 5*time.Minute),
		AdmitConnectionsPerSecond:   envFloat64Or("APSARA_LIVE_ADMIT_CONNECTIONS_PER_SECOND", 2.0),
		AdmitBurst:                  envIntOr("APSARA_LIVE_ADMIT_BURST", 4),
		AdmitMaxConcurrentConns:     envIntOr("APSARA_LIVE_ADMIT_MAX_CONCURRENT_CONNECTIONS", 8),
		ReadHeaderTimeout:           envDurationOr("APSARA_LIVE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:         envDurationOr("APSARA_LIVE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("APSARA_LIVE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("APSARA_LIVE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("APSARA_LIVE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.DefaultProvider) == "" {
		return Config{}, fmt.Errorf("APSARA_LIVE_DEFAULT_PROVIDER must not be empty")
	}
	if cfg.LiveHeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.LiveIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.LiveReadTimeout < 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxSessionsPerConn <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_MAX_SESSIONS_PER_CONNECTION must be > 0")
	}
	if cfg.LiveContextWindow <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_CONTEXT_WINDOW must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveInactiveCleanupInterval <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_INACTIVE_CLEANUP_INTERVAL must be > 0")
	}
	if cfg.AdmitConnectionsPerSecond < 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_ADMIT_CONNECTIONS_PER_SECOND must be >= 0")
	}
	if cfg.AdmitBurst < 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_ADMIT_BURST must be >= 0")
	}
	if cfg.AdmitMaxConcurrentConns < 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_ADMIT_MAX_CONCURRENT_CONNECTIONS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_API_KEYS must be set when APSARA_LIVE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
