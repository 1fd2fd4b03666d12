package handlers

import (
	"net/http"

	"github.com/apsara-ai/apsara-live/pkg/gateway/config"
	"github.com/apsara-ai/apsara-live/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		AuthMode    string   `json:"auth_mode"`
		Persistence string   `json:"persistence"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "gemini api key not configured")
	}
	if h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "max json message bytes must be > 0")
	}
	if h.Config.LiveMaxAudioFrameBytes <= 0 {
		issues = append(issues, "max audio frame bytes must be > 0")
	}
	if h.Config.LiveMaxSessionsPerConn <= 0 {
		issues = append(issues, "max sessions per connection must be > 0")
	}
	if h.Config.LiveHeartbeatInterval <= 0 || h.Config.LiveIdleTimeout <= 0 {
		issues = append(issues, "heartbeat interval and idle timeout must be > 0")
	}
	if h.Config.LiveHeartbeatInterval >= h.Config.LiveIdleTimeout {
		issues = append(issues, "heartbeat interval must be shorter than idle timeout")
	}
	if h.Config.LiveReadTimeout <= 0 || h.Config.LiveWriteTimeout <= 0 {
		issues = append(issues, "socket timeouts must be > 0")
	}
	if h.Config.LiveInactiveCleanupInterval <= 0 {
		issues = append(issues, "inactive cleanup interval must be > 0")
	}
	if h.Config.AdmitConnectionsPerSecond <= 0 || h.Config.AdmitBurst <= 0 {
		issues = append(issues, "admission rate and burst must be > 0")
	}
	if h.Config.AdmitMaxConcurrentConns <= 0 {
		issues = append(issues, "admission max concurrent connections must be > 0")
	}

	persistence := "memory"
	if h.Config.DatabaseURL != "" {
		persistence = "postgres"
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:          ok,
		Draining:    draining,
		AuthMode:    string(h.Config.AuthMode),
		Persistence: persistence,
		Issues:      issues,
	})
}
