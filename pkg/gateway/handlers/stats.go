package handlers

import (
	"net/http"

	"github.com/apsara-ai/apsara-live/pkg/gateway/mw"
	livegw "github.com/apsara-ai/apsara-live/pkg/live/gateway"
	"github.com/apsara-ai/apsara-live/pkg/live/registry"
)

// StatsHandler reports live-session counts for operators.
type StatsHandler struct {
	Registry *registry.Registry
	Gateway  *livegw.Gateway
}

type statsResp struct {
	Connections        int            `json:"connections"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionsByProvider map[string]int `json:"sessions_by_provider"`
}

func (h StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeJSONError(w, http.StatusMethodNotAllowed, apiError{
			Code:      "method_not_allowed",
			Message:   "stats endpoint is read-only",
			RequestID: reqID,
		})
		return
	}

	writeJSON(w, http.StatusOK, statsResp{
		Connections:        h.Gateway.ClientCount(),
		ActiveSessions:     h.Registry.Count(),
		SessionsByProvider: h.Registry.StatsByProvider(),
	})
}
