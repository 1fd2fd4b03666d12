package handlers

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apsara-ai/apsara-live/pkg/gateway/admission"
	"github.com/apsara-ai/apsara-live/pkg/gateway/auth"
	"github.com/apsara-ai/apsara-live/pkg/gateway/config"
	"github.com/apsara-ai/apsara-live/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara-live/pkg/gateway/mw"
	livegw "github.com/apsara-ai/apsara-live/pkg/live/gateway"
)

// LiveHandler upgrades GET /v1/live requests to WebSocket connections and
// hands them to the live gateway. Credentials travel on the upgrade request
// (Authorization header or api_key query parameter), so authentication and
// admission both happen before the upgrade, where a plain HTTP status can
// still be returned.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Gateway   *livegw.Gateway
	Gate      admission.Gate
	Lifecycle *lifecycle.Lifecycle
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, apiError{
			Code:      "method_not_allowed",
			Message:   "live endpoint requires a GET upgrade request",
			RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		w.Header().Set("Retry-After", "10")
		writeJSONError(w, http.StatusServiceUnavailable, apiError{
			Code:       "draining",
			Message:    "gateway is draining",
			RetryAfter: 10,
			RequestID:  reqID,
		})
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, apiError{
			Code:      "origin_not_allowed",
			Message:   "origin is not allowed",
			Param:     "Origin",
			RequestID: reqID,
		})
		return
	}

	identity, err := h.resolvePrincipal(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, apiError{
			Code:      "unauthorized",
			Message:   err.Error(),
			RequestID: reqID,
		})
		return
	}

	var permit *admission.Permit
	if h.Gate != nil {
		dec := h.Gate.Check(identity, time.Now())
		if !dec.Allowed {
			retry := dec.RetryAfterSeconds
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
			}
			writeJSONError(w, http.StatusTooManyRequests, apiError{
				Code:       "rate_limited",
				Message:    "too many live connections",
				RetryAfter: retry,
				RequestID:  reqID,
			})
			return
		}
		permit = dec.Permit
	}
	defer permit.Release()

	upgrader := websocket.Upgrader{
		// Origin was validated above against the configured allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		return
	}

	if err := h.Gateway.ServeConn(r.Context(), ws, identity); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live connection ended with error",
				"request_id", reqID,
				"identity", identity,
				"error", err,
			)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// resolvePrincipal maps the upgrade request to a stable admission identity.
func (h LiveHandler) resolvePrincipal(r *http.Request) (string, error) {
	apiKey, present := auth.ParseWebSocketKey(r)
	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if !present {
			return "", errMissingAPIKey
		}
		if _, ok := h.Config.APIKeys[apiKey]; !ok {
			return "", errInvalidAPIKey
		}
		return admission.PrincipalKeyFromAPIKey(apiKey), nil
	case config.AuthModeOptional:
		if present {
			if _, ok := h.Config.APIKeys[apiKey]; !ok {
				return "", errInvalidAPIKey
			}
			return admission.PrincipalKeyFromAPIKey(apiKey), nil
		}
		return h.anonymousPrincipal(r), nil
	case config.AuthModeDisabled:
		return h.anonymousPrincipal(r), nil
	default:
		return "", errInvalidAuthMode
	}
}

// anonymousPrincipal buckets unauthenticated clients by source IP so one
// client cannot exhaust the shared admission budget. Proxy headers are only
// honored when the deployment declares a trusted proxy in front.
func (h LiveHandler) anonymousPrincipal(r *http.Request) string {
	ip := clientIP(r, h.Config.TrustProxyHeaders)
	if ip == "" {
		return "anonymous"
	}
	return admission.PrincipalKeyFromIP(ip)
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// XFF can be "client, proxy1, proxy2". Take the left-most.
			if ip := parseIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Some proxies include a port; accept "ip:port" as well.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

var (
	errMissingAPIKey   = errors.New("missing api key")
	errInvalidAPIKey   = errors.New("invalid api key")
	errInvalidAuthMode = errors.New("invalid auth mode")
)
