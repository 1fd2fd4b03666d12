package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apsara-ai/apsara-live/pkg/gateway/admission"
	"github.com/apsara-ai/apsara-live/pkg/gateway/config"
	"github.com/apsara-ai/apsara-live/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara-live/pkg/live/bridge"
	livegw "github.com/apsara-ai/apsara-live/pkg/live/gateway"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/live/registry"
	"github.com/apsara-ai/apsara-live/pkg/store/memory"
)

type gateFunc func(identity string, now time.Time) admission.Decision

func (f gateFunc) Check(identity string, now time.Time) admission.Decision {
	return f(identity, now)
}

func newTestLiveHandler(t *testing.T, cfg config.Config) LiveHandler {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	br := bridge.New(memory.New(), logger)
	gw := livegw.New(livegw.Config{}, logger, registry.New(), br, map[string]provider.Factory{}, cfg.DefaultProvider)
	return LiveHandler{
		Config:    cfg,
		Logger:    logger,
		Gateway:   gw,
		Gate:      admission.AllowAll{},
		Lifecycle: &lifecycle.Lifecycle{},
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return env.Error
}

func TestLive_RejectsNonGET(t *testing.T) {
	h := newTestLiveHandler(t, validConfig())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/live", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if got := decodeError(t, rr).Code; got != "method_not_allowed" {
		t.Fatalf("error code = %q", got)
	}
}

func TestLive_RefusesWhileDraining(t *testing.T) {
	h := newTestLiveHandler(t, validConfig())
	h.Lifecycle.SetDraining(true)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After not set on draining refusal")
	}
	if got := decodeError(t, rr).Code; got != "draining" {
		t.Fatalf("error code = %q", got)
	}
}

func TestLive_RejectsDisallowedOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.CORSAllowedOrigins = map[string]struct{}{"https://app.example.com": {}}
	h := newTestLiveHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestLive_RequiredAuthRejectsMissingKey(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"sk-live-1": {}}
	h := newTestLiveHandler(t, cfg)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestLive_RequiredAuthRejectsUnknownKey(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"sk-live-1": {}}
	h := newTestLiveHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/live?api_key=sk-wrong", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestLive_AdmissionDenialReturns429WithRetryAfter(t *testing.T) {
	h := newTestLiveHandler(t, validConfig())
	h.Gate = gateFunc(func(string, time.Time) admission.Decision {
		return admission.Decision{Allowed: false, RetryAfterSeconds: 7}
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "7" {
		t.Fatalf("Retry-After = %q, want 7", got)
	}
	if got := decodeError(t, rr); got.Code != "rate_limited" || got.RetryAfter != 7 {
		t.Fatalf("error = %+v", got)
	}
}

func TestLive_AnonymousIdentityBucketsBySourceIP(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = config.AuthModeDisabled
	h := newTestLiveHandler(t, cfg)

	var seen string
	h.Gate = gateFunc(func(identity string, _ time.Time) admission.Decision {
		seen = identity
		return admission.Decision{Allowed: false, RetryAfterSeconds: 1}
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.RemoteAddr = "192.0.2.7:40312"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if want := admission.PrincipalKeyFromIP("192.0.2.7"); seen != want {
		t.Fatalf("identity = %q, want key for remote address", seen)
	}
}

func TestLive_ForwardedForHonoredOnlyBehindTrustedProxy(t *testing.T) {
	cfg := validConfig()
	cfg.AuthMode = config.AuthModeDisabled

	for _, tc := range []struct {
		trust  bool
		wantIP string
	}{
		{trust: true, wantIP: "203.0.113.9"},
		{trust: false, wantIP: "192.0.2.7"},
	} {
		cfg.TrustProxyHeaders = tc.trust
		h := newTestLiveHandler(t, cfg)

		var seen string
		h.Gate = gateFunc(func(identity string, _ time.Time) admission.Decision {
			seen = identity
			return admission.Decision{Allowed: false, RetryAfterSeconds: 1}
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
		req.RemoteAddr = "192.0.2.7:40312"
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if want := admission.PrincipalKeyFromIP(tc.wantIP); seen != want {
			t.Fatalf("trust=%v: identity = %q, want key for %s", tc.trust, seen, tc.wantIP)
		}
	}
}

func TestLive_UpgradeHandsOffToGateway(t *testing.T) {
	h := newTestLiveHandler(t, validConfig())
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if resp != nil {
		defer resp.Body.Close()
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	var frame struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if frame.Type != "connection" {
		t.Fatalf("first frame type = %q, want connection", frame.Type)
	}
	if frame.ConnectionID == "" {
		t.Fatal("connection frame missing connectionId")
	}
}
