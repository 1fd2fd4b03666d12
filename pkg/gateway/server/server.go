package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/apsara-ai/apsara-live/pkg/gateway/admission"
	"github.com/apsara-ai/apsara-live/pkg/gateway/config"
	"github.com/apsara-ai/apsara-live/pkg/gateway/handlers"
	"github.com/apsara-ai/apsara-live/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara-live/pkg/gateway/mw"
	"github.com/apsara-ai/apsara-live/pkg/live/bridge"
	livegw "github.com/apsara-ai/apsara-live/pkg/live/gateway"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/live/registry"
	"github.com/apsara-ai/apsara-live/pkg/store"
)

// Server assembles the HTTP surface: the live WebSocket endpoint, the admin
// endpoints, and the middleware chain around them.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	gate      admission.Gate
	registry  *registry.Registry
	bridge    *bridge.Bridge
	gateway   *livegw.Gateway
}

func New(cfg config.Config, logger *slog.Logger, st store.Store, factories map[string]provider.Factory) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	br := bridge.New(st, logger)
	reg := registry.New()
	gw := livegw.New(livegw.Config{
		HeartbeatInterval:        cfg.LiveHeartbeatInterval,
		IdleTimeout:              cfg.LiveIdleTimeout,
		ReadTimeout:              cfg.LiveReadTimeout,
		WriteTimeout:             cfg.LiveWriteTimeout,
		MaxJSONMessageBytes:      cfg.LiveMaxJSONMessageBytes,
		MaxBinaryFrameBytes:      cfg.LiveMaxAudioFrameBytes,
		MaxSessionsPerConnection: cfg.LiveMaxSessionsPerConn,
		ContextWindow:            cfg.LiveContextWindow,
		OutboundQueueSize:        cfg.LiveOutboundQueueSize,
	}, logger, reg, br, factories, cfg.DefaultProvider)

	var gate admission.Gate = admission.AllowAll{}
	if cfg.AdmitMaxConcurrentConns > 0 || cfg.AdmitConnectionsPerSecond > 0 {
		gate = admission.New(admission.Config{
			ConnectionsPerSecond:     cfg.AdmitConnectionsPerSecond,
			Burst:                    cfg.AdmitBurst,
			MaxConcurrentConnections: cfg.AdmitMaxConcurrentConns,
		})
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		gate:      gate,
		registry:  reg,
		bridge:    br,
		gateway:   gw,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Gateway:   s.gateway,
		Gate:      s.gate,
		Lifecycle: s.lifecycle,
	})
	s.mux.Handle("/v1/live/stats", handlers.StatsHandler{
		Registry: s.registry,
		Gateway:  s.gateway,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

func (s *Server) Bridge() *bridge.Bridge { return s.bridge }

// Drain flips readiness, warns connected live clients, and gives them
// timeLeft to wrap up. Callers wait out the grace period themselves.
func (s *Server) Drain(timeLeft time.Duration) {
	s.lifecycle.SetDraining(true)
	s.gateway.NotifyGoAway(timeLeft)
}
