// Package gateway owns the WebSocket lifecycle for live clients: envelope
// dispatch, binary audio routing, heartbeat and idle sweep, and full
// cleanup of every owned session when the socket goes away.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/apsara-ai/apsara-live/pkg/live/bridge"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/live/registry"
)

var (
	// ErrSessionNotFound means the client referenced a session id with no
	// matching registration on this connection.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoActiveSession means a frame needed implicit session routing but
	// the connection has no active session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrAmbiguousBinaryRoute means a binary frame arrived while more than
	// one session is active; binary frames carry no session id, so implicit
	// routing only supports single-session clients.
	ErrAmbiguousBinaryRoute = errors.New("ambiguous binary route")

	// ErrSessionLimit means the per-connection session cap is reached.
	ErrSessionLimit = errors.New("session limit reached")
)

type Config struct {
	// HeartbeatInterval drives both the outbound ping ticker and the idle
	// session sweep. Zero means 30s.
	HeartbeatInterval time.Duration

	// IdleTimeout is how long a session may go without traffic before the
	// sweep closes it. Zero means 15m.
	IdleTimeout time.Duration

	// ReadTimeout is the socket read deadline, extended on every inbound
	// frame and every pong. Zero disables the deadline.
	ReadTimeout time.Duration

	WriteTimeout time.Duration

	// MaxJSONMessageBytes caps inbound frames at the socket level.
	MaxJSONMessageBytes int64

	// MaxBinaryFrameBytes caps a single raw audio frame. Zero means no cap.
	MaxBinaryFrameBytes int

	// MaxSessionsPerConnection caps concurrent sessions per client. Zero
	// means unlimited.
	MaxSessionsPerConnection int

	// ContextWindow bounds conversation replay into new sessions.
	ContextWindow int

	OutboundQueueSize int
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return c.HeartbeatInterval
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return 15 * time.Minute
	}
	return c.IdleTimeout
}

func (c Config) outboundQueueSize() int {
	if c.OutboundQueueSize <= 0 {
		return 128
	}
	return c.OutboundQueueSize
}

// Gateway constructs and tracks client connections. One instance per
// process; all shared state is injected, nothing is ambient.
type Gateway struct {
	cfg             Config
	logger          *slog.Logger
	registry        *registry.Registry
	bridge          *bridge.Bridge
	factories       map[string]provider.Factory
	defaultProvider string

	mu      sync.Mutex
	clients map[string]*Client
}

func New(cfg Config, logger *slog.Logger, reg *registry.Registry, br *bridge.Bridge, factories map[string]provider.Factory, defaultProvider string) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:             cfg,
		logger:          logger,
		registry:        reg,
		bridge:          br,
		factories:       factories,
		defaultProvider: defaultProvider,
		clients:         make(map[string]*Client),
	}
}

// ServeConn runs one client connection to completion. It blocks until the
// socket closes or ctx is canceled, and guarantees every session owned by
// the connection is closed and deregistered before returning.
func (g *Gateway) ServeConn(ctx context.Context, ws wsConn, identity string) error {
	c := newClient(g, ws, identity)

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.clients, c.id)
		g.mu.Unlock()
	}()

	return c.run(ctx)
}

// NotifyGoAway tells every connected client the server is going away, with
// an optional hint of how long they have. Used by the drain sequence.
func (g *Gateway) NotifyGoAway(timeLeft time.Duration) {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.sendGoAway(timeLeft)
	}
}

// ClientCount reports currently connected clients, for the stats surface.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
