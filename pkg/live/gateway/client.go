package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/apsara-ai/apsara-live/pkg/live/bridge"
	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
)

// wsConn is the subset of *websocket.Conn a client connection needs.
type wsConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// liveSession is one provider session owned by a client connection.
type liveSession struct {
	id             string
	providerName   string
	model          string
	conversationID string
	session        provider.Session
	createdAt      time.Time

	mu           sync.Mutex
	lastActivity time.Time

	teardownOnce sync.Once
}

func (ls *liveSession) touch(now time.Time) {
	ls.mu.Lock()
	ls.lastActivity = now
	ls.mu.Unlock()
}

func (ls *liveSession) idleSince() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastActivity
}

// Client is one connected WebSocket client. The read loop runs on the
// connection goroutine; provider callbacks arrive concurrently, so the
// session map and the outbound queues are the only shared surfaces.
type Client struct {
	id       string
	identity string
	ws       wsConn
	gw       *Gateway
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	mu       sync.Mutex
	sessions map[string]*liveSession
}

func newClient(g *Gateway, ws wsConn, identity string) *Client {
	c := &Client{
		id:               "c_" + uuid.NewString(),
		identity:         identity,
		ws:               ws,
		gw:               g,
		now:              time.Now,
		outboundPriority: make(chan outboundFrame, 16),
		outboundNormal:   make(chan outboundFrame, g.cfg.outboundQueueSize()),
		sessions:         make(map[string]*liveSession),
	}
	c.logger = g.logger.With("client_id", c.id)
	return c
}

func (c *Client) run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	defer func() {
		c.cancel()
		c.teardownAll("connection_closed")
		<-sweepDone
	}()

	cfg := c.gw.cfg
	if cfg.MaxJSONMessageBytes > 0 {
		c.ws.SetReadLimit(cfg.MaxJSONMessageBytes)
	}
	if cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(c.now().Add(cfg.ReadTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(c.now().Add(cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       c.ws,
			ctx:      c.ctx,
			cfg:      cfg,
			priority: c.outboundPriority,
			normal:   c.outboundNormal,
		}
		writerErrCh <- w.Run()
		// The writer owns the socket; once it exits nothing else will
		// close it, and the blocked read below must be released.
		c.cancel()
		_ = c.ws.Close()
	}()

	go func() {
		defer close(sweepDone)
		c.sweepLoop()
	}()

	c.sendJSONPriority(protocol.ServerConnection{
		Type:         protocol.FrameConnection,
		Timestamp:    protocol.Timestamp(c.now()),
		ConnectionID: c.id,
	})
	c.logger.Info("client connected", "identity", c.identity)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("client disconnected")
				return nil
			}
			if c.ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("read failed", "error", err)
			return err
		}
		if cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(c.now().Add(cfg.ReadTimeout))
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.routeBinary(data)
		case websocket.TextMessage:
			c.dispatch(data)
		}
	}
}

// dispatch handles one inbound text frame. Every failure is reported to
// this client as an error envelope and never tears down the connection.
func (c *Client) dispatch(data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if errors.Is(err, protocol.ErrRawFrame) {
		// Not an envelope at all; treat like a binary audio frame.
		c.routeBinary(data)
		return
	}
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			c.sendError("", de.Code, de.Message, detailsForParam(de.Param))
			return
		}
		c.sendError("", "bad_request", err.Error(), nil)
		return
	}

	switch m := msg.(type) {
	case protocol.CreateSession:
		c.handleCreateSession(m)
	case protocol.SendMessage:
		c.handleSendMessage(m)
	case protocol.SendRealtimeInput:
		c.handleRealtimeInput(m)
	case protocol.VideoChunk:
		c.handleVideoChunk(m)
	case protocol.SendIncrementalUpdate:
		c.handleIncrementalUpdate(m)
	case protocol.SendToolResponse:
		c.handleToolResponse(m)
	case protocol.EndSession:
		c.handleEndSession(m)
	case protocol.Ping:
		c.sendJSON(protocol.ServerPong{Type: protocol.FramePong, Timestamp: protocol.Timestamp(c.now())})
	default:
		c.sendError("", "bad_request", "unhandled message type", nil)
	}
}

func (c *Client) handleCreateSession(m protocol.CreateSession) {
	cfg := c.gw.cfg

	model := strings.TrimSpace(m.Model)
	if model == "" {
		c.sendError("", "bad_request", "model is required", detailsForParam("model"))
		return
	}

	providerName := strings.TrimSpace(m.Provider)
	if providerName == "" {
		providerName = c.gw.defaultProvider
	}
	factory, ok := c.gw.factories[providerName]
	if !ok {
		c.sendError("", "unsupported_provider", fmt.Sprintf("unsupported provider %q", providerName), nil)
		return
	}

	sessionID := strings.TrimSpace(m.SessionID)
	if sessionID == "" {
		sessionID = "s_" + uuid.NewString()
	}

	c.mu.Lock()
	if cfg.MaxSessionsPerConnection > 0 && len(c.sessions) >= cfg.MaxSessionsPerConnection {
		c.mu.Unlock()
		c.sendError(sessionID, "session_limit", ErrSessionLimit.Error(), nil)
		return
	}
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		c.sendError(sessionID, "session_exists", "session id already in use", nil)
		return
	}
	c.mu.Unlock()

	conversationID := strings.TrimSpace(m.ConversationID)

	resumeHandle := strings.TrimSpace(m.ResumeHandle)
	if resumeHandle == "" && conversationID != "" && m.Config.EnableResumption {
		if h, err := c.gw.bridge.LastResumeHandle(c.ctx, conversationID); err == nil {
			resumeHandle = h
		}
	}

	// Create the provider session before touching the conversation, so a
	// provider failure leaves no partial state behind.
	sess, err := factory.Create(c.ctx, provider.CreateRequest{
		Model:        model,
		Config:       m.Config,
		ResumeHandle: resumeHandle,
		Callbacks:    c.callbacksFor(sessionID, conversationID),
	})
	if err != nil {
		c.logger.Warn("provider session create failed",
			"session_id", sessionID, "provider", providerName, "error", err)
		c.sendError(sessionID, "provider_error", "failed to create provider session", nil)
		return
	}

	if conversationID != "" {
		if _, err := c.gw.bridge.LinkSession(c.ctx, conversationID, sessionID, m.Config); err != nil {
			if cerr := sess.Close(); cerr != nil {
				c.logger.Warn("closing provider session after failed link",
					"session_id", sessionID, "error", cerr)
			}
			if errors.Is(err, bridge.ErrConversationNotFound) {
				c.sendError(sessionID, "conversation_not_found", err.Error(), nil)
				return
			}
			c.sendError(sessionID, "persistence_error", err.Error(), nil)
			return
		}
	}

	ls := &liveSession{
		id:             sessionID,
		providerName:   providerName,
		model:          model,
		conversationID: conversationID,
		session:        sess,
		createdAt:      c.now(),
		lastActivity:   c.now(),
	}
	c.mu.Lock()
	c.sessions[sessionID] = ls
	c.mu.Unlock()
	c.gw.registry.Add(sessionID, registryDescriptor(c.id, ls))

	c.sendJSONPriority(protocol.ServerSessionCreated{
		Type:      protocol.FrameSessionCreated,
		Timestamp: protocol.Timestamp(c.now()),
		SessionID: sessionID,
		Model:     model,
		Provider:  providerName,
		Resumed:   resumeHandle != "",
	})
	c.logger.Info("session created",
		"session_id", sessionID, "provider", providerName, "model", model,
		"conversation_id", conversationID)

	// Resumed sessions already have server-side context; replaying on top
	// would duplicate turns.
	if conversationID != "" && resumeHandle == "" {
		maxMessages := m.Config.ContextWindowMessageLimit
		if maxMessages <= 0 {
			maxMessages = cfg.ContextWindow
		}
		if _, err := c.gw.bridge.LoadContext(c.ctx, conversationID, sess, maxMessages, sessionID); err != nil {
			c.logger.Warn("context replay failed",
				"session_id", sessionID, "conversation_id", conversationID, "error", err)
			c.sendError(sessionID, "context_replay_failed", err.Error(), nil)
		}
	}
}

func (c *Client) handleSendMessage(m protocol.SendMessage) {
	ls, err := c.resolveSession(m.SessionID)
	if err != nil {
		c.sendRouteError(m.SessionID, err)
		return
	}

	var parts []protocol.Part
	if m.File != nil && m.File.Valid() {
		parts = append(parts, *m.File)
	}
	if strings.TrimSpace(m.Text) != "" {
		parts = append(parts, protocol.Part{Text: m.Text})
	}
	if len(parts) == 0 {
		c.sendError(ls.id, "empty_message", "message has no text or file content", nil)
		return
	}

	turns := []protocol.Turn{{Role: "user", Parts: parts}}
	if err := ls.session.SendClientContent(turns, m.Complete()); err != nil {
		c.sendError(ls.id, "provider_error", err.Error(), nil)
		return
	}
	ls.touch(c.now())
}

func (c *Client) handleRealtimeInput(m protocol.SendRealtimeInput) {
	ls, err := c.resolveSession(m.SessionID)
	if err != nil {
		c.sendRouteError(m.SessionID, err)
		return
	}
	if !m.HasPayload() {
		c.sendError(ls.id, "empty_message", "realtime input has no payload", nil)
		return
	}

	input := provider.RealtimeInput{
		AudioStreamEnd: m.AudioStreamEnd,
		ActivityStart:  m.ActivityStart,
		ActivityEnd:    m.ActivityEnd,
	}
	var decodeErr error
	input.Audio, decodeErr = decodeChunk(m.Audio, decodeErr)
	input.Image, decodeErr = decodeChunk(m.Image, decodeErr)
	if m.Video != nil {
		input.Video, decodeErr = decodeChunk(m.Video, decodeErr)
	} else {
		input.Video, decodeErr = decodeChunk(m.Screen, decodeErr)
	}
	if decodeErr != nil {
		c.sendError(ls.id, "bad_request", decodeErr.Error(), nil)
		return
	}

	if err := ls.session.SendRealtimeInput(input); err != nil {
		c.sendError(ls.id, "provider_error", err.Error(), nil)
		return
	}
	ls.touch(c.now())
}

func (c *Client) handleVideoChunk(m protocol.VideoChunk) {
	ls, err := c.resolveSession(m.SessionID)
	if err != nil {
		c.sendRouteError(m.SessionID, err)
		return
	}
	if strings.TrimSpace(m.Chunk.Data) == "" || strings.TrimSpace(m.Chunk.MimeType) == "" {
		c.sendError(ls.id, "bad_request", "chunk requires data and mimeType", detailsForParam("chunk"))
		return
	}

	blob, err := blobFromChunk(&m.Chunk)
	if err != nil {
		c.sendError(ls.id, "bad_request", err.Error(), nil)
		return
	}
	if err := ls.session.SendRealtimeInput(provider.RealtimeInput{Video: blob}); err != nil {
		c.sendError(ls.id, "provider_error", err.Error(), nil)
		return
	}
	ls.touch(c.now())
}

func (c *Client) handleIncrementalUpdate(m protocol.SendIncrementalUpdate) {
	ls, err := c.resolveSession(m.SessionID)
	if err != nil {
		c.sendRouteError(m.SessionID, err)
		return
	}
	if err := ls.session.SendClientContent(m.Turns, m.Complete()); err != nil {
		c.sendError(ls.id, "provider_error", err.Error(), nil)
		return
	}
	ls.touch(c.now())
}

func (c *Client) handleToolResponse(m protocol.SendToolResponse) {
	ls, err := c.resolveSession(m.SessionID)
	if err != nil {
		c.sendRouteError(m.SessionID, err)
		return
	}
	if err := ls.session.SendToolResponse(m.FunctionResponses); err != nil {
		c.sendError(ls.id, "provider_error", err.Error(), nil)
		return
	}
	ls.touch(c.now())
}

func (c *Client) handleEndSession(m protocol.EndSession) {
	c.mu.Lock()
	ls, ok := c.sessions[m.SessionID]
	c.mu.Unlock()
	if !ok {
		c.sendRouteError(m.SessionID, ErrSessionNotFound)
		return
	}

	c.teardownSession(ls, "client_request")
	c.sendJSONPriority(protocol.ServerSessionEnded{
		Type:      protocol.FrameSessionEnded,
		Timestamp: protocol.Timestamp(c.now()),
		SessionID: ls.id,
	})
}

// routeBinary forwards a raw frame as 16kHz PCM audio to the connection's
// sole active session. Binary frames carry no session id, so anything other
// than exactly one active session is a routing error.
func (c *Client) routeBinary(data []byte) {
	if max := c.gw.cfg.MaxBinaryFrameBytes; max > 0 && len(data) > max {
		c.sendError("", "frame_too_large", fmt.Sprintf("binary frame exceeds %d bytes", max), nil)
		return
	}

	ls, err := c.soleSession()
	if err != nil {
		c.sendRouteError("", err)
		return
	}

	input := provider.RealtimeInput{
		Audio: &provider.Blob{Data: data, MIMEType: "audio/pcm;rate=16000"},
	}
	if err := ls.session.SendRealtimeInput(input); err != nil {
		c.sendError(ls.id, "provider_error", err.Error(), nil)
		return
	}
	ls.touch(c.now())
}

// resolveSession returns the session for id, or the sole active session
// when id is empty.
func (c *Client) resolveSession(id string) (*liveSession, error) {
	if id != "" {
		c.mu.Lock()
		ls, ok := c.sessions[id]
		c.mu.Unlock()
		if !ok {
			return nil, ErrSessionNotFound
		}
		return ls, nil
	}
	return c.soleSession()
}

func (c *Client) soleSession() (*liveSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch len(c.sessions) {
	case 0:
		return nil, ErrNoActiveSession
	case 1:
		for _, ls := range c.sessions {
			return ls, nil
		}
	}
	return nil, ErrAmbiguousBinaryRoute
}

func (c *Client) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// sweepLoop pings come from the writer; this loop only closes sessions that
// have been idle past the timeout. A failure for one session never aborts
// the sweep for the others.
func (c *Client) sweepLoop() {
	interval := c.gw.cfg.heartbeatInterval()
	idle := c.gw.cfg.idleTimeout()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepIdle(c.now().Add(-idle))
		}
	}
}

func (c *Client) sweepIdle(cutoff time.Time) {
	for _, ls := range c.snapshotSessions() {
		if ls.idleSince().After(cutoff) {
			continue
		}
		c.logger.Info("closing idle session", "session_id", ls.id)
		c.teardownSession(ls, "idle_timeout")
		c.sendJSONPriority(protocol.ServerSessionClosed{
			Type:      protocol.FrameSessionClosed,
			Timestamp: protocol.Timestamp(c.now()),
			SessionID: ls.id,
			Reason:    "idle_timeout",
		})
	}
}

func (c *Client) snapshotSessions() []*liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*liveSession, 0, len(c.sessions))
	for _, ls := range c.sessions {
		out = append(out, ls)
	}
	return out
}

// teardownSession closes the provider handle, salvages any buffered
// transcript, and deregisters the session. Safe to call from the read loop,
// the sweep, and provider callbacks; only the first call does the work.
func (c *Client) teardownSession(ls *liveSession, reason string) {
	ls.teardownOnce.Do(func() {
		if err := ls.session.Close(); err != nil && !errors.Is(err, provider.ErrSessionClosed) {
			c.logger.Warn("provider session close failed", "session_id", ls.id, "error", err)
		}

		if ls.conversationID != "" {
			// The connection context may already be canceled during
			// teardown; the flush still has to reach the store.
			ctx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFlush()
			if err := c.gw.bridge.FlushSession(ctx, ls.conversationID, ls.id, ""); err != nil {
				c.logger.Warn("transcript flush failed",
					"session_id", ls.id, "conversation_id", ls.conversationID, "error", err)
			}
		}
		c.gw.bridge.DropSession(ls.id)
		c.gw.registry.Remove(ls.id)

		c.mu.Lock()
		delete(c.sessions, ls.id)
		c.mu.Unlock()

		c.logger.Info("session closed", "session_id", ls.id, "reason", reason)
	})
}

func (c *Client) teardownAll(reason string) {
	for _, ls := range c.snapshotSessions() {
		c.teardownSession(ls, reason)
	}
}

func (c *Client) sendGoAway(timeLeft time.Duration) {
	frame := protocol.ServerGoAway{
		Type:      protocol.FrameGoAway,
		Timestamp: protocol.Timestamp(c.now()),
	}
	if timeLeft > 0 {
		frame.TimeLeft = timeLeft.String()
	}
	c.sendJSONPriority(frame)
}

func (c *Client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal outbound frame", "error", err)
		return
	}
	c.enqueue(c.outboundNormal, outboundFrame{payload: payload})
}

func (c *Client) sendJSONPriority(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal outbound frame", "error", err)
		return
	}
	c.enqueue(c.outboundPriority, outboundFrame{payload: payload})
}

func (c *Client) enqueue(ch chan outboundFrame, frame outboundFrame) {
	select {
	case ch <- frame:
	case <-c.ctx.Done():
	}
}

func (c *Client) sendError(sessionID, code, message string, details map[string]any) {
	c.sendJSONPriority(protocol.ServerError{
		Type:      protocol.FrameError,
		Timestamp: protocol.Timestamp(c.now()),
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Details:   details,
	})
}

// sendRouteError maps session-resolution sentinels to stable wire codes.
func (c *Client) sendRouteError(sessionID string, err error) {
	switch {
	case errors.Is(err, ErrAmbiguousBinaryRoute):
		c.sendError(sessionID, "ambiguous_binary_route", err.Error(),
			map[string]any{"active_sessions": c.sessionCount()})
	case errors.Is(err, ErrNoActiveSession):
		c.sendError(sessionID, "no_active_session", err.Error(),
			map[string]any{"active_sessions": 0})
	default:
		c.sendError(sessionID, "session_not_found", err.Error(), nil)
	}
}

func detailsForParam(param string) map[string]any {
	if param == "" {
		return nil
	}
	return map[string]any{"param": param}
}

func decodeChunk(chunk *protocol.MediaChunk, prior error) (*provider.Blob, error) {
	if prior != nil || chunk == nil {
		return nil, prior
	}
	return blobFromChunk(chunk)
}

func blobFromChunk(chunk *protocol.MediaChunk) (*provider.Blob, error) {
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return nil, fmt.Errorf("decode media chunk: %w", err)
	}
	return &provider.Blob{Data: data, MIMEType: chunk.MimeType}, nil
}
