package gateway

import (
	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/live/registry"
)

func registryDescriptor(connectionID string, ls *liveSession) registry.Descriptor {
	return registry.Descriptor{
		OwnerConnectionID: connectionID,
		Session:           ls.session,
		Model:             ls.model,
		Provider:          ls.providerName,
		ConversationID:    ls.conversationID,
		CreatedAt:         ls.createdAt,
	}
}

// callbacksFor binds provider callbacks to one session. They run on the
// provider's receive goroutine, concurrent with the connection read loop,
// so everything they touch goes through the outbound queues, the bridge,
// or the synchronized session map.
func (c *Client) callbacksFor(sessionID, conversationID string) provider.Callbacks {
	return provider.Callbacks{
		OnOpen: func() {
			c.sendJSONPriority(protocol.ServerSessionOpened{
				Type:      protocol.FrameSessionOpened,
				Timestamp: protocol.Timestamp(c.now()),
				SessionID: sessionID,
			})
			c.logger.Info("session opened", "session_id", sessionID)
		},
		OnMessage: func(ev provider.ServerEvent) {
			c.relayEvent(sessionID, conversationID, ev)
		},
		OnError: func(err error) {
			c.logger.Warn("provider session error", "session_id", sessionID, "error", err)
			c.sendJSONPriority(protocol.ServerSessionError{
				Type:      protocol.FrameSessionError,
				Timestamp: protocol.Timestamp(c.now()),
				SessionID: sessionID,
				Message:   err.Error(),
			})
		},
		OnClose: func(reason string) {
			c.mu.Lock()
			ls, ok := c.sessions[sessionID]
			c.mu.Unlock()
			if ok {
				c.teardownSession(ls, reason)
			}
			c.sendJSONPriority(protocol.ServerSessionClosed{
				Type:      protocol.FrameSessionClosed,
				Timestamp: protocol.Timestamp(c.now()),
				SessionID: sessionID,
				Reason:    reason,
			})
		},
	}
}

// relayEvent forwards the raw provider event to the client and layers the
// derived notification frames on top. The session_message wrapper carries
// the provider JSON verbatim; the derived frames are conveniences, never a
// substitute for it. Linked conversations also get the event persisted.
func (c *Client) relayEvent(sessionID, conversationID string, ev provider.ServerEvent) {
	now := protocol.Timestamp(c.now())

	c.sendJSON(protocol.ServerSessionMessage{
		Type:      protocol.FrameSessionMessage,
		Timestamp: now,
		SessionID: sessionID,
		Event:     ev.Raw,
	})

	if ru := ev.ResumptionUpdate; ru != nil {
		c.sendJSON(protocol.ServerSessionResumptionUpdate{
			Type:      protocol.FrameSessionResumptionUpdate,
			Timestamp: now,
			SessionID: sessionID,
			Handle:    ru.NewHandle,
			Resumable: ru.Resumable,
		})
	}
	if ga := ev.GoAway; ga != nil {
		c.sendJSON(protocol.ServerGoAway{
			Type:      protocol.FrameGoAway,
			Timestamp: now,
			SessionID: sessionID,
			TimeLeft:  ga.TimeLeft,
		})
	}
	if sc := ev.ServerContent; sc != nil && sc.GenerationComplete {
		c.sendJSON(protocol.ServerGenerationComplete{
			Type:      protocol.FrameGenerationComplete,
			Timestamp: now,
			SessionID: sessionID,
		})
	}

	if ls, err := c.resolveSession(sessionID); err == nil {
		ls.touch(c.now())
	}

	if conversationID == "" {
		return
	}
	if err := c.gw.bridge.PersistLiveEvent(c.ctx, conversationID, sessionID, ev, ""); err != nil {
		c.logger.Warn("persist live event failed",
			"session_id", sessionID, "conversation_id", conversationID, "error", err)
		c.sendError(sessionID, "persistence_error", err.Error(), nil)
	}
}
