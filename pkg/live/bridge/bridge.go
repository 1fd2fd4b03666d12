// Package bridge links live provider sessions to persisted conversations:
// it replays prior context into fresh sessions, reassembles transcription
// fragments into messages, and keeps the conversation's live-session state
// and stats current.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/live/transcript"
	"github.com/apsara-ai/apsara-live/pkg/store"
)

var ErrConversationNotFound = errors.New("conversation not found")

type Bridge struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buffers map[string]*sessionBuffer
}

// sessionBuffer serializes all access to one session's accumulator. The
// provider's delivery goroutine and the connection's teardown path both
// reach it, so accumulate-and-flush must run under its lock, not just the
// map lookup.
type sessionBuffer struct {
	mu  sync.Mutex
	acc *transcript.Accumulator
}

func New(st store.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:   st,
		logger:  logger,
		now:     time.Now,
		buffers: make(map[string]*sessionBuffer),
	}
}

// LinkSession attaches a live session to a conversation. Linking transitions
// the conversation to hybrid (idempotently: rest, live, and hybrid all land
// on hybrid) and marks the live session active.
func (b *Bridge) LinkSession(ctx context.Context, conversationID, sessionID string, cfg protocol.SessionConfig) (*store.Conversation, error) {
	conv, err := b.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	conv.Type = store.ConversationHybrid
	conv.Session.LiveSessionID = sessionID
	conv.Session.IsLiveActive = true
	conv.Session.ConnectionCount++
	conv.Session.LastActivity = b.now()

	if err := b.store.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("link session: %w", err)
	}
	b.logger.Info("linked live session",
		"conversation_id", conversationID,
		"session_id", sessionID,
		"modalities", cfg.ResponseModalities,
		"resumption", cfg.EnableResumption,
	)
	return conv, nil
}

// SwitchToRest is the explicit mode switch back to rest. An active live
// session is marked inactive; closing the underlying socket session is the
// gateway's job, not this transition's.
func (b *Bridge) SwitchToRest(ctx context.Context, conversationID string) error {
	conv, err := b.findConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.Type = store.ConversationRest
	if conv.Session.IsLiveActive {
		conv.Session.IsLiveActive = false
	}
	if err := b.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("switch to rest: %w", err)
	}
	return nil
}

// LastResumeHandle returns the conversation's stored resumption handle, if
// any, so a reconnecting client can re-attach server-side context.
func (b *Bridge) LastResumeHandle(ctx context.Context, conversationID string) (string, error) {
	conv, err := b.findConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.Session.LastResumeHandle, nil
}

// PersistLiveEvent routes one provider event for a linked session.
// Transcription fragments and inline audio accumulate per session; the
// first turn/generation terminator flushes them into persisted messages.
// Tool calls persist directly. Events with no extractable content are
// dropped with a warning, since upstream streams legitimately emit empty
// keep-alive frames.
func (b *Bridge) PersistLiveEvent(ctx context.Context, conversationID, sessionID string, ev provider.ServerEvent, audioFileRef string) error {
	if ev.ResumptionUpdate != nil && ev.ResumptionUpdate.NewHandle != "" {
		if err := b.HandleResumption(ctx, conversationID, ev.ResumptionUpdate.NewHandle); err != nil {
			return err
		}
	}

	if ev.ToolCall != nil {
		return b.persistToolCall(ctx, conversationID, sessionID, ev.ToolCall)
	}

	sc := ev.ServerContent
	if sc == nil {
		if ev.Empty() {
			b.logger.Warn("dropping live event with no extractable content",
				"conversation_id", conversationID, "session_id", sessionID)
		}
		return nil
	}

	buf := b.buffer(sessionID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		buf.acc.AddFragment(transcript.KindInput, sc.InputTranscription.Text, ev.Raw)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		buf.acc.AddFragment(transcript.KindOutput, sc.OutputTranscription.Text, ev.Raw)
	}
	if text := sc.Text(); text != "" {
		buf.acc.AddFragment(transcript.KindOutput, text, ev.Raw)
	}
	for _, chunk := range sc.AudioChunks() {
		buf.acc.AddAudio(chunk)
	}

	if sc.TurnComplete || sc.GenerationComplete {
		return b.flush(ctx, conversationID, sessionID, buf.acc, audioFileRef)
	}
	return nil
}

// FlushSession salvages a partial turn that never saw a terminator, e.g.
// when the session ends mid-generation.
func (b *Bridge) FlushSession(ctx context.Context, conversationID, sessionID, audioFileRef string) error {
	buf := b.buffer(sessionID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.acc.Empty() {
		return nil
	}
	return b.flush(ctx, conversationID, sessionID, buf.acc, audioFileRef)
}

// DropSession discards any in-flight accumulator state for a session.
func (b *Bridge) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, sessionID)
}

// HandleResumption records a new resumption handle without touching message
// state.
func (b *Bridge) HandleResumption(ctx context.Context, conversationID, handle string) error {
	conv, err := b.findConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.Session.LastResumeHandle = handle
	conv.Session.LastActivity = b.now()
	if err := b.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("record resumption handle: %w", err)
	}
	return nil
}

// CleanupInactive marks conversations whose live session has been silent
// longer than timeout as inactive, clearing the stale session id. Failures
// on one conversation do not abort the sweep.
func (b *Bridge) CleanupInactive(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := b.now().Add(-timeout)
	stale, err := b.store.FindStaleLiveSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale live sessions: %w", err)
	}

	cleaned := 0
	for _, conv := range stale {
		conv.Session.IsLiveActive = false
		conv.Session.LiveSessionID = ""
		if err := b.store.SaveConversation(ctx, conv); err != nil {
			b.logger.Warn("failed to clean up inactive conversation",
				"conversation_id", conv.ID, "error", err)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (b *Bridge) flush(ctx context.Context, conversationID, sessionID string, acc *transcript.Accumulator, audioFileRef string) error {
	drafts := acc.Flush()
	if len(drafts) == 0 {
		return nil
	}

	conv, err := b.findConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	for _, d := range drafts {
		msg := draftToMessage(conversationID, sessionID, d, audioFileRef)
		if msg == nil {
			continue
		}
		seq, err := b.store.GetNextSequence(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("assign message sequence: %w", err)
		}
		msg.MessageSequence = seq
		msg.CreatedAt = b.now()
		if err := b.store.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("save live message: %w", err)
		}
		conv.Stats.TotalMessages++
		conv.Stats.LiveAPIInteractions++
	}

	conv.Session.LastActivity = b.now()
	if err := b.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("update conversation stats: %w", err)
	}
	return nil
}

func draftToMessage(conversationID, sessionID string, d transcript.Draft, audioFileRef string) *store.Message {
	if d.Text == "" && len(d.AudioChunks) == 0 {
		return nil
	}
	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageType:    store.MessageLive,
		Text:           d.Text,
		LiveSessionID:  sessionID,
		LiveContent:    &store.LiveContent{},
	}
	switch d.Kind {
	case transcript.KindInput:
		msg.Role = store.RoleUser
		msg.LiveContent.InputTranscription = d.Text
	default:
		msg.Role = store.RoleModel
		msg.LiveContent.OutputTranscription = d.Text
		if len(d.AudioChunks) > 0 {
			msg.LiveContent.AudioData = audioFileRef
		}
	}
	return msg
}

func (b *Bridge) persistToolCall(ctx context.Context, conversationID, sessionID string, tc *provider.ToolCall) error {
	conv, err := b.findConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	text := string(tc.FunctionCalls)
	if text == "" || text == "null" {
		b.logger.Warn("dropping tool call with no function calls",
			"conversation_id", conversationID, "session_id", sessionID)
		return nil
	}

	seq, err := b.store.GetNextSequence(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("assign message sequence: %w", err)
	}
	msg := &store.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		MessageSequence: seq,
		Role:            store.RoleTool,
		MessageType:     store.MessageLive,
		Text:            compactJSON(tc.FunctionCalls),
		LiveSessionID:   sessionID,
		CreatedAt:       b.now(),
	}
	if err := b.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save tool message: %w", err)
	}

	conv.Stats.TotalMessages++
	conv.Stats.LiveAPIInteractions++
	conv.Session.LastActivity = b.now()
	if err := b.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("update conversation stats: %w", err)
	}
	return nil
}

func (b *Bridge) buffer(sessionID string) *sessionBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[sessionID]
	if !ok {
		buf = &sessionBuffer{acc: transcript.NewAccumulator()}
		b.buffers[sessionID] = buf
	}
	return buf
}

func (b *Bridge) findConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := b.store.FindConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func compactJSON(raw json.RawMessage) string {
	var buf []byte
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(buf)
}
