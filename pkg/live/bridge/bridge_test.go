package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/store"
	"github.com/apsara-ai/apsara-live/pkg/store/memory"
)

type fakeSession struct {
	contentCalls []struct {
		turns    []protocol.Turn
		complete bool
	}
	realtimeCalls []provider.RealtimeInput
	closed        bool
}

func (f *fakeSession) SendClientContent(turns []protocol.Turn, turnComplete bool) error {
	f.contentCalls = append(f.contentCalls, struct {
		turns    []protocol.Turn
		complete bool
	}{turns, turnComplete})
	return nil
}

func (f *fakeSession) SendRealtimeInput(input provider.RealtimeInput) error {
	f.realtimeCalls = append(f.realtimeCalls, input)
	return nil
}

func (f *fakeSession) SendToolResponse(json.RawMessage) error { return nil }
func (f *fakeSession) Close() error                           { f.closed = true; return nil }

func newTestBridge(t *testing.T) (*Bridge, *memory.Store) {
	t.Helper()
	st := memory.New()
	b := New(st, slog.New(slog.DiscardHandler))
	return b, st
}

func seedConversation(t *testing.T, st *memory.Store, id string, typ store.ConversationType) {
	t.Helper()
	err := st.SaveConversation(context.Background(), &store.Conversation{ID: id, Type: typ})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

func mustEvent(t *testing.T, raw string) provider.ServerEvent {
	t.Helper()
	ev, err := provider.ParseServerEvent(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	return ev
}

func TestLinkSession_TransitionsToHybrid(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()

	for _, typ := range []store.ConversationType{store.ConversationRest, store.ConversationLive, store.ConversationHybrid} {
		id := "conv-" + string(typ)
		seedConversation(t, st, id, typ)

		conv, err := b.LinkSession(ctx, id, "sess-1", protocol.SessionConfig{})
		if err != nil {
			t.Fatalf("%s: link: %v", typ, err)
		}
		if conv.Type != store.ConversationHybrid {
			t.Fatalf("%s: type=%s, want hybrid", typ, conv.Type)
		}
		if !conv.Session.IsLiveActive || conv.Session.LiveSessionID != "sess-1" {
			t.Fatalf("%s: session state=%+v", typ, conv.Session)
		}
		if conv.Session.ConnectionCount != 1 {
			t.Fatalf("%s: connectionCount=%d", typ, conv.Session.ConnectionCount)
		}
	}
}

func TestLinkSession_ConversationNotFound(t *testing.T) {
	b, _ := newTestBridge(t)
	_, err := b.LinkSession(context.Background(), "missing", "sess-1", protocol.SessionConfig{})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err=%v, want ErrConversationNotFound", err)
	}
}

func TestSwitchToRest_DeactivatesLiveSession(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationRest)

	if _, err := b.LinkSession(ctx, "c1", "s1", protocol.SessionConfig{}); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := b.SwitchToRest(ctx, "c1"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	conv, err := st.FindConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if conv.Type != store.ConversationRest || conv.Session.IsLiveActive {
		t.Fatalf("conv=%+v", conv)
	}
}

func TestPersistLiveEvent_ExpansionProducesOneMessage(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationRest)

	ev1 := mustEvent(t, `{"serverContent":{"outputTranscription":{"text":"Hel"}}}`)
	ev2 := mustEvent(t, `{"serverContent":{"outputTranscription":{"text":"Hello there"},"turnComplete":true}}`)

	if err := b.PersistLiveEvent(ctx, "c1", "s1", ev1, ""); err != nil {
		t.Fatalf("event 1: %v", err)
	}
	if err := b.PersistLiveEvent(ctx, "c1", "s1", ev2, ""); err != nil {
		t.Fatalf("event 2: %v", err)
	}

	msgs, err := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("find messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages=%d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Role != store.RoleModel || m.Text != "Hello there" {
		t.Fatalf("message=%+v, want expansion applied", m)
	}
	if m.LiveContent == nil || m.LiveContent.OutputTranscription != "Hello there" {
		t.Fatalf("liveContent=%+v", m.LiveContent)
	}
	if m.MessageSequence != 1 {
		t.Fatalf("sequence=%d, want 1", m.MessageSequence)
	}

	conv, _ := st.FindConversation(ctx, "c1")
	if conv.Stats.TotalMessages != 1 || conv.Stats.LiveAPIInteractions != 1 {
		t.Fatalf("stats=%+v", conv.Stats)
	}
}

func TestPersistLiveEvent_InputAndOutputIndependent(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	events := []string{
		`{"serverContent":{"inputTranscription":{"text":"what time "}}}`,
		`{"serverContent":{"inputTranscription":{"text":"is it"}}}`,
		`{"serverContent":{"outputTranscription":{"text":"It is "}}}`,
		`{"serverContent":{"outputTranscription":{"text":"noon."},"turnComplete":true}}`,
	}
	for i, raw := range events {
		if err := b.PersistLiveEvent(ctx, "c1", "s1", mustEvent(t, raw), ""); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}

	msgs, _ := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 2 {
		t.Fatalf("messages=%d, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Text != "what time is it" {
		t.Fatalf("user message=%+v", msgs[0])
	}
	if msgs[1].Role != store.RoleModel || msgs[1].Text != "It is noon." {
		t.Fatalf("model message=%+v", msgs[1])
	}
	if msgs[0].MessageSequence != 1 || msgs[1].MessageSequence != 2 {
		t.Fatalf("sequences=%d,%d", msgs[0].MessageSequence, msgs[1].MessageSequence)
	}
}

func TestPersistLiveEvent_AudioRefAttached(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	ev := mustEvent(t, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}}]},"outputTranscription":{"text":"spoken reply"},"turnComplete":true}}`)
	if err := b.PersistLiveEvent(ctx, "c1", "s1", ev, "files/audio-1.pcm"); err != nil {
		t.Fatalf("persist: %v", err)
	}

	msgs, _ := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 1 {
		t.Fatalf("messages=%d", len(msgs))
	}
	if msgs[0].LiveContent.AudioData != "files/audio-1.pcm" {
		t.Fatalf("audioData=%q", msgs[0].LiveContent.AudioData)
	}
}

func TestPersistLiveEvent_EmptyFrameDropped(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	if err := b.PersistLiveEvent(ctx, "c1", "s1", mustEvent(t, `{}`), ""); err != nil {
		t.Fatalf("empty frame must not error: %v", err)
	}
	msgs, _ := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 0 {
		t.Fatalf("messages=%d, want 0", len(msgs))
	}
}

func TestPersistLiveEvent_ToolCallPersistsDirectly(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	ev := mustEvent(t, `{"toolCall":{"functionCalls":[{"name":"get_weather","args":{"city":"Pune"}}]}}`)
	if err := b.PersistLiveEvent(ctx, "c1", "s1", ev, ""); err != nil {
		t.Fatalf("persist: %v", err)
	}

	msgs, _ := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 1 || msgs[0].Role != store.RoleTool {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestFlushSession_SalvagesPartialTurn(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	ev := mustEvent(t, `{"serverContent":{"outputTranscription":{"text":"cut off mid"}}}`)
	if err := b.PersistLiveEvent(ctx, "c1", "s1", ev, ""); err != nil {
		t.Fatalf("persist: %v", err)
	}

	msgs, _ := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 0 {
		t.Fatalf("nothing should persist before flush, got %d", len(msgs))
	}

	if err := b.FlushSession(ctx, "c1", "s1", ""); err != nil {
		t.Fatalf("flush: %v", err)
	}
	msgs, _ = st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 1 || msgs[0].Text != "cut off mid" {
		t.Fatalf("salvage failed: %+v", msgs)
	}

	// Flushing again is a no-op.
	if err := b.FlushSession(ctx, "c1", "s1", ""); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	msgs, _ = st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 1 {
		t.Fatalf("second flush duplicated messages: %d", len(msgs))
	}
}

func TestPersistLiveEvent_ConcurrentWithFlush(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	// Delivery runs on the provider's goroutine while teardown can call
	// FlushSession from the connection's. Drive both at once: every
	// complete turn must land exactly once and flushes of an idle
	// accumulator must stay no-ops.
	const workers = 4
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				raw := fmt.Sprintf(`{"serverContent":{"outputTranscription":{"text":"turn %d-%d"},"turnComplete":true}}`, w, i)
				ev, err := provider.ParseServerEvent(json.RawMessage(raw))
				if err != nil {
					t.Errorf("parse %d-%d: %v", w, i, err)
					return
				}
				if err := b.PersistLiveEvent(ctx, "c1", "s1", ev, ""); err != nil {
					t.Errorf("persist %d-%d: %v", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perWorker; i++ {
			if err := b.FlushSession(ctx, "c1", "s1", ""); err != nil {
				t.Errorf("flush %d: %v", i, err)
				return
			}
		}
	}()
	wg.Wait()

	msgs, err := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("find messages: %v", err)
	}
	if len(msgs) != workers*perWorker {
		t.Fatalf("messages=%d, want %d", len(msgs), workers*perWorker)
	}
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.Text] {
			t.Fatalf("duplicate message %q", m.Text)
		}
		seen[m.Text] = true
	}
}

func TestHandleResumption_RecordsHandleOnly(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	if err := b.HandleResumption(ctx, "c1", "handle-9"); err != nil {
		t.Fatalf("resumption: %v", err)
	}
	conv, _ := st.FindConversation(ctx, "c1")
	if conv.Session.LastResumeHandle != "handle-9" {
		t.Fatalf("handle=%q", conv.Session.LastResumeHandle)
	}
	msgs, _ := st.FindMessages(ctx, store.MessageFilter{ConversationID: "c1"})
	if len(msgs) != 0 {
		t.Fatalf("resumption must not create messages")
	}
}

func TestCleanupInactive(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	if err := st.SaveConversation(ctx, &store.Conversation{
		ID:      "stale",
		Type:    store.ConversationHybrid,
		Session: store.SessionState{LiveSessionID: "s1", IsLiveActive: true, LastActivity: old},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.SaveConversation(ctx, &store.Conversation{
		ID:      "fresh",
		Type:    store.ConversationHybrid,
		Session: store.SessionState{LiveSessionID: "s2", IsLiveActive: true, LastActivity: time.Now()},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := b.CleanupInactive(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned=%d, want 1", n)
	}

	stale, _ := st.FindConversation(ctx, "stale")
	if stale.Session.IsLiveActive || stale.Session.LiveSessionID != "" {
		t.Fatalf("stale conv not cleaned: %+v", stale.Session)
	}
	fresh, _ := st.FindConversation(ctx, "fresh")
	if !fresh.Session.IsLiveActive {
		t.Fatalf("fresh conv wrongly cleaned")
	}
}

func TestLoadContext_OnlyUserTurns(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	save := func(seq int, role store.Role, text string) {
		t.Helper()
		err := st.SaveMessage(ctx, &store.Message{
			ID: fmt.Sprintf("m%d", seq), ConversationID: "c1", MessageSequence: seq,
			Role: role, MessageType: store.MessageRest, Text: text,
		})
		if err != nil {
			t.Fatalf("save message: %v", err)
		}
	}
	save(1, store.RoleUser, "first question")
	save(2, store.RoleModel, "an answer")
	save(3, store.RoleUser, "second question")

	sess := &fakeSession{}
	n, err := b.LoadContext(ctx, "c1", sess, 10, "")
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if n != 2 {
		t.Fatalf("messagesLoaded=%d, want 2", n)
	}
	if len(sess.contentCalls) != 1 {
		t.Fatalf("sends=%d, want one batch", len(sess.contentCalls))
	}
	call := sess.contentCalls[0]
	if !call.complete {
		t.Fatalf("batch must set turnComplete")
	}
	if len(call.turns) != 2 || call.turns[0].Parts[0].Text != "first question" || call.turns[1].Parts[0].Text != "second question" {
		t.Fatalf("turns=%+v", call.turns)
	}
	for _, turn := range call.turns {
		if turn.Role != "user" {
			t.Fatalf("role=%q, want user", turn.Role)
		}
	}
}

func TestLoadContext_ZeroEligibleIsNoop(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	if err := st.SaveMessage(ctx, &store.Message{
		ID: "m1", ConversationID: "c1", MessageSequence: 1,
		Role: store.RoleModel, Text: "model only",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A user message with nothing valid in it.
	if err := st.SaveMessage(ctx, &store.Message{
		ID: "m2", ConversationID: "c1", MessageSequence: 2,
		Role: store.RoleUser, Text: "   ",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	sess := &fakeSession{}
	n, err := b.LoadContext(ctx, "c1", sess, 10, "")
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if n != 0 {
		t.Fatalf("messagesLoaded=%d, want 0", n)
	}
	if len(sess.contentCalls) != 0 {
		t.Fatalf("no send expected, got %d", len(sess.contentCalls))
	}
}

func TestLoadContext_AttachmentsBeforeText(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	err := st.SaveMessage(ctx, &store.Message{
		ID: "m1", ConversationID: "c1", MessageSequence: 1,
		Role: store.RoleUser, Text: "see attached",
		Attachments: []store.Attachment{
			{MimeType: "image/png", FileURI: "files/pic.png"},
			{MimeType: "application/pdf"}, // invalid: no uri, no data
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	sess := &fakeSession{}
	if _, err := b.LoadContext(ctx, "c1", sess, 10, ""); err != nil {
		t.Fatalf("load context: %v", err)
	}
	parts := sess.contentCalls[0].turns[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts=%d, want file+text", len(parts))
	}
	if parts[0].FileData == nil || parts[0].FileData.FileURI != "files/pic.png" {
		t.Fatalf("first part must be the attachment: %+v", parts[0])
	}
	if parts[1].Text != "see attached" {
		t.Fatalf("second part must be the text: %+v", parts[1])
	}
}

func TestLoadContext_ExcludesOwnSessionMessages(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()
	seedConversation(t, st, "c1", store.ConversationHybrid)

	if err := st.SaveMessage(ctx, &store.Message{
		ID: "m1", ConversationID: "c1", MessageSequence: 1,
		Role: store.RoleUser, Text: "from this session", LiveSessionID: "s1",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveMessage(ctx, &store.Message{
		ID: "m2", ConversationID: "c1", MessageSequence: 2,
		Role: store.RoleUser, Text: "from before",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	sess := &fakeSession{}
	n, err := b.LoadContext(ctx, "c1", sess, 10, "s1")
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if n != 1 || sess.contentCalls[0].turns[0].Parts[0].Text != "from before" {
		t.Fatalf("n=%d turns=%+v", n, sess.contentCalls)
	}
}
