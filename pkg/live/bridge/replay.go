package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
	"github.com/apsara-ai/apsara-live/pkg/live/provider"
	"github.com/apsara-ai/apsara-live/pkg/store"
)

// DefaultContextWindow bounds replay when the caller does not.
const DefaultContextWindow = 20

// LoadContext replays a conversation's prior user turns into a freshly
// created live session as one incremental update with turnComplete, giving
// the session conversational memory. Only user-role messages are eligible;
// the provider protocol rejects model-authored context. Returns the number
// of turns sent; zero eligible turns is a no-op, not an error.
func (b *Bridge) LoadContext(ctx context.Context, conversationID string, sess provider.Session, maxMessages int, excludeSession string) (int, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultContextWindow
	}

	msgs, err := b.store.FindMessages(ctx, store.MessageFilter{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		ExcludeSession: excludeSession,
		Limit:          maxMessages,
	})
	if err != nil {
		return 0, fmt.Errorf("load context messages: %w", err)
	}

	turns := make([]protocol.Turn, 0, len(msgs))
	for _, m := range msgs {
		turn := messageToTurn(m)
		if len(turn.Parts) == 0 {
			continue
		}
		turns = append(turns, turn)
	}
	if len(turns) == 0 {
		b.logger.Info("context replay skipped, no eligible turns",
			"conversation_id", conversationID)
		return 0, nil
	}

	if err := sess.SendClientContent(turns, true); err != nil {
		return 0, fmt.Errorf("send context replay: %w", err)
	}
	b.logger.Info("context replayed",
		"conversation_id", conversationID, "messages_loaded", len(turns))
	return len(turns), nil
}

// messageToTurn converts one persisted message into a provider turn:
// attachments first (fileData or inlineData), then the text. Parts that
// fail validation are dropped.
func messageToTurn(m store.Message) protocol.Turn {
	turn := protocol.Turn{Role: "user"}
	for _, att := range m.Attachments {
		var p protocol.Part
		switch {
		case att.FileURI != "":
			p.FileData = &protocol.FileData{MimeType: att.MimeType, FileURI: att.FileURI}
		case att.Data != "":
			p.InlineData = &protocol.InlineData{MimeType: att.MimeType, Data: att.Data}
		}
		if p.Valid() {
			turn.Parts = append(turn.Parts, p)
		}
	}
	if strings.TrimSpace(m.Text) != "" {
		turn.Parts = append(turn.Parts, protocol.Part{Text: m.Text})
	}
	return turn
}
