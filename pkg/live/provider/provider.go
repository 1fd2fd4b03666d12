// Package provider abstracts the bidirectional streaming model transport.
// The gateway and bridge only ever see the Session capability and the
// decoded ServerEvent union; everything vendor-specific lives in the
// concrete factory.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
)

var ErrSessionClosed = errors.New("provider session is closed")

// Blob is one decoded media payload bound for the provider.
type Blob struct {
	Data     []byte
	MIMEType string
}

// RealtimeInput is a non-turn-based media chunk or stream boundary.
type RealtimeInput struct {
	Audio          *Blob
	Video          *Blob
	Image          *Blob
	AudioStreamEnd bool
	ActivityStart  bool
	ActivityEnd    bool
}

// Session is the live transport capability. It is never copied: exactly one
// connection owns it and only the gateway closes it.
type Session interface {
	SendClientContent(turns []protocol.Turn, turnComplete bool) error
	SendRealtimeInput(input RealtimeInput) error
	SendToolResponse(functionResponses json.RawMessage) error
	Close() error
}

// Callbacks deliver provider-originated events. OnMessage runs on the
// provider's own delivery goroutine, concurrent with the connection's read
// loop.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(ServerEvent)
	OnError   func(error)
	OnClose   func(reason string)
}

type CreateRequest struct {
	Model        string
	Config       protocol.SessionConfig
	ResumeHandle string
	Callbacks    Callbacks
}

type Factory interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Session, error)
}
