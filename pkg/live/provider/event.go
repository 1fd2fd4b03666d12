package provider

import (
	"encoding/json"
	"strings"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
)

// ServerEvent is a provider event decoded once at the boundary. Raw holds
// the verbatim provider JSON for client pass-through; exactly the populated
// variant fields tell downstream code what the event means, so nothing past
// this point inspects the raw JSON for field presence.
type ServerEvent struct {
	Raw json.RawMessage

	SetupComplete    bool
	ServerContent    *ServerContent
	ToolCall         *ToolCall
	GoAway           *GoAway
	ResumptionUpdate *ResumptionUpdate
}

// Empty reports whether the event carries nothing this core acts on.
// Upstream streaming protocols legitimately emit such keep-alive frames.
func (e ServerEvent) Empty() bool {
	return !e.SetupComplete && e.ServerContent == nil && e.ToolCall == nil &&
		e.GoAway == nil && e.ResumptionUpdate == nil
}

type Transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

type ServerContent struct {
	ModelTurn           *protocol.Turn `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

// Text concatenates the text parts of the model turn, if any.
func (c *ServerContent) Text() string {
	if c == nil || c.ModelTurn == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.ModelTurn.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// AudioChunks returns the inline audio payloads of the model turn in order.
func (c *ServerContent) AudioChunks() []protocol.MediaChunk {
	if c == nil || c.ModelTurn == nil {
		return nil
	}
	var chunks []protocol.MediaChunk
	for _, p := range c.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		if !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			continue
		}
		chunks = append(chunks, protocol.MediaChunk{Data: p.InlineData.Data, MimeType: p.InlineData.MimeType})
	}
	return chunks
}

type ToolCall struct {
	FunctionCalls json.RawMessage `json:"functionCalls"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type ResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

type rawServerMessage struct {
	SetupComplete           json.RawMessage   `json:"setupComplete"`
	ServerContent           *ServerContent    `json:"serverContent"`
	ToolCall                *ToolCall         `json:"toolCall"`
	GoAway                  *GoAway           `json:"goAway"`
	SessionResumptionUpdate *ResumptionUpdate `json:"sessionResumptionUpdate"`
}

// ParseServerEvent decodes one provider wire message into the event union,
// keeping the raw payload alongside.
func ParseServerEvent(raw json.RawMessage) (ServerEvent, error) {
	var msg rawServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerEvent{}, err
	}
	return ServerEvent{
		Raw:              raw,
		SetupComplete:    len(msg.SetupComplete) > 0 && string(msg.SetupComplete) != "null",
		ServerContent:    msg.ServerContent,
		ToolCall:         msg.ToolCall,
		GoAway:           msg.GoAway,
		ResumptionUpdate: msg.SessionResumptionUpdate,
	}, nil
}
