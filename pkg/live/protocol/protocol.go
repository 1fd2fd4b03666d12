// Package protocol defines the JSON wire protocol spoken over the live
// WebSocket: client envelopes ({type, data}), server frames, and the
// provider-facing turn/part shapes shared by context replay and
// incremental updates.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRawFrame marks a frame that is not a protocol envelope at all. The
// gateway treats such frames as raw binary audio rather than protocol
// errors, since binary media legitimately arrives on the same socket.
var ErrRawFrame = errors.New("frame is not a protocol envelope")

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Turn is one role-tagged exchange unit in the provider's conversational
// protocol.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	FileData   *FileData   `json:"fileData,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Valid reports whether a part carries usable content: non-empty text, a
// fileData with both mime type and URI, or inlineData with both mime type
// and payload.
func (p Part) Valid() bool {
	if strings.TrimSpace(p.Text) != "" {
		return true
	}
	if p.FileData != nil && strings.TrimSpace(p.FileData.MimeType) != "" && strings.TrimSpace(p.FileData.FileURI) != "" {
		return true
	}
	if p.InlineData != nil && strings.TrimSpace(p.InlineData.MimeType) != "" && p.InlineData.Data != "" {
		return true
	}
	return false
}

// MediaChunk is one base64 media payload with its mime type.
type MediaChunk struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type SpeechConfig struct {
	VoiceName    string `json:"voiceName,omitempty"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// SessionConfig carries the live-session options a client may request at
// create_session time. Tools is passed through to the provider untouched.
type SessionConfig struct {
	ResponseModalities        []string        `json:"responseModalities,omitempty"`
	SystemInstruction         string          `json:"systemInstruction,omitempty"`
	SpeechConfig              *SpeechConfig   `json:"speechConfig,omitempty"`
	Tools                     json.RawMessage `json:"tools,omitempty"`
	EnableResumption          bool            `json:"enableResumption,omitempty"`
	EnableCompression         bool            `json:"enableCompression,omitempty"`
	InputAudioTranscription   bool            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription  bool            `json:"outputAudioTranscription,omitempty"`
	ContextWindowMessageLimit int             `json:"contextWindowMessageLimit,omitempty"`
}

type CreateSession struct {
	SessionID      string        `json:"sessionId,omitempty"`
	Model          string        `json:"model"`
	Provider       string        `json:"provider,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	ResumeHandle   string        `json:"resumeHandle,omitempty"`
	Config         SessionConfig `json:"config,omitempty"`
}

type SendMessage struct {
	SessionID    string `json:"sessionId,omitempty"`
	Text         string `json:"text,omitempty"`
	File         *Part  `json:"file,omitempty"`
	TurnComplete *bool  `json:"turnComplete,omitempty"`
}

// Complete resolves the turnComplete default (true when omitted).
func (m SendMessage) Complete() bool {
	if m.TurnComplete == nil {
		return true
	}
	return *m.TurnComplete
}

type SendRealtimeInput struct {
	SessionID      string      `json:"sessionId,omitempty"`
	Audio          *MediaChunk `json:"audio,omitempty"`
	Video          *MediaChunk `json:"video,omitempty"`
	Image          *MediaChunk `json:"image,omitempty"`
	Screen         *MediaChunk `json:"screen,omitempty"`
	AudioStreamEnd bool        `json:"audioStreamEnd,omitempty"`
	ActivityStart  bool        `json:"activityStart,omitempty"`
	ActivityEnd    bool        `json:"activityEnd,omitempty"`
}

// HasPayload reports whether the message carries at least one media chunk
// or stream-boundary flag.
func (m SendRealtimeInput) HasPayload() bool {
	return m.Audio != nil || m.Video != nil || m.Image != nil || m.Screen != nil ||
		m.AudioStreamEnd || m.ActivityStart || m.ActivityEnd
}

// VideoChunk carries a camera or screen-capture frame. Both frame types
// decode to the same message because they forward identically as realtime
// video input.
type VideoChunk struct {
	SessionID string     `json:"sessionId,omitempty"`
	Chunk     MediaChunk `json:"chunk"`
}

type SendIncrementalUpdate struct {
	SessionID    string `json:"sessionId,omitempty"`
	Turns        []Turn `json:"turns"`
	TurnComplete *bool  `json:"turnComplete,omitempty"`
}

func (m SendIncrementalUpdate) Complete() bool {
	if m.TurnComplete == nil {
		return true
	}
	return *m.TurnComplete
}

type SendToolResponse struct {
	SessionID         string          `json:"sessionId,omitempty"`
	FunctionResponses json.RawMessage `json:"functionResponses"`
}

type EndSession struct {
	SessionID string `json:"sessionId"`
}

type Ping struct{}

type clientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeClientMessage speculatively parses a text frame as a typed envelope.
// A frame that is not valid JSON, or has no recognizable type, is not an
// envelope at all; callers treat those as raw binary audio. Frames that are
// well-formed envelopes with invalid payloads return a *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrRawFrame
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, ErrRawFrame
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	switch typ {
	case "create_session":
		var msg CreateSession
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid create_session payload", "data")
		}
		if strings.TrimSpace(msg.Model) == "" {
			return nil, badRequest("create_session.model is required", "data.model")
		}
		return msg, nil
	case "send_message", "text":
		var msg SendMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid send_message payload", "data")
		}
		if strings.TrimSpace(msg.Text) == "" && msg.File == nil {
			return nil, badRequest("send_message requires text and/or file", "data")
		}
		if msg.File != nil && !msg.File.Valid() {
			return nil, badRequest("send_message.file is not a valid part", "data.file")
		}
		return msg, nil
	case "send_realtime_input":
		var msg SendRealtimeInput
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid send_realtime_input payload", "data")
		}
		if !msg.HasPayload() {
			return nil, badRequest("send_realtime_input carries no payload", "data")
		}
		return msg, nil
	case "video_chunk", "screen_chunk":
		var msg VideoChunk
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid "+typ+" payload", "data")
		}
		if msg.Chunk.Data == "" {
			return nil, badRequest(typ+".chunk.data is required", "data.chunk.data")
		}
		if strings.TrimSpace(msg.Chunk.MimeType) == "" {
			return nil, badRequest(typ+".chunk.mimeType is required", "data.chunk.mimeType")
		}
		return msg, nil
	case "send_incremental_update":
		var msg SendIncrementalUpdate
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid send_incremental_update payload", "data")
		}
		if len(msg.Turns) == 0 {
			return nil, badRequest("send_incremental_update.turns is required", "data.turns")
		}
		return msg, nil
	case "send_tool_response":
		var msg SendToolResponse
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid send_tool_response payload", "data")
		}
		if len(msg.FunctionResponses) == 0 || string(msg.FunctionResponses) == "null" {
			return nil, badRequest("send_tool_response.functionResponses is required", "data.functionResponses")
		}
		return msg, nil
	case "end_session":
		var msg EndSession
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid end_session payload", "data")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("end_session.sessionId is required", "data.sessionId")
		}
		return msg, nil
	case "ping":
		return Ping{}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Timestamp renders the wall clock the way every outbound frame carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
