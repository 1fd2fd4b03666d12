package protocol

import "encoding/json"

// Outbound frame types. Every frame carries an ISO-8601 timestamp and, where
// it concerns one session, the sessionId.
const (
	FrameConnection              = "connection"
	FrameSessionCreated          = "session_created"
	FrameSessionOpened           = "session_opened"
	FrameSessionMessage          = "session_message"
	FrameSessionResumptionUpdate = "session_resumption_update"
	FrameGoAway                  = "go_away"
	FrameGenerationComplete      = "generation_complete"
	FrameSessionError            = "session_error"
	FrameSessionClosed           = "session_closed"
	FrameSessionEnded            = "session_ended"
	FrameError                   = "error"
	FramePing                    = "ping"
	FramePong                    = "pong"
)

type ServerConnection struct {
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connectionId"`
}

type ServerSessionCreated struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	Resumed   bool   `json:"resumed,omitempty"`
}

type ServerSessionOpened struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// ServerSessionMessage wraps a provider event verbatim; Event is the raw
// provider JSON, never re-encoded through intermediate structs.
type ServerSessionMessage struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

type ServerSessionResumptionUpdate struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Handle    string `json:"handle,omitempty"`
	Resumable bool   `json:"resumable"`
}

type ServerGoAway struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
	TimeLeft  string `json:"timeLeft,omitempty"`
}

type ServerGenerationComplete struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

type ServerSessionError struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type ServerSessionClosed struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type ServerSessionEnded struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

type ServerError struct {
	Type       string         `json:"type"`
	Timestamp  string         `json:"timestamp"`
	SessionID  string         `json:"sessionId,omitempty"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	RetryAfter int            `json:"retryAfterSeconds,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type ServerPong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type ServerPing struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}
