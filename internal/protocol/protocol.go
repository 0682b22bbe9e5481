package protocol

import (
	"encoding/json"
	"fmt"
)

// Client message types
const (
	TypeConfig = "config"
	TypeAudio  = "audio"
	TypeEnd    = "end"
	TypePing   = "ping"
	TypeClear  = "clear"
)

// Server message types
const (
	TypeConnection    = "connection"
	TypeConfigUpdated = "config_updated"
	TypeResult        = "result"
	TypeError         = "error"
	TypePong          = "pong"
	TypeCleared       = "cleared"
)

// Error kinds carried by ErrorMessage
const (
	ErrKindDecode     = "decode_error"
	ErrKindBadMessage = "bad_message"
	ErrKindCapacity   = "capacity_exceeded"
	ErrKindInternal   = "internal_error"
)

// MaxChunkDurationSeconds bounds the client-configurable chunk duration.
const MaxChunkDurationSeconds = 10.0

// validLanguages are the language tags accepted in a config message.
var validLanguages = map[string]bool{
	"auto": true, "zh": true, "en": true, "yue": true,
	"ja": true, "ko": true, "uk": true, "cs": true,
}

// SessionConfig carries the client-adjustable session settings. Pointer
// fields distinguish "not present" from zero so a mid-session update only
// touches the settings the client actually sent.
type SessionConfig struct {
	Language      string   `json:"language,omitempty"`
	ChunkDuration *float64 `json:"chunk_duration,omitempty"`
	UseVAD        *bool    `json:"use_vad,omitempty"`
	Encoding      string   `json:"encoding,omitempty"`
}

// Validate checks the config values a client may set
func (c *SessionConfig) Validate() error {
	if c.Language != "" && !validLanguages[c.Language] {
		return fmt.Errorf("unsupported language: %s", c.Language)
	}

	if c.ChunkDuration != nil {
		if *c.ChunkDuration <= 0 || *c.ChunkDuration > MaxChunkDurationSeconds {
			return fmt.Errorf("chunk_duration must be between 0 and %.0f seconds, got %f",
				MaxChunkDurationSeconds, *c.ChunkDuration)
		}
	}

	if c.Encoding != "" && c.Encoding != "base64" && c.Encoding != "none" {
		return fmt.Errorf("unsupported encoding: %s", c.Encoding)
	}

	return nil
}

// ClientMessage is a parsed inbound message
type ClientMessage struct {
	Type   string         `json:"type"`
	Config *SessionConfig `json:"config,omitempty"`
	Data   string         `json:"data,omitempty"`
	Format string         `json:"format,omitempty"`
}

// ParseClient parses and validates a raw inbound message
func ParseClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}

	switch msg.Type {
	case TypeConfig:
		if msg.Config == nil {
			return nil, fmt.Errorf("config message missing config payload")
		}
		if err := msg.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	case TypeAudio:
		if msg.Data == "" {
			return nil, fmt.Errorf("audio message missing data payload")
		}
	case TypeEnd, TypePing, TypeClear:
		// No payload required
	case "":
		return nil, fmt.Errorf("message missing type field")
	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return &msg, nil
}

// ConnectionMessage acknowledges a newly established session
type ConnectionMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// NewConnectionMessage builds the greeting sent after session creation
func NewConnectionMessage(sessionID string) *ConnectionMessage {
	return &ConnectionMessage{
		Type:      TypeConnection,
		Status:    "connected",
		SessionID: sessionID,
	}
}

// ConfigUpdatedMessage acknowledges a successful config update
type ConfigUpdatedMessage struct {
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Language      string  `json:"language"`
	ChunkDuration float64 `json:"chunk_duration"`
	UseVAD        bool    `json:"use_vad"`
	Encoding      string  `json:"encoding"`
}

// ResultMessage carries one transcription result to the client
type ResultMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	RawText    string  `json:"raw_text"`
	CleanText  string  `json:"clean_text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	ModelType  string  `json:"model_type"`
	Sequence   uint64  `json:"sequence"`
}

// ErrorMessage reports a recoverable failure to the client
type ErrorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorMessage builds an error message of the given kind
func NewErrorMessage(kind, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    TypeError,
		Kind:    kind,
		Message: message,
	}
}

// PongMessage answers a client ping
type PongMessage struct {
	Type string `json:"type"`
}

// ClearedMessage acknowledges a buffer/cache clear
type ClearedMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Encode marshals any server message to JSON
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
