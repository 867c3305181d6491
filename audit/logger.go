package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog"
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	SecretName string                 `json:"secret_name,omitempty"`
	User       string                 `json:"user,omitempty"`
	Source     string                 `json:"source,omitempty"` // hostname or client identifier
	SessionID  string                 `json:"session_id,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Duration   int64                  `json:"duration_ms,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since      *time.Time
	Until      *time.Time
	Action     string
	Success    *bool // nil = all, true = only success, false = only failures
	SecretName string
	Limit      int
	Offset     int
	Ceremonies bool // Filter for key custody ceremony events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType: // Default to file if not specified
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event from an action and the metadata map, lifting
// well-known metadata keys into their typed fields so query filters work
// against them.
func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}

	if metadata == nil {
		return event
	}

	if v, ok := metadata["request_id"].(string); ok {
		event.RequestID = v
	}
	if v, ok := metadata["secret_name"].(string); ok {
		event.SecretName = v
	}
	if v, ok := metadata["user"].(string); ok {
		event.User = v
	}
	if v, ok := metadata["source"].(string); ok {
		event.Source = v
	}
	if v, ok := metadata["session_id"].(string); ok {
		event.SessionID = v
	}
	if v, ok := metadata["command"].(string); ok {
		event.Command = v
	}
	if v, ok := metadata["error"].(string); ok {
		event.Error = v
	}
	switch d := metadata["duration_ms"].(type) {
	case int64:
		event.Duration = d
	case int:
		event.Duration = int64(d)
	case float64:
		event.Duration = int64(d)
	}

	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
