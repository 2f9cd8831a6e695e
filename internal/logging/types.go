package logging

import "time"

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Field keys shared by every component so log lines can be filtered uniformly.
const (
	FieldCategory = "bridge.category"
	FieldSource   = "bridge.source"
	FieldPeerID   = "peer.id"
	FieldCallID   = "call.id"
)

type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}
