// Package audit keeps a tamper-evident record of the power commands a rack
// controller executes.
package audit

import "time"

// EventType constants for audit log entries.
const (
	EventConnect    = "RACK_CONNECT"
	EventDisconnect = "RACK_DISCONNECT"
	EventCommand    = "POWER_COMMAND"
	EventRejected   = "REJECTED"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	ClusterID string    `json:"cluster_id,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Command   string    `json:"command,omitempty"`
	SystemID  string    `json:"system_id,omitempty"`
	PowerType string    `json:"power_type,omitempty"`
	Result    string    `json:"result,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	EntryHash string    `json:"entry_hash"`
}

// Recorder accepts audit entries. *AuditLogger implements it.
type Recorder interface {
	Log(entry AuditEntry) error
}

// Discard is a Recorder that drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Log(AuditEntry) error { return nil }
