// Package memtypes holds the small shared value types multiple components
// (short-term storage, the compression pool, the intent classifier, the chat
// pipeline) all need, so those packages can depend on a common shape without
// importing each other.
package memtypes

import "time"

// Turn is one (user_message, ai_response) pair, the unit of short-term
// storage (spec.md section 3.2).
type Turn struct {
	UserMessage string            `json:"user_message"`
	AIResponse  string            `json:"ai_response"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
