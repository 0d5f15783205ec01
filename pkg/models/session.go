// Package models holds the shared domain types of the runtime: sessions,
// transcript messages, the error taxonomy, and observability events.
package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive marks a session accepting turns.
	SessionActive SessionStatus = "active"

	// SessionEnded marks a session closed normally. Terminal.
	SessionEnded SessionStatus = "ended"

	// SessionError marks a session closed by an unrecoverable failure. Terminal.
	SessionError SessionStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionError
}

// Session is the metadata record of one conversation.
type Session struct {
	// ID is the session identifier.
	ID string `json:"id"`

	// AgentID is the owning agent.
	AgentID string `json:"agentId"`

	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the session was last touched.
	UpdatedAt time.Time `json:"updatedAt"`

	// MessageCount equals the number of transcript entries appended by the loop.
	MessageCount int `json:"messageCount"`

	// Title is an optional human-readable label.
	Title string `json:"title,omitempty"`
}

// SessionPatch is a partial session update; nil fields are left unchanged.
type SessionPatch struct {
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
	MessageCount *int           `json:"messageCount,omitempty"`
	Title        *string        `json:"title,omitempty"`
	Status       *SessionStatus `json:"status,omitempty"`
}
