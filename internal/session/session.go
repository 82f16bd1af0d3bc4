// Package session tracks conversation continuity: which turns belong to
// the same ongoing exchange, per user. Sessions idle out after a
// configurable window; archived sessions stay queryable.
package session

import (
	"time"
)

// ToolEvent is one tool interaction recorded inside a turn.
type ToolEvent struct {
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Turn is one completed exchange: the user's message, the assistant's
// response, and any tool activity in between.
type Turn struct {
	ID            int64
	UserText      string
	AssistantText string
	ToolEvents    []ToolEvent
	CreatedAt     time.Time
}

// Session is a window of conversation continuity for a single user.
type Session struct {
	ID     string
	UserID string

	// BackendSessionID is the backend's own conversation handle, used to
	// resume server-side context across turns (claude --resume).
	BackendSessionID string

	CreatedAt    time.Time
	LastActiveAt time.Time
	EndedAt      time.Time // zero = live

	Turns []Turn
}

// Live reports whether the session has not been archived.
func (s *Session) Live() bool { return s.EndedAt.IsZero() }

// TurnCount returns the number of completed turns.
func (s *Session) TurnCount() int { return len(s.Turns) }
