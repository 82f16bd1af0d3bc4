// Package backend defines the reasoning backend contract and its
// adapters. A backend turns one dispatched request into a finite stream
// of events ending in exactly one Done or Failed.
package backend

import "context"

// Request is one turn handed to the backend.
type Request struct {
	UserID string

	// SessionID is the backend's own conversation handle from a previous
	// turn. Empty means start a new backend conversation.
	SessionID string

	// SystemPrompt carries persona, skills, memory and profile. Applied
	// in full on fresh conversations; resumed conversations get it
	// appended so drift since the session started is corrected.
	SystemPrompt string

	// Message is the assembled user-facing prompt: transcript window plus
	// the new message.
	Message string
}

// Event is one item in a backend response stream.
// Implementations are the concrete event types below.
type Event interface {
	backendEvent()
}

// TextChunk is a fragment of the assistant's textual response.
type TextChunk struct {
	Text string
}

// ToolCallRequest reports that the backend started a tool invocation.
type ToolCallRequest struct {
	Name  string
	Input string
}

// ToolCallResult reports a completed tool invocation.
type ToolCallResult struct {
	Name   string
	Output string
	IsErr  bool
}

// Done terminates a successful stream.
type Done struct {
	// SessionID is the backend conversation handle to resume with.
	SessionID string
	// Result is the final response text, when the backend reports one
	// separately from chunks.
	Result string
}

// Failed terminates an unsuccessful stream.
type Failed struct {
	Reason string // "timeout", "cancelled", "unavailable", or backend detail
	Err    error
}

func (TextChunk) backendEvent()       {}
func (ToolCallRequest) backendEvent() {}
func (ToolCallResult) backendEvent()  {}
func (Done) backendEvent()            {}
func (Failed) backendEvent()          {}

// Terminal reports whether e ends the stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case Done, Failed:
		return true
	}
	return false
}

// Backend is a reasoning engine adapter. The returned channel is closed
// after the terminal event; implementations must honor ctx cancellation
// and release the underlying process/connection on every path.
type Backend interface {
	Name() string
	Dispatch(ctx context.Context, req Request) <-chan Event
}
