// Package types contains shared types used across multiple packages.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelKind identifies a chat platform.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelSignal   ChannelKind = "signal"
	ChannelSlack    ChannelKind = "slack"
)

// ChannelRef is a channel-native identity: the platform plus the
// platform's own identifier for the sender (Telegram user ID, Signal
// phone number, Slack member ID).
type ChannelRef struct {
	Channel  ChannelKind
	NativeID string
}

func (r ChannelRef) String() string {
	return fmt.Sprintf("%s:%s", r.Channel, r.NativeID)
}

// AttachmentKind classifies a message attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
	AttachmentVoice AttachmentKind = "voice"
)

// Attachment is a file attached to an inbound message. The channel
// adapter downloads it to a local path before handing the message over.
type Attachment struct {
	Kind     AttachmentKind
	MIME     string
	Path     string // local temp path
	Filename string
}

// InboundMessage is a message received from a channel, normalized for
// the orchestrator.
type InboundMessage struct {
	ID          string // unique message ID, generated if empty
	Ref         ChannelRef
	DisplayName string // sender's display name as the platform reports it
	Text        string
	Attachments []Attachment
	ReceivedAt  time.Time

	// ReplyTo is the channel-specific delivery target (Telegram chat ID,
	// Signal number, Slack channel). Usually equal to Ref.NativeID for
	// direct messages.
	ReplyTo string
}

// NewInboundMessage creates an InboundMessage with defaults filled in.
func NewInboundMessage(ref ChannelRef, displayName, text string) *InboundMessage {
	return &InboundMessage{
		ID:          uuid.New().String(),
		Ref:         ref,
		DisplayName: displayName,
		Text:        text,
		ReceivedAt:  time.Now(),
		ReplyTo:     ref.NativeID,
	}
}

// OutboundMessage is a message to be delivered through a channel.
type OutboundMessage struct {
	Channel ChannelKind
	ReplyTo string
	Text    string
}
