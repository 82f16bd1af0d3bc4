// Package channels defines the chat platform adapter contract and the
// lifecycle manager that keeps adapters connected.
package channels

import (
	"context"
	"errors"

	"github.com/mbeukes/cicada/internal/types"
)

// ErrUnknownChannel is returned when routing to a channel that is not
// registered.
var ErrUnknownChannel = errors.New("unknown channel")

// Handler receives normalized inbound messages from any adapter.
type Handler func(msg *types.InboundMessage)

// Channel is one chat platform adapter. Run blocks until the connection
// drops or ctx is cancelled; the manager handles reconnect backoff.
type Channel interface {
	Kind() types.ChannelKind

	// Run connects and delivers inbound messages to handler. A nil
	// return means clean shutdown; an error triggers reconnect.
	Run(ctx context.Context, handler Handler) error

	// Send delivers one outbound message.
	Send(msg types.OutboundMessage) error

	// MaxMessageLen is the platform's message size cap in runes.
	// Zero means unlimited.
	MaxMessageLen() int
}
