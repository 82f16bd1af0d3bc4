// Package identity maintains the mapping from channel-native identities
// to stable users. Mutations to link status happen only through the
// pairing flow; everything else is read-side.
package identity

import (
	"errors"
	"time"

	"github.com/mbeukes/cicada/internal/types"
)

// Status is the pairing lifecycle state of a channel identity.
type Status string

const (
	StatusUnpaired Status = "unpaired"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrUnknownLink = errors.New("unknown channel identity")
)

// User is a stable person identity. A user may have links on multiple
// channels; they all resolve to the same ID.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Link is a channel-native identity and its pairing state. UserID is
// empty until the link is approved.
type Link struct {
	Ref         types.ChannelRef
	UserID      string
	Status      Status
	DisplayName string
	UpdatedAt   time.Time
}
