package channels

import (
	"context"
	"sync"
	"time"

	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/types"
)

// Reconnect backoff bounds.
const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute
)

// Manager runs registered channels, restarting them with exponential
// backoff when their connection drops. A crashed channel never takes
// the others down.
type Manager struct {
	mu       sync.RWMutex
	channels map[types.ChannelKind]Channel
	wg       sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{channels: make(map[types.ChannelKind]Channel)}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	m.channels[c.Kind()] = c
	m.mu.Unlock()
}

// Get returns a registered channel.
func (m *Manager) Get(kind types.ChannelKind) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[kind]
	return c, ok
}

// Send routes an outbound message to its channel.
func (m *Manager) Send(msg types.OutboundMessage) error {
	c, ok := m.Get(msg.Channel)
	if !ok {
		return ErrUnknownChannel
	}
	return c.Send(msg)
}

// Start launches every registered channel. Returns immediately; use
// Wait to block until all channels have stopped.
func (m *Manager) Start(ctx context.Context, handler Handler) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.channels {
		m.wg.Add(1)
		go func(c Channel) {
			defer m.wg.Done()
			m.runWithBackoff(ctx, c, handler)
		}(c)
	}
}

// Wait blocks until all channels have shut down.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runWithBackoff(ctx context.Context, c Channel, handler Handler) {
	backoff := reconnectMin
	for {
		started := time.Now()
		L_info("channel: starting", "channel", c.Kind())

		err := c.Run(ctx, handler)

		if ctx.Err() != nil {
			L_info("channel: stopped", "channel", c.Kind())
			return
		}
		if err != nil {
			L_warn("channel: connection lost", "channel", c.Kind(), "error", err)
		}

		// A connection that held for a while earns a reset.
		if time.Since(started) > time.Minute {
			backoff = reconnectMin
		}

		L_info("channel: reconnecting", "channel", c.Kind(), "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// SenderFor adapts one registered channel to the router's Sender
// contract.
func (m *Manager) SenderFor(kind types.ChannelKind) (ChannelSender, bool) {
	c, ok := m.Get(kind)
	if !ok {
		return ChannelSender{}, false
	}
	return ChannelSender{c: c}, true
}

// ChannelSender is a thin Sender view over a Channel.
type ChannelSender struct {
	c Channel
}

func (s ChannelSender) Send(msg types.OutboundMessage) error { return s.c.Send(msg) }
func (s ChannelSender) MaxMessageLen() int                   { return s.c.MaxMessageLen() }
