// Package router turns a backend event stream into channel messages:
// batching text to the channel's message size, surfacing tool activity,
// and degrading to a single apology when the stream fails.
package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbeukes/cicada/internal/backend"
	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/session"
	"github.com/mbeukes/cicada/internal/types"
)

// Sender delivers messages for one channel.
type Sender interface {
	// Send delivers one message. Transient failures may be retried.
	Send(msg types.OutboundMessage) error
	// MaxMessageLen is the channel's message size cap in runes.
	// Zero means unlimited.
	MaxMessageLen() int
}

// Options tune routing behavior.
type Options struct {
	// ShowToolActivity sends a short notice when the backend invokes a
	// tool, so long silences have a visible cause.
	ShowToolActivity bool

	// RetryAttempts bounds redelivery of a failed send. The delay
	// doubles per attempt from RetryBase.
	RetryAttempts int
	RetryBase     time.Duration
}

func DefaultOptions() Options {
	return Options{
		ShowToolActivity: true,
		RetryAttempts:    3,
		RetryBase:        500 * time.Millisecond,
	}
}

// Result is what the stream produced, for turn persistence.
type Result struct {
	Text       string
	ToolEvents []session.ToolEvent
	SessionID  string
	Failed     bool
	FailReason string
}

// Router consumes backend streams. Stateless; safe for concurrent use.
type Router struct {
	opts Options

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func New(opts Options) *Router {
	return &Router{opts: opts, sleep: time.Sleep}
}

// Route drains one event stream, delivering output via sender. It
// always consumes the stream to completion. Per-user ordering is the
// orchestrator's job; Route itself delivers strictly in stream order.
func (r *Router) Route(events <-chan backend.Event, sender Sender, channel types.ChannelKind, replyTo string) Result {
	var (
		res      Result
		text     strings.Builder
		lastTool string
	)

	for e := range events {
		switch ev := e.(type) {
		case backend.TextChunk:
			text.WriteString(ev.Text)

		case backend.ToolCallRequest:
			lastTool = ev.Name
			res.ToolEvents = append(res.ToolEvents, session.ToolEvent{Name: ev.Name, Input: ev.Input})
			if r.opts.ShowToolActivity {
				r.send(sender, channel, replyTo, fmt.Sprintf("⚙ using %s…", ev.Name))
			}

		case backend.ToolCallResult:
			name := lastTool
			if len(res.ToolEvents) > 0 {
				res.ToolEvents[len(res.ToolEvents)-1].Output = ev.Output
			} else {
				res.ToolEvents = append(res.ToolEvents, session.ToolEvent{Name: name, Output: ev.Output})
			}

		case backend.Done:
			res.SessionID = ev.SessionID
			if text.Len() == 0 && ev.Result != "" {
				text.WriteString(ev.Result)
			}

		case backend.Failed:
			res.Failed = true
			res.FailReason = ev.Reason
			L_warn("router: dispatch failed", "reason", ev.Reason, "error", ev.Err)
		}
	}

	res.Text = text.String()

	if res.Failed {
		// Exactly one apology, never a partial response plus an apology
		// plus a retry artifact.
		r.send(sender, channel, replyTo, apology(res.FailReason))
		return res
	}

	if res.Text == "" {
		res.Text = "(no response)"
	}
	for _, part := range splitMessage(res.Text, sender.MaxMessageLen()) {
		r.send(sender, channel, replyTo, part)
	}
	return res
}

func (r *Router) send(sender Sender, channel types.ChannelKind, replyTo, text string) {
	msg := types.OutboundMessage{Channel: channel, ReplyTo: replyTo, Text: text}

	var err error
	delay := r.opts.RetryBase
	for attempt := 0; attempt <= r.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			r.sleep(delay)
			delay *= 2
		}
		if err = sender.Send(msg); err == nil {
			return
		}
		L_warn("router: send failed", "channel", channel, "attempt", attempt+1, "error", err)
	}
	// Out of attempts. The message is lost; the failure is logged, not
	// propagated, so the rest of the stream still delivers.
	L_error("router: giving up on message", "channel", channel, "error", err)
}

func apology(reason string) string {
	switch reason {
	case "timeout":
		return "Sorry, that took too long and I had to give up. Try again?"
	case "cancelled":
		return "I set that aside to handle your newer message."
	default:
		return "Sorry, something went wrong while I was thinking. Please try again."
	}
}

// splitMessage breaks text into chunks of at most max runes, preferring
// newline then space boundaries.
func splitMessage(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	var parts []string
	for len(runes) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == max {
			for i := max; i > max/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
