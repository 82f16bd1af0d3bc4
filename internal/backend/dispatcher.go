package backend

import (
	"context"
	"time"
)

// Dispatcher wraps a backend with a per-dispatch timeout and normalizes
// the stream contract: the returned channel always ends with exactly one
// terminal event and is then closed, no matter how the adapter behaves.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
}

func NewDispatcher(b Backend, timeout time.Duration) *Dispatcher {
	return &Dispatcher{backend: b, timeout: timeout}
}

// Backend returns the wrapped backend.
func (d *Dispatcher) Backend() Backend { return d.backend }

// Dispatch forwards one request. Cancelling ctx (the supersede path)
// terminates the stream with Failed("cancelled"); exceeding the timeout
// with Failed("timeout").
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 16)

	inner := ctx
	cancel := context.CancelFunc(func() {})
	if d.timeout > 0 {
		inner, cancel = context.WithTimeout(ctx, d.timeout)
	}

	go func() {
		defer close(out)
		defer cancel()

		events := d.backend.Dispatch(inner, req)
		for e := range events {
			out <- e
			if Terminal(e) {
				// Let the adapter finish tearing down, but stop
				// forwarding: one terminal event per stream.
				go drain(events)
				return
			}
		}

		// Adapter closed without a terminal event.
		switch {
		case ctx.Err() == context.Canceled:
			out <- Failed{Reason: "cancelled", Err: ctx.Err()}
		case inner.Err() == context.DeadlineExceeded:
			out <- Failed{Reason: "timeout", Err: inner.Err()}
		default:
			out <- Failed{Reason: "backend closed stream"}
		}
	}()

	return out
}

func drain(ch <-chan Event) {
	for range ch {
	}
}
