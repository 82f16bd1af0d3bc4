package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	. "github.com/mbeukes/cicada/internal/logging"
)

// Cursor runs the Cursor agent CLI in non-interactive mode. Cursor has
// no system-prompt flag, so the system prompt travels as a context block
// prepended to the message.
type Cursor struct {
	Binary string // "cursor-agent" when empty
	Model  string
	APIKey string
	Dir    string
}

func (c *Cursor) Name() string { return "cursor" }

func (c *Cursor) Dispatch(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 16)
	go c.run(ctx, req, out)
	return out
}

func (c *Cursor) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	binary := c.Binary
	if binary == "" {
		binary = "cursor-agent"
	}

	args := []string{"-p", "--output-format", "stream-json", "--force"}
	if c.APIKey != "" {
		args = append(args, "--api-key", c.APIKey)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	message := req.Message
	if req.SystemPrompt != "" {
		message = fmt.Sprintf("<context>\n%s\n</context>\n\n%s", req.SystemPrompt, req.Message)
	}
	args = append(args, message)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out <- Failed{Reason: "unavailable", Err: err}
		return
	}
	if err := cmd.Start(); err != nil {
		out <- Failed{Reason: "unavailable", Err: fmt.Errorf("failed to start %s: %w", binary, err)}
		return
	}

	L_debug("cursor: dispatched", "session", req.SessionID, "model", c.Model)

	terminal := streamEvents(ctx, stdout, out)

	err = cmd.Wait()
	if terminal {
		return
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		out <- Failed{Reason: "timeout", Err: ctx.Err()}
	case ctx.Err() == context.Canceled:
		out <- Failed{Reason: "cancelled", Err: ctx.Err()}
	case err != nil:
		L_warn("cursor: cli failed", "error", err, "stderr", truncate(stderr.String(), 500))
		out <- Failed{Reason: "backend error", Err: fmt.Errorf("%s exited: %w", binary, err)}
	default:
		out <- Failed{Reason: "backend error", Err: fmt.Errorf("no result in %s output", binary)}
	}
}
