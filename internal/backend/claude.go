package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	. "github.com/mbeukes/cicada/internal/logging"
)

// ClaudeCode runs the Claude Code CLI in non-interactive mode and
// translates its stream-json output into events.
type ClaudeCode struct {
	Binary string // "claude" when empty
	Model  string
	APIKey string // passed via ANTHROPIC_API_KEY; empty uses ambient auth
	Dir    string // working directory for the subprocess
}

func (c *ClaudeCode) Name() string { return "claude" }

func (c *ClaudeCode) Dispatch(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 16)
	go c.run(ctx, req, out)
	return out
}

func (c *ClaudeCode) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	if req.SystemPrompt != "" {
		if req.SessionID == "" {
			args = append(args, "--system-prompt", req.SystemPrompt)
		} else {
			// Resumed conversations already carry the original system
			// prompt server-side; append the fresh one as a reminder.
			args = append(args, "--append-system-prompt", req.SystemPrompt)
		}
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	args = append(args, req.Message)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	if c.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+c.APIKey)
	}

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

	L_debug("claude: dispatched", "session", req.SessionID, "model", c.Model)

	terminal := streamEvents(ctx, stdout, out)

	err = cmd.Wait()
	if terminal {
		return
	}

	// The process ended without a result line.
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		out <- Failed{Reason: "timeout", Err: ctx.Err()}
	case ctx.Err() == context.Canceled:
		out <- Failed{Reason: "cancelled", Err: ctx.Err()}
	case err != nil:
		L_warn("claude: cli failed", "error", err, "stderr", truncate(stderr.String(), 500))
		out <- Failed{Reason: "backend error", Err: fmt.Errorf("%s exited: %w", binary, err)}
	default:
		out <- Failed{Reason: "backend error", Err: fmt.Errorf("no result in %s output", binary)}
	}
}

// streamEvents pumps parsed events to out until the stream ends.
// Returns true when a terminal event was emitted.
func streamEvents(ctx context.Context, r io.Reader, out chan<- Event) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		events, _, err := parseStreamLine([]byte(line))
		if err != nil {
			L_debug("backend: skipping unparseable line", "error", err)
			continue
		}
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return false
			}
			if Terminal(e) {
				return true
			}
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
