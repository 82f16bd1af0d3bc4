// Package commands implements the chat-side command surface: messages
// starting with / that are handled locally instead of being dispatched
// to the backend.
package commands

import (
	"fmt"
	"strings"

	robfig "github.com/robfig/cron/v3"

	"github.com/mbeukes/cicada/internal/cron"
	"github.com/mbeukes/cicada/internal/session"
	"github.com/mbeukes/cicada/internal/skills"
	"github.com/mbeukes/cicada/internal/types"
)

// Handler resolves chat commands against the live services.
type Handler struct {
	Sessions *session.Manager
	Skills   *skills.Registry
	Cron     *cron.Service
}

// Handle processes msg if it is a command. The returned bool is false
// when the message is ordinary text that should go to the backend.
func (h *Handler) Handle(userID string, msg *types.InboundMessage) (string, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	switch {
	case text == "/commands" || text == "/help":
		return commandList, true

	case text == "/new":
		if err := h.Sessions.Reset(userID); err != nil {
			return fmt.Sprintf("Couldn't reset the conversation: %v", err), true
		}
		return "Started a new conversation. What's on your mind?", true

	case text == "/skills":
		return skills.FormatSkillsMarkdown(h.Skills.List()), true

	case strings.HasPrefix(text, "/cron"):
		args := strings.TrimSpace(strings.TrimPrefix(text, "/cron"))
		return h.handleCron(userID, msg, args), true
	}

	// Unknown slash commands still reach the backend: they may be
	// platform conventions the model should see.
	return "", false
}

const commandList = `Available commands:
/commands - Show available commands
/new - Start a new conversation
/skills - List available skills
/cron - Manage scheduled jobs (try /cron help)`

const cronHelp = `Scheduled jobs:
/cron list - List your scheduled jobs
/cron add <schedule> <prompt> - Create a new job
/cron remove <job-id> - Delete a job
/cron run <job-id> - Run immediately
/cron pause <job-id> - Pause a job
/cron resume <job-id> - Resume a paused job

Schedules:
  every 1h            interval
  0 9 * * *           cron expression

Examples:
  /cron add every 1h Check my inbox
  /cron add 0 9 * * * Good morning briefing`

func (h *Handler) handleCron(userID string, msg *types.InboundMessage, args string) string {
	if h.Cron == nil {
		return "Scheduled jobs are disabled."
	}

	verb, rest := splitVerb(args)
	switch verb {
	case "", "help":
		return cronHelp

	case "list":
		jobs, err := h.Cron.List(userID)
		if err != nil {
			return fmt.Sprintf("Couldn't list jobs: %v", err)
		}
		if len(jobs) == 0 {
			return "No scheduled jobs.\n\nUse /cron add to create one. Try /cron help for usage."
		}
		var sb strings.Builder
		sb.WriteString("Your scheduled jobs:\n")
		for _, j := range jobs {
			state := ""
			if j.Paused {
				state = " (paused)"
			}
			fmt.Fprintf(&sb, "[%s] %s — %q%s\n", j.ID, j.Schedule, j.Prompt, state)
		}
		return strings.TrimRight(sb.String(), "\n")

	case "add":
		schedule, prompt, err := ParseAddCommand(rest)
		if err != nil {
			return err.Error()
		}
		job, err := h.Cron.Add(userID, schedule, prompt, msg.Ref.Channel, msg.ReplyTo)
		if err != nil {
			return fmt.Sprintf("Couldn't create the job: %v", err)
		}
		return fmt.Sprintf("Created job [%s] %q\nSchedule: %s\n\nUse /cron run %s to test it now!",
			job.ID, job.Prompt, job.Schedule, job.ID)

	case "remove":
		if rest == "" {
			return "Usage: /cron remove <job-id>"
		}
		if err := h.Cron.Remove(rest, userID); err != nil {
			return fmt.Sprintf("Couldn't remove job: %v", err)
		}
		return fmt.Sprintf("Removed job [%s].", rest)

	case "run":
		if rest == "" {
			return "Usage: /cron run <job-id>"
		}
		if err := h.Cron.RunNow(rest, userID); err != nil {
			return fmt.Sprintf("Couldn't run job: %v", err)
		}
		return fmt.Sprintf("Running job [%s] now.", rest)

	case "pause":
		if rest == "" {
			return "Usage: /cron pause <job-id>"
		}
		if err := h.Cron.Pause(rest, userID); err != nil {
			return fmt.Sprintf("Couldn't pause job: %v", err)
		}
		return fmt.Sprintf("Paused job [%s].", rest)

	case "resume":
		if rest == "" {
			return "Usage: /cron resume <job-id>"
		}
		if err := h.Cron.Resume(rest, userID); err != nil {
			return fmt.Sprintf("Couldn't resume job: %v", err)
		}
		return fmt.Sprintf("Resumed job [%s].", rest)
	}

	return cronHelp
}

func splitVerb(s string) (string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	parts := strings.SplitN(s, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

// ParseAddCommand extracts a schedule and prompt from "/cron add" args.
// Accepts "every <interval> <prompt>" or "<5-field cron expr> <prompt>".
func ParseAddCommand(input string) (schedule, prompt string, err error) {
	input = strings.TrimSpace(input)
	fields := strings.Fields(input)

	usage := fmt.Errorf("Usage: /cron add <schedule> <prompt>\n\nExamples:\n  /cron add every 1h Check my emails\n  /cron add 0 9 * * * Good morning!")

	if len(fields) < 2 {
		return "", "", usage
	}

	if fields[0] == "every" {
		if len(fields) < 3 {
			return "", "", fmt.Errorf("Usage: /cron add every <interval> <prompt>")
		}
		schedule = "@every " + fields[1]
		if _, err := robfig.ParseStandard(schedule); err != nil {
			return "", "", fmt.Errorf("couldn't parse interval %q: %v", fields[1], err)
		}
		return schedule, strings.Join(fields[2:], " "), nil
	}

	if len(fields) >= 6 {
		expr := strings.Join(fields[:5], " ")
		if _, err := robfig.ParseStandard(expr); err == nil {
			return expr, strings.Join(fields[5:], " "), nil
		}
	}

	return "", "", usage
}
