// Package prompt assembles system prompts and per-turn messages. The
// builder is pure: identical inputs produce byte-identical output, which
// keeps dispatches reproducible and testable.
package prompt

import (
	"fmt"
	"strings"

	"github.com/mbeukes/cicada/internal/memory"
	"github.com/mbeukes/cicada/internal/session"
	"github.com/mbeukes/cicada/internal/skills"
	"github.com/mbeukes/cicada/internal/tokens"
)

// Input is everything a turn's prompt is built from.
type Input struct {
	Persona     string // PERSONA.md contents
	Skills      []*skills.Skill
	Memories    []*memory.Entry
	DisplayName string // the user's name, folded into the profile block
	Channel     string // where the conversation is happening

	// Transcript is the live session's prior turns, oldest first.
	Transcript []session.Turn

	// Message is the new inbound text. Never truncated.
	Message string

	// BudgetTokens caps the combined size of system prompt, transcript
	// and message. Zero disables truncation.
	BudgetTokens int
}

// Output is the assembled prompt pair plus what was cut to fit.
type Output struct {
	SystemPrompt  string
	Message       string
	DroppedTurns  int
	EstimatedSize int
}

// Builder assembles prompts. Safe for concurrent use.
type Builder struct {
	estimator *tokens.Estimator
}

func NewBuilder(est *tokens.Estimator) *Builder {
	return &Builder{estimator: est}
}

// Build assembles the system prompt and message for one turn. When the
// token budget is exceeded, whole turns are dropped oldest-first; the
// new message, memory block and persona are never dropped.
func (b *Builder) Build(in Input) Output {
	system := b.buildSystem(in)

	transcript := in.Transcript
	dropped := 0
	for {
		msg := renderMessage(transcript, in.Message)
		size := b.estimator.Count(system) + b.estimator.Count(msg)
		if in.BudgetTokens <= 0 || size <= in.BudgetTokens || len(transcript) == 0 {
			return Output{
				SystemPrompt:  system,
				Message:       msg,
				DroppedTurns:  dropped,
				EstimatedSize: size,
			}
		}
		transcript = transcript[1:]
		dropped++
	}
}

func (b *Builder) buildSystem(in Input) string {
	var sb strings.Builder

	if in.Persona != "" {
		sb.WriteString(strings.TrimRight(in.Persona, "\n"))
		sb.WriteString("\n\n")
	}

	if block := skills.FormatSkillsPrompt(in.Skills); block != "" {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}

	if len(in.Memories) > 0 {
		sb.WriteString("<user_memory>\n")
		sb.WriteString("Things you remember about this user from earlier conversations:\n")
		for _, e := range in.Memories {
			sb.WriteString("- ")
			sb.WriteString(e.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("</user_memory>\n\n")
	}

	sb.WriteString("<conversation_context>\n")
	if in.DisplayName != "" {
		fmt.Fprintf(&sb, "You are talking to %s", in.DisplayName)
	} else {
		sb.WriteString("You are talking to a paired user")
	}
	if in.Channel != "" {
		fmt.Fprintf(&sb, " over %s", in.Channel)
	}
	sb.WriteString(". Keep responses concise and chat-friendly.\n")
	sb.WriteString("</conversation_context>")

	return sb.String()
}

// renderMessage renders the transcript window and the new message. The
// backend resumes its own server-side context for recent turns; the
// inline window covers sessions recovered after a restart.
func renderMessage(transcript []session.Turn, message string) string {
	if len(transcript) == 0 {
		return message
	}

	var sb strings.Builder
	sb.WriteString("<recent_conversation>\n")
	for _, t := range transcript {
		fmt.Fprintf(&sb, "User: %s\n", t.UserText)
		if t.AssistantText != "" {
			fmt.Fprintf(&sb, "You: %s\n", t.AssistantText)
		}
	}
	sb.WriteString("</recent_conversation>\n\n")
	sb.WriteString(message)
	return sb.String()
}
