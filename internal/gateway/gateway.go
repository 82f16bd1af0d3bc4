// Package gateway is the orchestrator: it owns the end-to-end path from
// inbound channel message to routed backend response.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbeukes/cicada/internal/backend"
	"github.com/mbeukes/cicada/internal/channels"
	"github.com/mbeukes/cicada/internal/commands"
	"github.com/mbeukes/cicada/internal/config"
	"github.com/mbeukes/cicada/internal/cron"
	"github.com/mbeukes/cicada/internal/identity"
	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/memory"
	"github.com/mbeukes/cicada/internal/pairing"
	"github.com/mbeukes/cicada/internal/prompt"
	"github.com/mbeukes/cicada/internal/router"
	"github.com/mbeukes/cicada/internal/session"
	"github.com/mbeukes/cicada/internal/skills"
	"github.com/mbeukes/cicada/internal/types"
)

// Orchestrator wires identity, pairing, sessions, memory, skills,
// prompt assembly, dispatch and routing into one message path.
type Orchestrator struct {
	cfg        *config.Config
	identity   *identity.Store
	pairing    *pairing.Manager
	sessions   *session.Manager
	memories   *memory.Store
	skills     *skills.Registry
	prompts    *prompt.Builder
	dispatcher *backend.Dispatcher
	router     *router.Router
	channels   *channels.Manager
	commands   *commands.Handler
	cron       *cron.Service
	persona    string

	mu    sync.Mutex
	users map[string]*userSlot
}

// userSlot serializes turns per user and carries the cancel handle of
// the in-flight dispatch so a newer message can supersede it.
type userSlot struct {
	turn sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config     *config.Config
	Identity   *identity.Store
	Pairing    *pairing.Manager
	Sessions   *session.Manager
	Memories   *memory.Store
	Skills     *skills.Registry
	Prompts    *prompt.Builder
	Dispatcher *backend.Dispatcher
	Router     *router.Router
	Channels   *channels.Manager
	Commands   *commands.Handler
	Cron       *cron.Service
	Persona    string
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        d.Config,
		identity:   d.Identity,
		pairing:    d.Pairing,
		sessions:   d.Sessions,
		memories:   d.Memories,
		skills:     d.Skills,
		prompts:    d.Prompts,
		dispatcher: d.Dispatcher,
		router:     d.Router,
		channels:   d.Channels,
		commands:   d.Commands,
		cron:       d.Cron,
		persona:    d.Persona,
		users:      make(map[string]*userSlot),
	}
}

// Run starts the channels and background loops, blocking until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cron != nil {
		if err := o.cron.Start(); err != nil {
			return err
		}
		defer o.cron.Stop()
	}

	go o.sweepLoop(ctx)

	o.channels.Start(ctx, o.HandleInbound)
	L_info("gateway: running")

	<-ctx.Done()
	o.channels.Wait()
	return nil
}

// sweepLoop expires stale pairing codes and refreshes the link cache in
// the background.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.pairing.Sweep(); err != nil {
				L_warn("gateway: pairing sweep failed", "error", err)
			}
			o.identity.InvalidateCache()
		case <-ctx.Done():
			return
		}
	}
}

// HandleInbound is the entry point for every channel message.
func (o *Orchestrator) HandleInbound(msg *types.InboundMessage) {
	link, err := o.identity.Lookup(msg.Ref)
	if err != nil {
		L_error("gateway: identity lookup failed", "ref", msg.Ref.String(), "error", err)
		return
	}

	switch link.Status {
	case identity.StatusApproved:
		o.handleUserMessage(link.UserID, msg)

	case identity.StatusDenied:
		// Silently dropped. A denied identity gets no feedback loop to
		// probe against.
		L_debug("gateway: message from denied identity", "ref", msg.Ref.String())

	default:
		o.handlePairing(msg)
	}
}

// handlePairing answers unpaired and pending identities with their
// pairing code, never dispatching their text.
func (o *Orchestrator) handlePairing(msg *types.InboundMessage) {
	code, err := o.pairing.RequestPairing(msg.Ref, msg.DisplayName)
	if err != nil && err != pairing.ErrAlreadyPending {
		L_error("gateway: pairing request failed", "ref", msg.Ref.String(), "error", err)
		return
	}

	o.reply(msg, pairing.InstructionText(code))
}

func (o *Orchestrator) handleUserMessage(userID string, msg *types.InboundMessage) {
	slot := o.slot(userID)

	// Supersede: a newer message cancels the user's in-flight dispatch,
	// then waits its turn. Turns for one user never interleave.
	slot.mu.Lock()
	if slot.cancel != nil {
		L_debug("gateway: superseding in-flight turn", "user", userID)
		slot.cancel()
	}
	slot.mu.Unlock()

	slot.turn.Lock()
	defer slot.turn.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	slot.mu.Lock()
	slot.cancel = cancel
	slot.mu.Unlock()
	defer func() {
		cancel()
		slot.mu.Lock()
		if slot.cancel != nil {
			slot.cancel = nil
		}
		slot.mu.Unlock()
	}()

	o.runTurn(ctx, userID, msg)
}

func (o *Orchestrator) runTurn(ctx context.Context, userID string, msg *types.InboundMessage) {
	// Local commands never reach the backend.
	if reply, handled := o.commands.Handle(userID, msg); handled {
		o.reply(msg, reply)
		return
	}

	// Explicit memory capture. The message still reaches the backend so
	// the user gets a conversational acknowledgement.
	if fact, ok := explicitMemory(msg.Text); ok {
		o.memories.Append(userID, fact, memory.SourceExplicit)
	}

	sess, fresh, err := o.sessions.Touch(userID)
	if err != nil {
		L_error("gateway: session failed", "user", userID, "error", err)
		o.reply(msg, "Sorry, something went wrong. Please try again.")
		return
	}
	if fresh {
		L_debug("gateway: new session", "user", userID, "session", sess.ID)
	}

	user, err := o.identity.GetUser(userID)
	if err != nil {
		L_error("gateway: unknown approved user", "user", userID, "error", err)
		return
	}

	memories, err := o.memories.Query(userID, msg.Text, o.cfg.Memory.MaxResults)
	if err != nil {
		// Memory is additive context, not a precondition.
		L_warn("gateway: memory query failed", "user", userID, "error", err)
	}

	built := o.prompts.Build(prompt.Input{
		Persona:      o.persona,
		Skills:       o.skills.List(),
		Memories:     memories,
		DisplayName:  user.DisplayName,
		Channel:      string(msg.Ref.Channel),
		Transcript:   transcriptWindow(sess),
		Message:      msg.Text,
		BudgetTokens: o.cfg.Gateway.PromptBudgetTokens,
	})
	if built.DroppedTurns > 0 {
		L_debug("gateway: truncated transcript", "user", userID, "dropped", built.DroppedTurns)
	}

	req := backend.Request{
		UserID:       userID,
		SessionID:    sess.BackendSessionID,
		SystemPrompt: built.SystemPrompt,
		Message:      built.Message,
	}

	sender, ok := o.channels.SenderFor(msg.Ref.Channel)
	if !ok {
		L_error("gateway: no channel for reply", "channel", msg.Ref.Channel)
		return
	}

	events := o.dispatcher.Dispatch(ctx, req)
	res := o.router.Route(events, sender, msg.Ref.Channel, msg.ReplyTo)

	if res.Failed {
		L_info("gateway: turn failed", "user", userID, "reason", res.FailReason)
		// A superseded turn is not part of the conversation record; the
		// newer message's turn carries the thread. Any other failure keeps
		// the user's message in the record so a retry has its context.
		if res.FailReason != "cancelled" {
			if err := o.sessions.AppendTurn(sess, session.Turn{UserText: msg.Text}); err != nil {
				L_warn("gateway: failed to persist turn", "user", userID, "error", err)
			}
		}
		return
	}

	if res.SessionID != "" && res.SessionID != sess.BackendSessionID {
		if err := o.sessions.SetBackendSessionID(sess, res.SessionID); err != nil {
			L_warn("gateway: failed to store backend session", "error", err)
		}
	}

	turn := session.Turn{
		UserText:      msg.Text,
		AssistantText: res.Text,
		ToolEvents:    res.ToolEvents,
	}
	if err := o.sessions.AppendTurn(sess, turn); err != nil {
		L_warn("gateway: failed to persist turn", "user", userID, "error", err)
	}
}

// RunCronJob dispatches a scheduled prompt with a fresh backend context
// and delivers the result to the job's channel. Cron runs never touch
// the user's live session.
func (o *Orchestrator) RunCronJob(job *cron.Job) {
	user, err := o.identity.GetUser(job.UserID)
	if err != nil {
		L_warn("gateway: cron job for unknown user", "job", job.ID, "error", err)
		return
	}

	memories, err := o.memories.Query(job.UserID, job.Prompt, o.cfg.Memory.MaxResults)
	if err != nil {
		L_warn("gateway: cron memory query failed", "job", job.ID, "error", err)
	}

	built := o.prompts.Build(prompt.Input{
		Persona:      o.persona,
		Skills:       o.skills.List(),
		Memories:     memories,
		DisplayName:  user.DisplayName,
		Channel:      string(job.Channel),
		Message:      job.Prompt,
		BudgetTokens: o.cfg.Gateway.PromptBudgetTokens,
	})

	sender, ok := o.channels.SenderFor(job.Channel)
	if !ok {
		L_warn("gateway: cron job has no channel", "job", job.ID, "channel", job.Channel)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := o.dispatcher.Dispatch(ctx, backend.Request{
		UserID:       job.UserID,
		SystemPrompt: built.SystemPrompt,
		Message:      built.Message,
	})
	res := o.router.Route(events, sender, job.Channel, job.ReplyTo)
	if res.Failed {
		L_warn("gateway: cron dispatch failed", "job", job.ID, "reason", res.FailReason)
	}
}

func (o *Orchestrator) reply(msg *types.InboundMessage, text string) {
	err := o.channels.Send(types.OutboundMessage{
		Channel: msg.Ref.Channel,
		ReplyTo: msg.ReplyTo,
		Text:    text,
	})
	if err != nil {
		L_warn("gateway: reply failed", "channel", msg.Ref.Channel, "error", err)
	}
}

func (o *Orchestrator) slot(userID string) *userSlot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.users[userID]
	if !ok {
		s = &userSlot{}
		o.users[userID] = s
	}
	return s
}

// transcriptWindow picks the turns to inline into the prompt. The
// backend resumes its own context for the session; the inline window is
// a safety net sized well under any budget.
const maxInlineTurns = 20

func transcriptWindow(s *session.Session) []session.Turn {
	if len(s.Turns) <= maxInlineTurns {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-maxInlineTurns:]
}

// explicitMemory detects "remember ..." messages and extracts the fact.
func explicitMemory(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"remember that ", "remember: ", "remember "} {
		if strings.HasPrefix(lower, prefix) {
			fact := strings.TrimSpace(trimmed[len(prefix):])
			if fact != "" {
				return fact, true
			}
		}
	}
	return "", false
}
