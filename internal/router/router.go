// Package router consumes inbound events, decides which ones the agent
// answers and sends the backend's answers back to the conversation.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"xbtagent/internal/content"
	"xbtagent/internal/domain"
	"xbtagent/internal/groupdiff"
	"xbtagent/internal/metrics"
)

const defaultConcurrency = 8

// GroupPolicy selects which group messages are answered.
type GroupPolicy string

const (
	// PolicyAddressed answers only mentions of the agent and replies to its messages.
	PolicyAddressed GroupPolicy = "addressed"
	// PolicyAll answers every content-bearing group message.
	PolicyAll GroupPolicy = "all"
)

// ParseGroupPolicy returns the policy for s; "" maps to PolicyAddressed.
func ParseGroupPolicy(s string) (GroupPolicy, error) {
	switch GroupPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAddressed:
		return PolicyAddressed, nil
	case PolicyAll:
		return PolicyAll, nil
	default:
		return "", fmt.Errorf("unknown group policy %q (want addressed or all)", s)
	}
}

// Outcome is what the router did with one event.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeNotAddressed Outcome = "not_addressed"
	OutcomeGroupUpdated Outcome = "group_updated"
	OutcomeAnswered     Outcome = "answered"
	OutcomeNoAnswer     Outcome = "no_answer"
	OutcomeFailed       Outcome = "failed"
)

// Addresser decides whether a group event is addressed to the agent.
type Addresser interface {
	IsAddressedToAgent(ctx context.Context, ev domain.InboundEvent) bool
}

// IndicatorFactory builds the working indicator for one event.
type IndicatorFactory func(conv domain.Conversation, ev domain.InboundEvent) domain.WorkingIndicator

// Router is the event loop: receive event, filter, classify, ask backend, reply.
type Router struct {
	bus           domain.EventBus
	conversations domain.ConversationLookup
	backend       domain.Backend
	metadata      domain.MetadataUpdater
	addresser     Addresser
	identity      domain.Identity
	roster        groupdiff.RosterChecker
	policy        GroupPolicy
	indicator     IndicatorFactory
	concurrency   int
	logger        *slog.Logger

	mu       sync.Mutex
	draining bool
	handlers sync.WaitGroup
	pushes   sync.WaitGroup
}

// Config holds the router's collaborators.
type Config struct {
	Bus           domain.EventBus
	Conversations domain.ConversationLookup
	Backend       domain.Backend
	Metadata      domain.MetadataUpdater // optional: group metadata deltas are dropped when nil
	Addresser     Addresser
	Identity      domain.Identity
	Roster        groupdiff.RosterChecker
	GroupPolicy   GroupPolicy
	Indicator     IndicatorFactory // optional: no working indicator when nil
	Concurrency   int              // max events handled at once (default 8)
	Logger        *slog.Logger
}

func New(cfg Config) *Router {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.GroupPolicy == "" {
		cfg.GroupPolicy = PolicyAddressed
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		bus:           cfg.Bus,
		conversations: cfg.Conversations,
		backend:       cfg.Backend,
		metadata:      cfg.Metadata,
		addresser:     cfg.Addresser,
		identity:      cfg.Identity,
		roster:        cfg.Roster,
		policy:        cfg.GroupPolicy,
		indicator:     cfg.Indicator,
		concurrency:   cfg.Concurrency,
		logger:        cfg.Logger,
	}
}

// Run consumes inbound events with bounded concurrency until ctx is done
// or the bus is closed. Handlers run detached from ctx, so cancelling it
// stops intake without aborting answers already in progress; use Wait to
// drain them.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("router started", "concurrency", r.concurrency, "group_policy", r.policy)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopping")
			return
		case ev, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound bus closed, router stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				r.logger.Info("router stopping")
				return
			}
			if !r.track() {
				<-sem
				r.logger.Info("router draining, event dropped", "event", ev.ID)
				return
			}
			go func(ev domain.InboundEvent) {
				defer r.handlers.Done()
				defer func() { <-sem }()
				defer func() {
					if p := recover(); p != nil {
						r.logger.Error("event handler panicked", "event", ev.ID, "panic", p)
					}
				}()
				r.HandleEvent(handlerCtx, ev)
			}(ev)
		}
	}
}

// track registers a handler unless Wait has started draining.
func (r *Router) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.handlers.Add(1)
	return true
}

// Wait blocks until running handlers and pending group metadata pushes
// finish, or ctx is done. No new handlers start once Wait is called.
func (r *Router) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.handlers.Wait()
		r.pushes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent processes a single event synchronously.
func (r *Router) HandleEvent(ctx context.Context, ev domain.InboundEvent) Outcome {
	metrics.EventsReceived.Inc()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	if reason := r.skipReason(ev); reason != "" {
		metrics.EventsSkipped.Inc()
		r.logger.Debug("event skipped", "event", ev.ID, "reason", reason)
		return OutcomeSkipped
	}

	conv, err := r.conversations.Conversation(ctx, ev.ConversationID)
	if err != nil {
		r.logger.Warn("conversation lookup failed", "event", ev.ID, "conversation", ev.ConversationID, "err", err)
		return OutcomeFailed
	}

	ex := content.Inspect(ev)
	if ex.Source == content.SourceDiagnostic {
		metrics.UnhandledContent.Inc()
		r.logger.Warn("unrecognized reply payload, using serialized form",
			"event", ev.ID,
			"type", ev.TypeID,
			"payload_len", len(ex.Text),
		)
	}

	if conv.Kind() == domain.DirectMessage {
		return r.answer(ctx, conv, ev, ex.Text)
	}

	if ev.Kind == domain.KindGroupUpdated {
		r.handleGroupUpdate(ctx, conv, ev)
		return OutcomeGroupUpdated
	}

	if !r.addressed(ctx, ev) {
		metrics.GroupNotAddressed.Inc()
		r.logger.Debug("group message not addressed to agent", "event", ev.ID, "conversation", conv.ID())
		return OutcomeNotAddressed
	}
	return r.answer(ctx, conv, ev, ex.Text)
}

func (r *Router) skipReason(ev domain.InboundEvent) string {
	switch {
	case ev.Content == nil:
		return "no content"
	case ev.SenderInboxID != "" && strings.EqualFold(ev.SenderInboxID, r.identity.InboxID):
		return "own message"
	case ev.Kind == domain.KindReaction:
		return "reaction"
	}
	return ""
}

func (r *Router) addressed(ctx context.Context, ev domain.InboundEvent) bool {
	if r.policy == PolicyAll {
		return true
	}
	if r.addresser == nil {
		return false
	}
	return r.addresser.IsAddressedToAgent(ctx, ev)
}

// answer asks the backend and replies in a thread to ev.
func (r *Router) answer(ctx context.Context, conv domain.Conversation, ev domain.InboundEvent, question string) Outcome {
	var indicator domain.WorkingIndicator
	if r.indicator != nil {
		indicator = r.indicator(conv, ev)
	}
	if indicator != nil {
		if err := indicator.ShowWorking(ctx); err != nil {
			r.logger.Debug("working indicator failed", "event", ev.ID, "err", err)
		}
		defer func() {
			if err := indicator.ClearWorking(ctx); err != nil {
				r.logger.Debug("clearing working indicator failed", "event", ev.ID, "err", err)
			}
		}()
	}

	r.logger.Info("asking backend",
		"event", ev.ID,
		"conversation", conv.ID(),
		"kind", conv.Kind(),
		"question_len", len(question),
	)

	metrics.BackendRequests.Inc()
	start := time.Now()
	resp, err := r.backend.Ask(ctx, domain.AskRequest{
		Question:       question,
		ConversationID: conv.ID(),
		MessageID:      ev.ID,
		SenderInboxID:  ev.SenderInboxID,
		IsGroup:        conv.Kind() == domain.Group,
	})
	metrics.BackendLatency.ObserveSince(start)
	if err != nil {
		metrics.BackendFailures.Inc()
		r.logger.Error("backend request failed", "event", ev.ID, "conversation", conv.ID(), "err", err)
		return OutcomeFailed
	}

	answer := resp.Answer()
	if strings.TrimSpace(answer) == "" {
		metrics.BackendFailures.Inc()
		r.logger.Info("backend returned no answer", "event", ev.ID, "status", resp.Status, "message", resp.Message)
		return OutcomeNoAnswer
	}

	if err := conv.Send(ctx, domain.OutboundMessage{Text: answer, ReplyTo: ev.ID}); err != nil {
		metrics.ReplyFailures.Inc()
		r.logger.Error("reply send failed", "event", ev.ID, "conversation", conv.ID(), "err", err)
		return OutcomeFailed
	}
	metrics.RepliesSent.Inc()
	r.logger.Info("reply sent", "event", ev.ID, "conversation", conv.ID(), "answer_len", len(answer))
	return OutcomeAnswered
}

func (r *Router) handleGroupUpdate(ctx context.Context, conv domain.Conversation, ev domain.InboundEvent) {
	update, ok := ev.Content.(domain.GroupUpdatedContent)
	if !ok {
		r.logger.Warn("group update without group update payload", "event", ev.ID, "type", fmt.Sprintf("%T", ev.Content))
		return
	}
	group, ok := conv.(domain.GroupConversation)
	if !ok {
		r.logger.Warn("group update on a conversation without group metadata", "conversation", conv.ID())
		return
	}

	info, err := group.Info(ctx)
	if err != nil {
		r.logger.Warn("group info unavailable", "conversation", conv.ID(), "err", err)
		return
	}
	members, err := group.Members(ctx)
	if err != nil {
		// Without members no address resolves; the delta still reports ids.
		r.logger.Warn("group members unavailable", "conversation", conv.ID(), "err", err)
	}

	delta := groupdiff.Diff(groupdiff.Input{
		Group:        info,
		Update:       update,
		Members:      members,
		AgentInboxID: r.identity.InboxID,
		AgentAddress: r.identity.Address,
		Roster:       r.roster,
	})
	r.logger.Info("group updated",
		"conversation", conv.ID(),
		"added", len(delta.AddedInboxes),
		"removed", len(delta.RemovedInboxes),
		"members_to_add", len(delta.MembersToAdd),
	)

	if r.metadata == nil {
		return
	}
	r.pushes.Add(1)
	go func() {
		defer r.pushes.Done()
		pushCtx := context.WithoutCancel(ctx)
		if err := r.metadata.UpdateGroupMetadata(pushCtx, delta); err != nil {
			metrics.MetadataFailures.Inc()
			r.logger.Warn("group metadata push failed", "conversation", delta.GroupID, "err", err)
			return
		}
		metrics.MetadataPushes.Inc()
	}()
}
