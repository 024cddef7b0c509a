package router

import (
	"context"

	"xbtagent/internal/domain"
)

// ReactionIndicator marks a message with a 👀 reaction while the agent
// works on it.
type ReactionIndicator struct {
	conv      domain.Conversation
	reference string
}

// NewReactionIndicator is the default IndicatorFactory.
func NewReactionIndicator(conv domain.Conversation, ev domain.InboundEvent) domain.WorkingIndicator {
	if ev.ID == "" {
		return nil
	}
	return &ReactionIndicator{conv: conv, reference: ev.ID}
}

func (i *ReactionIndicator) ShowWorking(ctx context.Context) error {
	return i.send(ctx, domain.ReactionAdded)
}

func (i *ReactionIndicator) ClearWorking(ctx context.Context) error {
	return i.send(ctx, domain.ReactionRemoved)
}

func (i *ReactionIndicator) send(ctx context.Context, action string) error {
	return i.conv.Send(ctx, domain.OutboundMessage{
		Reaction: &domain.Reaction{
			Reference: i.reference,
			Action:    action,
			Content:   domain.WorkingReaction,
			Schema:    domain.SchemaShortcode,
		},
	})
}
