// Package addressing decides whether a group message is directed at the agent.
package addressing

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"xbtagent/internal/content"
	"xbtagent/internal/domain"
)

// Detector recognizes @-mentions of the agent and replies to the agent's
// own messages.
type Detector struct {
	inboxID string
	mention string // normalized "@username", empty when no username is configured
	lookup  domain.ConversationLookup
	logger  *slog.Logger
}

type DetectorConfig struct {
	InboxID  string
	Username string
	Lookup   domain.ConversationLookup
	Logger   *slog.Logger
}

func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Detector{
		inboxID: cfg.InboxID,
		lookup:  cfg.Lookup,
		logger:  cfg.Logger,
	}
	if u := strings.TrimPrefix(normalize(cfg.Username), "@"); u != "" {
		d.mention = "@" + u
	}
	return d
}

// IsAddressedToAgent reports whether ev mentions the agent or replies to
// one of its messages. Lookup failures resolve to false.
func (d *Detector) IsAddressedToAgent(ctx context.Context, ev domain.InboundEvent) bool {
	text := content.Extract(ev)
	if strings.TrimSpace(text) == "" {
		return false
	}
	if d.MentionsAgent(text) {
		return true
	}
	if ev.Kind != domain.KindReply {
		return false
	}
	return d.ReplyToAgent(ctx, ev)
}

// MentionsAgent reports whether text contains "@<username>" after
// normalization.
func (d *Detector) MentionsAgent(text string) bool {
	if d.mention == "" {
		return false
	}
	return strings.Contains(normalize(text), d.mention)
}

// ReplyToAgent resolves the referenced message and compares its sender
// with the agent's inbox id.
func (d *Detector) ReplyToAgent(ctx context.Context, ev domain.InboundEvent) bool {
	ref := replyReference(ev)
	if ref == "" || d.lookup == nil {
		return false
	}

	conv, err := d.lookup.Conversation(ctx, ev.ConversationID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			d.logger.Debug("reply check: conversation not found", "conversation", ev.ConversationID)
		} else {
			d.logger.Warn("reply check: conversation lookup failed", "conversation", ev.ConversationID, "err", err)
		}
		return false
	}

	history, err := conv.Messages(ctx)
	if err != nil {
		d.logger.Warn("reply check: history fetch failed", "conversation", ev.ConversationID, "err", err)
		return false
	}

	for _, m := range history {
		if m.ID == ref {
			return strings.EqualFold(m.SenderInboxID, d.inboxID)
		}
	}
	return false
}

func replyReference(ev domain.InboundEvent) string {
	if ref := ev.Param("reference"); ref != "" {
		return ref
	}
	if reply, ok := ev.Content.(domain.ReplyContent); ok {
		return reply.Reference
	}
	return ""
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(strings.ToLower(s)))
}
