// Package channel holds the messaging network adapters. Every adapter keeps
// its conversations, group metadata and members in the local history store
// so the router sees one uniform view regardless of the network.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"xbtagent/internal/content"
	"xbtagent/internal/domain"
	"xbtagent/internal/store"
)

// sendFunc delivers a message on the network and returns the platform id
// of the sent message. An empty id means the message is not recorded
// locally (the network echoes it back instead).
type sendFunc func(ctx context.Context, conversationID string, msg domain.OutboundMessage) (string, error)

// StoreConfig locates the local history database.
type StoreConfig struct {
	DataDir string
	Env     string
}

// history is the store-backed state shared by the adapters.
type history struct {
	store  *store.SQLiteStore
	self   domain.Identity
	send   sendFunc
	logger *slog.Logger
}

func (h *history) open(cfg StoreConfig, self domain.Identity) error {
	path := store.Path(cfg.DataDir, cfg.Env, self.InboxID)
	st, err := store.NewSQLiteStore(path, h.logger)
	if err != nil {
		return fmt.Errorf("open history %s: %w", path, err)
	}
	h.store = st
	h.self = self
	h.logger.Info("history store opened", "path", path)
	return nil
}

func (h *history) close() error {
	if h.store == nil {
		return nil
	}
	err := h.store.Close()
	h.store = nil
	return err
}

// record stores an inbound event in the conversation history.
func (h *history) record(ctx context.Context, ev domain.InboundEvent) {
	if ev.ID == "" || ev.ConversationID == "" {
		return
	}
	msg := domain.HistoryMessage{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		SenderInboxID:  ev.SenderInboxID,
		Kind:           ev.Kind,
		Text:           content.Extract(ev),
		Reference:      referenceOf(ev),
		SentAt:         ev.SentAt,
	}
	if err := h.store.RecordMessage(ctx, msg); err != nil {
		h.logger.Warn("recording message failed", "event", ev.ID, "conversation", ev.ConversationID, "err", err)
	}
}

// ensure registers a conversation seen for the first time.
func (h *history) ensure(ctx context.Context, id string, kind domain.ConversationKind) {
	if err := h.store.EnsureConversation(ctx, id, kind); err != nil {
		h.logger.Warn("registering conversation failed", "conversation", id, "err", err)
	}
}

// learnMember adds a message author to a group's member list.
func (h *history) learnMember(ctx context.Context, conversationID, inboxID string) {
	if err := h.store.AddMembers(ctx, conversationID, []domain.GroupMember{{InboxID: inboxID}}); err != nil {
		h.logger.Warn("storing group member failed", "conversation", conversationID, "member", inboxID, "err", err)
	}
}

// Conversation implements domain.ConversationLookup.
func (h *history) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	if h.store == nil {
		return nil, fmt.Errorf("conversation %s: transport not connected", id)
	}
	rec, err := h.store.Conversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	return &conversation{id: rec.ID, kind: rec.Kind, h: h}, nil
}

func referenceOf(ev domain.InboundEvent) string {
	if ref := ev.Param("reference"); ref != "" {
		return ref
	}
	switch c := ev.Content.(type) {
	case domain.ReplyContent:
		return c.Reference
	case domain.ReactionContent:
		return c.Reference
	}
	return ""
}

// conversation implements domain.GroupConversation over the history store.
// Direct messages answer Info and Members too; the router only asks groups.
type conversation struct {
	id   string
	kind domain.ConversationKind
	h    *history
}

func (c *conversation) ID() string                    { return c.id }
func (c *conversation) Kind() domain.ConversationKind { return c.kind }

func (c *conversation) Messages(ctx context.Context) ([]domain.HistoryMessage, error) {
	return c.h.store.Messages(ctx, c.id)
}

func (c *conversation) Send(ctx context.Context, msg domain.OutboundMessage) error {
	id, err := c.h.send(ctx, c.id, msg)
	if err != nil {
		return err
	}
	if id == "" || msg.Reaction != nil {
		return nil
	}
	kind := domain.KindText
	if msg.ReplyTo != "" {
		kind = domain.KindReply
	}
	if err := c.h.store.RecordMessage(ctx, domain.HistoryMessage{
		ID:             id,
		ConversationID: c.id,
		SenderInboxID:  c.h.self.InboxID,
		Kind:           kind,
		Text:           msg.Text,
		Reference:      msg.ReplyTo,
		SentAt:         time.Now(),
	}); err != nil {
		c.h.logger.Warn("recording sent message failed", "conversation", c.id, "err", err)
	}
	return nil
}

func (c *conversation) Info(ctx context.Context) (domain.GroupInfo, error) {
	rec, err := c.h.store.Conversation(ctx, c.id)
	if err != nil {
		return domain.GroupInfo{}, err
	}
	if rec == nil {
		return domain.GroupInfo{ID: c.id}, nil
	}
	return rec.Info(), nil
}

func (c *conversation) Members(ctx context.Context) ([]domain.GroupMember, error) {
	return c.h.store.Members(ctx, c.id)
}
