package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"xbtagent/internal/domain"
	"xbtagent/internal/metrics"
	"xbtagent/internal/store"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Consumer reads bridge envelopes. *kafka.Reader satisfies it.
type Consumer interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Producer writes send commands. *kafka.Writer satisfies it.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bridge envelope types published by the XMTP sidecar.
const (
	envelopeMessage      = "message"
	envelopeConversation = "conversation"
)

type bridgeEnvelope struct {
	Type         string              `json:"type"`
	Message      *bridgeMessage      `json:"message,omitempty"`
	Conversation *bridgeConversation `json:"conversation,omitempty"`
}

type bridgeMessage struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversationId"`
	ConversationKind string            `json:"conversationKind,omitempty"`
	SenderInboxID    string            `json:"senderInboxId"`
	ContentType      string            `json:"contentType"`
	Content          json.RawMessage   `json:"content,omitempty"`
	Fallback         string            `json:"fallback,omitempty"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	SentAtNs         int64             `json:"sentAtNs,omitempty"`
}

type bridgeConversation struct {
	ID          string               `json:"id"`
	Kind        string               `json:"kind"`
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	ImageURL    string               `json:"imageUrl,omitempty"`
	Members     []domain.GroupMember `json:"members,omitempty"`
}

// sendCommand is written to the outbound topic for the sidecar to deliver.
type sendCommand struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Text           string           `json:"text,omitempty"`
	ReplyTo        string           `json:"replyTo,omitempty"`
	Reaction       *domain.Reaction `json:"reaction,omitempty"`
}

// XMTP talks to the XMTP network through a sidecar that bridges it to Kafka.
type XMTP struct {
	history

	cfg      XMTPConfig
	consumer Consumer
	producer Producer
}

// XMTPConfig configures the XMTP bridge transport.
type XMTPConfig struct {
	Brokers       []string
	InboundTopic  string
	OutboundTopic string
	GroupID       string
	InboxID       string
	Address       string
	Username      string
	Store         StoreConfig

	// Consumer and Producer replace the Kafka clients when set.
	Consumer Consumer
	Producer Producer
	Logger   *slog.Logger
}

func NewXMTP(cfg XMTPConfig) *XMTP {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	x := &XMTP{cfg: cfg, consumer: cfg.Consumer, producer: cfg.Producer}
	x.logger = cfg.Logger
	x.send = x.sendCommand
	return x
}

func (x *XMTP) Name() string { return "xmtp" }

// Connect opens the history store and the Kafka clients. The agent identity
// is configured; the sidecar owns the XMTP keys.
func (x *XMTP) Connect(ctx context.Context) (domain.Identity, error) {
	if x.cfg.InboxID == "" {
		return domain.Identity{}, errors.New("xmtp: agent inbox id is required")
	}
	self := domain.Identity{InboxID: x.cfg.InboxID, Address: x.cfg.Address, Username: x.cfg.Username}
	if err := x.open(x.cfg.Store, self); err != nil {
		return domain.Identity{}, err
	}

	if x.consumer == nil {
		x.consumer = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  x.cfg.Brokers,
			Topic:    x.cfg.InboundTopic,
			GroupID:  x.cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	if x.producer == nil {
		x.producer = &kafka.Writer{
			Addr:         kafka.TCP(x.cfg.Brokers...),
			Topic:        x.cfg.OutboundTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}

	x.logger.Info("xmtp bridge connected",
		"inbox_id", self.InboxID,
		"brokers", strings.Join(x.cfg.Brokers, ","),
		"inbound", x.cfg.InboundTopic,
		"outbound", x.cfg.OutboundTopic,
	)
	return self, nil
}

// Start consumes bridge envelopes until ctx is done or the stream ends.
func (x *XMTP) Start(ctx context.Context, bus domain.EventBus) error {
	if x.consumer == nil {
		return errors.New("xmtp: not connected")
	}
	x.logger.Info("xmtp stream started")
	for {
		msg, err := x.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				x.logger.Info("xmtp stream stopping")
				return nil
			}
			if errors.Is(err, io.EOF) {
				x.logger.Info("xmtp stream ended")
				return nil
			}
			metrics.TransportErrors.Inc()
			x.logger.Warn("xmtp read error", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		x.handle(ctx, msg.Value, bus)
	}
}

// Stop closes the Kafka clients and the history store.
func (x *XMTP) Stop() error {
	var errs []error
	if x.consumer != nil {
		errs = append(errs, x.consumer.Close())
	}
	if x.producer != nil {
		errs = append(errs, x.producer.Close())
	}
	errs = append(errs, x.close())
	return errors.Join(errs...)
}

func (x *XMTP) handle(ctx context.Context, value []byte, bus domain.EventBus) {
	var env bridgeEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		metrics.TransportErrors.Inc()
		x.logger.Warn("xmtp envelope is not valid JSON", "err", err, "size", len(value))
		return
	}

	switch {
	case env.Type == envelopeConversation && env.Conversation != nil:
		x.applySnapshot(ctx, *env.Conversation)
	case env.Type == envelopeMessage && env.Message != nil:
		ev := x.toEvent(*env.Message)
		if ev.ConversationID == "" {
			x.logger.Warn("xmtp message without conversation", "event", ev.ID)
			return
		}
		x.ensure(ctx, ev.ConversationID, domain.ParseConversationKind(env.Message.ConversationKind))
		if u, ok := ev.Content.(domain.GroupUpdatedContent); ok {
			if err := x.store.ApplyGroupUpdate(ctx, ev.ConversationID, u); err != nil {
				x.logger.Warn("applying group update failed", "conversation", ev.ConversationID, "err", err)
			}
		}
		x.record(ctx, ev)
		bus.Publish(ev)
	default:
		x.logger.Debug("xmtp envelope ignored", "type", env.Type)
	}
}

func (x *XMTP) applySnapshot(ctx context.Context, c bridgeConversation) {
	if c.ID == "" {
		return
	}
	rec := store.ConversationRecord{
		ID:          c.ID,
		Kind:        domain.ParseConversationKind(c.Kind),
		Name:        c.Name,
		Description: c.Description,
		ImageURL:    c.ImageURL,
	}
	if err := x.store.UpsertConversation(ctx, rec); err != nil {
		x.logger.Warn("storing conversation failed", "conversation", c.ID, "err", err)
		return
	}
	if c.Members != nil {
		if err := x.store.SetMembers(ctx, c.ID, c.Members); err != nil {
			x.logger.Warn("storing members failed", "conversation", c.ID, "err", err)
		}
	}
	x.logger.Debug("conversation synced", "conversation", c.ID, "kind", rec.Kind, "members", len(c.Members))
}

func (x *XMTP) toEvent(m bridgeMessage) domain.InboundEvent {
	typeID := normalizeContentType(m.ContentType)
	sentAt := time.Now()
	if m.SentAtNs > 0 {
		sentAt = time.Unix(0, m.SentAtNs)
	}
	c, err := decodeContent(typeID, m.Content)
	if err != nil {
		x.logger.Debug("xmtp content not decoded", "event", m.ID, "type", typeID, "err", err)
	}
	return domain.InboundEvent{
		ID:             m.ID,
		SenderInboxID:  m.SenderInboxID,
		ConversationID: m.ConversationID,
		Kind:           domain.ParseContentKind(typeID),
		TypeID:         typeID,
		Content:        c,
		Fallback:       m.Fallback,
		Parameters:     m.Parameters,
		SentAt:         sentAt,
	}
}

// normalizeContentType maps "xmtp.org/reply:1.0" to "reply".
func normalizeContentType(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	if s == "groupUpdated" {
		return domain.TypeGroupUpdated
	}
	return s
}

// decodeContent returns nil content for absent payloads and for payloads
// that do not match their declared type.
func decodeContent(typeID string, raw json.RawMessage) (domain.Content, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	switch typeID {
	case domain.TypeText:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return domain.TextContent{Text: s}, nil
		}
		var t domain.TextContent
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return t, nil
	case domain.TypeReply:
		var r domain.ReplyContent
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case domain.TypeReaction:
		var r domain.ReactionContent
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	case domain.TypeGroupUpdated:
		var g domain.GroupUpdatedContent
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, err
		}
		return g, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return domain.RawContent{Value: v}, nil
	}
}

// sendCommand publishes the message for the sidecar. The sidecar echoes
// delivered messages back on the inbound topic, where they are recorded.
func (x *XMTP) sendCommand(ctx context.Context, conversationID string, msg domain.OutboundMessage) (string, error) {
	if x.producer == nil {
		return "", errors.New("xmtp: not connected")
	}
	cmd := sendCommand{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Text:           msg.Text,
		ReplyTo:        msg.ReplyTo,
		Reaction:       msg.Reaction,
	}
	value, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode send command: %w", err)
	}
	err = x.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(conversationID),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("xmtp send to %s: %w", conversationID, err)
	}
	return "", nil
}
