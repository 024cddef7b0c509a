package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"xbtagent/internal/bus"
	"xbtagent/internal/domain"

	"github.com/segmentio/kafka-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// chanConsumer is an in-process Consumer backed by a Go channel.
// Closing the channel ends the stream.
type chanConsumer struct {
	ch chan kafka.Message
}

func newChanConsumer() *chanConsumer {
	return &chanConsumer{ch: make(chan kafka.Message, 16)}
}

func (c *chanConsumer) push(t *testing.T, env any) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	c.ch <- kafka.Message{Value: b}
}

func (c *chanConsumer) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m, ok := <-c.ch:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	}
}

func (c *chanConsumer) Close() error { return nil }

type memProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *memProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *memProducer) Close() error { return nil }

func (p *memProducer) commands(t *testing.T) []sendCommand {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sendCommand
	for _, m := range p.msgs {
		var cmd sendCommand
		if err := json.Unmarshal(m.Value, &cmd); err != nil {
			t.Fatal(err)
		}
		out = append(out, cmd)
	}
	return out
}

func newTestXMTP(t *testing.T) (*XMTP, *chanConsumer, *memProducer) {
	t.Helper()
	consumer := newChanConsumer()
	producer := &memProducer{}
	x := NewXMTP(XMTPConfig{
		InboxID:  "agent-inbox-123456",
		Address:  "0xAgent",
		Username: "xbt",
		Store:    StoreConfig{DataDir: t.TempDir(), Env: "dev"},
		Consumer: consumer,
		Producer: producer,
		Logger:   testLogger(),
	})
	id, err := x.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if id.InboxID != "agent-inbox-123456" || id.Username != "xbt" {
		t.Fatalf("unexpected identity %+v", id)
	}
	t.Cleanup(func() { x.Stop() })
	return x, consumer, producer
}

func drain(b *bus.InMemoryBus) []domain.InboundEvent {
	var out []domain.InboundEvent
	for {
		select {
		case ev := <-b.Subscribe():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestXMTP_StreamRecordsAndPublishes(t *testing.T) {
	x, consumer, _ := newTestXMTP(t)

	consumer.push(t, bridgeEnvelope{Type: envelopeConversation, Conversation: &bridgeConversation{
		ID:   "group-1",
		Kind: "group",
		Name: "Builders",
		Members: []domain.GroupMember{
			{InboxID: "alice", Identifiers: []domain.AccountIdentifier{{Kind: "ethereum", Identifier: "0xA11CE"}}},
			{InboxID: "agent-inbox-123456"},
		},
	}})
	consumer.push(t, bridgeEnvelope{Type: envelopeMessage, Message: &bridgeMessage{
		ID:               "m1",
		ConversationID:   "group-1",
		ConversationKind: "group",
		SenderInboxID:    "alice",
		ContentType:      "xmtp.org/text:1.0",
		Content:          json.RawMessage(`"hey @xbt"`),
		SentAtNs:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano(),
	}})
	consumer.push(t, bridgeEnvelope{Type: "typing"})
	close(consumer.ch)

	b := bus.New(10, testLogger())
	if err := x.Start(context.Background(), b); err != nil {
		t.Fatalf("start: %v", err)
	}

	events := drain(b)
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != domain.KindText || ev.TypeID != "text" {
		t.Fatalf("unexpected kind %v / %q", ev.Kind, ev.TypeID)
	}
	if tc, ok := ev.Content.(domain.TextContent); !ok || tc.Text != "hey @xbt" {
		t.Fatalf("unexpected content %#v", ev.Content)
	}
	if ev.SentAt.Year() != 2026 {
		t.Fatalf("unexpected sent at %v", ev.SentAt)
	}

	conv, err := x.Conversation(context.Background(), "group-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if conv.Kind() != domain.Group {
		t.Fatalf("expected group, got %v", conv.Kind())
	}
	group := conv.(domain.GroupConversation)
	info, _ := group.Info(context.Background())
	if info.Name != "Builders" {
		t.Fatalf("unexpected group info %+v", info)
	}
	members, _ := group.Members(context.Background())
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	history, _ := conv.Messages(context.Background())
	if len(history) != 1 || history[0].Text != "hey @xbt" || history[0].SenderInboxID != "alice" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestXMTP_GroupUpdateAppliedBeforePublish(t *testing.T) {
	x, consumer, _ := newTestXMTP(t)
	ctx := context.Background()

	consumer.push(t, bridgeEnvelope{Type: envelopeConversation, Conversation: &bridgeConversation{
		ID: "g", Kind: "group", Name: "Old",
		Members: []domain.GroupMember{{InboxID: "alice"}, {InboxID: "bob"}},
	}})
	consumer.push(t, bridgeEnvelope{Type: envelopeMessage, Message: &bridgeMessage{
		ID: "u1", ConversationID: "g", ConversationKind: "group", SenderInboxID: "alice",
		ContentType: "xmtp.org/group_updated:1.0",
		Content: json.RawMessage(`{"metadataFieldChanges":[{"fieldName":"group_name","oldValue":"Old","newValue":"New"}],` +
			`"removedInboxes":[{"inboxId":"bob"}]}`),
	}})
	close(consumer.ch)

	b := bus.New(10, testLogger())
	if err := x.Start(ctx, b); err != nil {
		t.Fatal(err)
	}
	events := drain(b)
	if len(events) != 1 || events[0].Kind != domain.KindGroupUpdated {
		t.Fatalf("expected one group update event, got %+v", events)
	}

	conv, _ := x.Conversation(ctx, "g")
	group := conv.(domain.GroupConversation)
	info, _ := group.Info(ctx)
	if info.Name != "New" {
		t.Fatalf("expected rename applied, got %q", info.Name)
	}
	members, _ := group.Members(ctx)
	if len(members) != 1 || members[0].InboxID != "alice" {
		t.Fatalf("expected bob removed, got %+v", members)
	}
}

func TestXMTP_SendWritesCommand(t *testing.T) {
	x, consumer, producer := newTestXMTP(t)
	ctx := context.Background()

	consumer.push(t, bridgeEnvelope{Type: envelopeMessage, Message: &bridgeMessage{
		ID: "m1", ConversationID: "dm-1", SenderInboxID: "alice",
		ContentType: "text", Content: json.RawMessage(`{"text":"hello"}`),
	}})
	close(consumer.ch)
	if err := x.Start(ctx, bus.New(10, testLogger())); err != nil {
		t.Fatal(err)
	}

	conv, err := x.Conversation(ctx, "dm-1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Kind() != domain.DirectMessage {
		t.Fatalf("expected dm, got %v", conv.Kind())
	}
	if err := conv.Send(ctx, domain.OutboundMessage{Text: "hi", ReplyTo: "m1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	reaction := &domain.Reaction{Reference: "m1", Action: domain.ReactionAdded, Content: domain.WorkingReaction, Schema: domain.SchemaShortcode}
	if err := conv.Send(ctx, domain.OutboundMessage{Reaction: reaction}); err != nil {
		t.Fatalf("send reaction: %v", err)
	}

	cmds := producer.commands(t)
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].ConversationID != "dm-1" || cmds[0].Text != "hi" || cmds[0].ReplyTo != "m1" || cmds[0].ID == "" {
		t.Fatalf("unexpected reply command %+v", cmds[0])
	}
	if cmds[1].Reaction == nil || cmds[1].Reaction.Action != domain.ReactionAdded {
		t.Fatalf("unexpected reaction command %+v", cmds[1])
	}
	if string(producer.msgs[0].Key) != "dm-1" {
		t.Fatalf("expected conversation key, got %q", producer.msgs[0].Key)
	}

	// The sidecar echo records sent messages, not the send itself.
	history, _ := conv.Messages(ctx)
	if len(history) != 1 {
		t.Fatalf("expected only the inbound message in history, got %d", len(history))
	}
}

func TestXMTP_SendFailure(t *testing.T) {
	x, consumer, producer := newTestXMTP(t)
	ctx := context.Background()
	consumer.push(t, bridgeEnvelope{Type: envelopeMessage, Message: &bridgeMessage{
		ID: "m1", ConversationID: "dm-1", SenderInboxID: "alice", ContentType: "text", Content: json.RawMessage(`"x"`),
	}})
	close(consumer.ch)
	_ = x.Start(ctx, bus.New(10, testLogger()))

	producer.err = errors.New("broker down")
	conv, _ := x.Conversation(ctx, "dm-1")
	if err := conv.Send(ctx, domain.OutboundMessage{Text: "hi"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestXMTP_UnknownConversation(t *testing.T) {
	x, _, _ := newTestXMTP(t)
	_, err := x.Conversation(context.Background(), "nope")
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestXMTP_ConnectRequiresInbox(t *testing.T) {
	x := NewXMTP(XMTPConfig{Logger: testLogger()})
	if _, err := x.Connect(context.Background()); err == nil {
		t.Fatal("expected error without inbox id")
	}
}

func TestXMTP_StopsOnCancel(t *testing.T) {
	x, _, _ := newTestXMTP(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Start(ctx, bus.New(10, testLogger())) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after cancel")
	}
}

func TestNormalizeContentType(t *testing.T) {
	tests := map[string]string{
		"xmtp.org/text:1.0":          "text",
		"xmtp.org/reply:1.0":         "reply",
		"xmtp.org/group_updated:1.0": "group_updated",
		"groupUpdated":               "group_updated",
		"reaction":                   "reaction",
		"xmtp.org/attachment:1.0":    "attachment",
	}
	for in, want := range tests {
		if got := normalizeContentType(in); got != want {
			t.Errorf("normalizeContentType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeContent(t *testing.T) {
	c, err := decodeContent("reply", json.RawMessage(`{"reference":"r1","content":{"text":"nested"}}`))
	if err != nil {
		t.Fatal(err)
	}
	reply, ok := c.(domain.ReplyContent)
	if !ok || reply.Reference != "r1" {
		t.Fatalf("unexpected reply %#v", c)
	}
	if _, ok := reply.Content.(map[string]any); !ok {
		t.Fatalf("expected nested payload preserved, got %T", reply.Content)
	}

	if c, _ := decodeContent("text", nil); c != nil {
		t.Fatalf("expected nil for absent payload, got %#v", c)
	}
	if c, _ := decodeContent("text", json.RawMessage(`null`)); c != nil {
		t.Fatalf("expected nil for null payload, got %#v", c)
	}
	if c, err := decodeContent("reaction", json.RawMessage(`"oops"`)); c != nil || err == nil {
		t.Fatalf("expected decode error, got %#v %v", c, err)
	}
	c, _ = decodeContent("attachment", json.RawMessage(`{"filename":"a.png"}`))
	if _, ok := c.(domain.RawContent); !ok {
		t.Fatalf("expected raw content, got %T", c)
	}
}
