package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"xbtagent/internal/bus"
	"xbtagent/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeBotAPI records Bot API calls by method name.
type fakeBotAPI struct {
	mu    sync.Mutex
	calls map[string][]map[string]string
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	form := map[string]string{}
	for k := range r.Form {
		form[k] = r.Form.Get(k)
	}
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string][]map[string]string{}
	}
	f.calls[method] = append(f.calls[method], form)
	n := len(f.calls[method])
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":777,"is_bot":true,"first_name":"XBT","username":"xbt_bot"}}`)
	case "sendMessage":
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":-100,"type":"group"}}}`, 90+n)
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeBotAPI) get(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestTelegram(t *testing.T) (*Telegram, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	tg := NewTelegram(TelegramConfig{
		Token:       "123:abc",
		APIEndpoint: srv.URL + "/bot%s/%s",
		Store:       StoreConfig{DataDir: t.TempDir(), Env: "dev"},
		Logger:      testLogger(),
	})
	id, err := tg.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if id.InboxID != "777" || id.Username != "xbt_bot" {
		t.Fatalf("unexpected identity %+v", id)
	}
	t.Cleanup(func() { tg.Stop() })
	return tg, api
}

func groupMessage(id int, from int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: from, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup", Title: "Builders"},
		Date:      1700000000,
		Text:      text,
	}
}

func TestTelegram_HandleUpdateAndReply(t *testing.T) {
	tg, api := newTestTelegram(t)
	ctx := context.Background()
	b := bus.New(10, testLogger())

	tg.handleUpdate(ctx, tgbotapi.Update{Message: groupMessage(10, 5, "hey @xbt_bot")}, b)

	events := drain(b)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ConversationID != "-100" || events[0].SenderInboxID != "5" || events[0].Kind != domain.KindText {
		t.Fatalf("unexpected event %+v", events[0])
	}

	conv, err := tg.Conversation(ctx, "-100")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Kind() != domain.Group {
		t.Fatalf("expected group, got %v", conv.Kind())
	}
	info, _ := conv.(domain.GroupConversation).Info(ctx)
	if info.Name != "Builders" {
		t.Fatalf("expected stored title, got %q", info.Name)
	}

	if err := conv.Send(ctx, domain.OutboundMessage{Text: "hi there", ReplyTo: "10"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := api.get("sendMessage")
	if len(sent) != 1 || sent[0]["text"] != "hi there" || sent[0]["reply_to_message_id"] != "10" {
		t.Fatalf("unexpected sendMessage calls %v", sent)
	}

	history, _ := conv.Messages(ctx)
	if len(history) != 2 {
		t.Fatalf("expected inbound and outbound in history, got %d", len(history))
	}
	last := history[1]
	if last.ID != "91" || last.SenderInboxID != "777" || last.Reference != "10" {
		t.Fatalf("unexpected recorded reply %+v", last)
	}
}

func TestTelegram_Reaction(t *testing.T) {
	tg, api := newTestTelegram(t)
	ctx := context.Background()
	tg.handleUpdate(ctx, tgbotapi.Update{Message: groupMessage(10, 5, "hello")}, bus.New(10, testLogger()))

	conv, _ := tg.Conversation(ctx, "-100")
	add := &domain.Reaction{Reference: "10", Action: domain.ReactionAdded, Content: domain.WorkingReaction, Schema: domain.SchemaShortcode}
	if err := conv.Send(ctx, domain.OutboundMessage{Reaction: add}); err != nil {
		t.Fatal(err)
	}
	remove := *add
	remove.Action = domain.ReactionRemoved
	if err := conv.Send(ctx, domain.OutboundMessage{Reaction: &remove}); err != nil {
		t.Fatal(err)
	}

	calls := api.get("setMessageReaction")
	if len(calls) != 2 {
		t.Fatalf("expected 2 reaction calls, got %d", len(calls))
	}
	if calls[0]["message_id"] != "10" || !strings.Contains(calls[0]["reaction"], domain.WorkingReaction) {
		t.Fatalf("unexpected add call %v", calls[0])
	}
	if calls[1]["reaction"] != "[]" {
		t.Fatalf("expected reaction cleared, got %v", calls[1])
	}
	if len(api.get("sendChatAction")) != 1 {
		t.Fatal("expected typing action with the added reaction")
	}
	history, _ := conv.Messages(ctx)
	if len(history) != 1 {
		t.Fatalf("reactions must not be recorded, got %d messages", len(history))
	}
}

func TestTelegram_MembershipUpdates(t *testing.T) {
	tg, _ := newTestTelegram(t)
	ctx := context.Background()
	b := bus.New(10, testLogger())

	tg.handleUpdate(ctx, tgbotapi.Update{Message: groupMessage(1, 5, "first")}, b)
	tg.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      2,
		From:           &tgbotapi.User{ID: 5},
		Chat:           &tgbotapi.Chat{ID: -100, Type: "group"},
		NewChatMembers: []tgbotapi.User{{ID: 6}, {ID: 7}},
	}}, b)
	tg.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      3,
		From:           &tgbotapi.User{ID: 7},
		Chat:           &tgbotapi.Chat{ID: -100, Type: "group"},
		LeftChatMember: &tgbotapi.User{ID: 7},
	}}, b)

	events := drain(b)
	if len(events) != 3 || events[1].Kind != domain.KindGroupUpdated || events[2].Kind != domain.KindGroupUpdated {
		t.Fatalf("unexpected events %+v", events)
	}

	conv, _ := tg.Conversation(ctx, "-100")
	members, _ := conv.(domain.GroupConversation).Members(ctx)
	got := map[string]bool{}
	for _, m := range members {
		got[m.InboxID] = true
	}
	if !got["5"] || !got["6"] || got["7"] || len(got) != 2 {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestTelegramEvent(t *testing.T) {
	reply := groupMessage(20, 5, "and you?")
	reply.ReplyToMessage = &tgbotapi.Message{MessageID: 19}
	ev, ok := telegramEvent(reply, "")
	if !ok || ev.Kind != domain.KindReply || ev.Param("reference") != "19" {
		t.Fatalf("unexpected reply event %+v", ev)
	}
	if rc := ev.Content.(domain.ReplyContent); rc.Content != "and you?" {
		t.Fatalf("unexpected reply content %#v", rc)
	}

	rename := groupMessage(21, 5, "")
	rename.NewChatTitle = "Shippers"
	ev, ok = telegramEvent(rename, "Builders")
	if !ok || ev.Kind != domain.KindGroupUpdated {
		t.Fatalf("unexpected rename event %+v", ev)
	}
	change := ev.Content.(domain.GroupUpdatedContent).MetadataFieldChanges[0]
	if change.FieldName != domain.FieldGroupName || change.OldValue != "Builders" || change.NewValue != "Shippers" {
		t.Fatalf("unexpected change %+v", change)
	}

	caption := groupMessage(22, 5, "")
	caption.Caption = "look at this"
	if ev, ok := telegramEvent(caption, ""); !ok || ev.Content.(domain.TextContent).Text != "look at this" {
		t.Fatalf("expected caption as text, got %+v", ev)
	}

	if _, ok := telegramEvent(groupMessage(23, 5, "   "), ""); ok {
		t.Fatal("expected blank message to be dropped")
	}
}
