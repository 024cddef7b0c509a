package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"xbtagent/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram implements domain.Transport for a Telegram bot. Private chats
// are direct messages; groups and supergroups are groups.
type Telegram struct {
	history

	token    string
	endpoint string
	bot      *tgbotapi.BotAPI
	storeCfg StoreConfig
}

type TelegramConfig struct {
	Token string
	// APIEndpoint overrides the Bot API endpoint format
	// (default tgbotapi.APIEndpoint).
	APIEndpoint string
	Store       StoreConfig
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	t := &Telegram{token: cfg.Token, endpoint: cfg.APIEndpoint, storeCfg: cfg.Store}
	t.logger = cfg.Logger
	t.send = t.sendMessage
	return t
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot. The bot's user id is the agent inbox id.
func (t *Telegram) Connect(ctx context.Context) (domain.Identity, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot

	self := domain.Identity{
		InboxID:  strconv.FormatInt(bot.Self.ID, 10),
		Username: bot.Self.UserName,
	}
	if err := t.open(t.storeCfg, self); err != nil {
		return domain.Identity{}, err
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return self, nil
}

// Start polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.EventBus) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update, bus)
		}
	}
}

// Stop closes the history store. Polling stops when Start's context is
// cancelled; StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return t.close()
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update, bus domain.EventBus) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	convID := strconv.FormatInt(msg.Chat.ID, 10)
	kind := domain.Group
	if msg.Chat.IsPrivate() {
		kind = domain.DirectMessage
	}
	t.ensure(ctx, convID, kind)

	var stored string
	if kind == domain.Group {
		stored = t.syncTitle(ctx, convID, msg.Chat.Title)
	}

	ev, ok := telegramEvent(msg, stored)
	if !ok {
		return
	}
	if u, isUpdate := ev.Content.(domain.GroupUpdatedContent); isUpdate {
		if err := t.store.ApplyGroupUpdate(ctx, convID, u); err != nil {
			t.logger.Warn("applying group update failed", "conversation", convID, "err", err)
		}
	} else if kind == domain.Group {
		// Telegram has no member list API for bots; members are learned
		// from the messages they send.
		t.learnMember(ctx, convID, ev.SenderInboxID)
	}

	t.logger.Debug("telegram message received",
		"chat_id", convID,
		"user_id", ev.SenderInboxID,
		"type", ev.TypeID,
	)
	t.record(ctx, ev)
	bus.Publish(ev)
}

// syncTitle stores the chat title the first time it is seen and returns
// the stored name from before this message.
func (t *Telegram) syncTitle(ctx context.Context, convID, title string) string {
	rec, err := t.store.Conversation(ctx, convID)
	if err != nil || rec == nil {
		return ""
	}
	if rec.Name == "" && title != "" {
		rec.Name = title
		if err := t.store.UpsertConversation(ctx, *rec); err != nil {
			t.logger.Warn("storing chat title failed", "conversation", convID, "err", err)
		}
	}
	return rec.Name
}

// telegramEvent converts a Telegram message. Membership and title changes
// become group updates; oldTitle is the title stored before the change.
func telegramEvent(msg *tgbotapi.Message, oldTitle string) (domain.InboundEvent, bool) {
	ev := domain.InboundEvent{
		ID:             strconv.Itoa(msg.MessageID),
		SenderInboxID:  strconv.FormatInt(msg.From.ID, 10),
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		SentAt:         time.Unix(int64(msg.Date), 0),
	}

	switch {
	case len(msg.NewChatMembers) > 0:
		u := domain.GroupUpdatedContent{InitiatedByInboxID: ev.SenderInboxID}
		for _, m := range msg.NewChatMembers {
			u.AddedInboxes = append(u.AddedInboxes, domain.InboxRef{InboxID: strconv.FormatInt(m.ID, 10)})
		}
		return withContent(ev, domain.TypeGroupUpdated, u), true
	case msg.LeftChatMember != nil:
		u := domain.GroupUpdatedContent{
			InitiatedByInboxID: ev.SenderInboxID,
			RemovedInboxes:     []domain.InboxRef{{InboxID: strconv.FormatInt(msg.LeftChatMember.ID, 10)}},
		}
		return withContent(ev, domain.TypeGroupUpdated, u), true
	case msg.NewChatTitle != "":
		u := domain.GroupUpdatedContent{
			InitiatedByInboxID: ev.SenderInboxID,
			MetadataFieldChanges: []domain.MetadataFieldChange{{
				FieldName: domain.FieldGroupName,
				OldValue:  oldTitle,
				NewValue:  msg.NewChatTitle,
			}},
		}
		return withContent(ev, domain.TypeGroupUpdated, u), true
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return ev, false
	}

	if msg.ReplyToMessage != nil {
		ref := strconv.Itoa(msg.ReplyToMessage.MessageID)
		ev.Parameters = map[string]string{"reference": ref}
		ev.Fallback = fmt.Sprintf("Replied with %q to an earlier message", text)
		return withContent(ev, domain.TypeReply, domain.ReplyContent{
			Reference:   ref,
			Content:     text,
			ContentType: domain.TypeText,
		}), true
	}
	return withContent(ev, domain.TypeText, domain.TextContent{Text: text}), true
}

func withContent(ev domain.InboundEvent, typeID string, c domain.Content) domain.InboundEvent {
	ev.TypeID = typeID
	ev.Kind = domain.ParseContentKind(typeID)
	ev.Content = c
	return ev
}

func (t *Telegram) sendMessage(ctx context.Context, conversationID string, msg domain.OutboundMessage) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID %q: %w", conversationID, err)
	}

	if msg.Reaction != nil {
		return "", t.react(chatID, *msg.Reaction)
	}

	replyTo, _ := strconv.Atoi(msg.ReplyTo)
	var lastID string
	for _, chunk := range splitMessage(msg.Text, telegramMaxMsgLen) {
		out := tgbotapi.NewMessage(chatID, chunk)
		if replyTo != 0 {
			out.ReplyToMessageID = replyTo
			out.AllowSendingWithoutReply = true
		}
		sent, err := t.bot.Send(out)
		if err != nil {
			return lastID, fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

type telegramReaction struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// react sets or clears the bot's reaction through setMessageReaction, which
// the library has no typed config for. Adding a reaction also shows the
// typing action.
func (t *Telegram) react(chatID int64, r domain.Reaction) error {
	reactions := []telegramReaction{}
	if r.Action == domain.ReactionAdded {
		reactions = append(reactions, telegramReaction{Type: "emoji", Emoji: r.Content})
		_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": r.Reference,
		"reaction":   string(encoded),
	}
	if _, err := t.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("telegram reaction: %w", err)
	}
	return nil
}
