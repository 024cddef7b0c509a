package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"xbtagent/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

// discordAPI is the part of *discordgo.Session used to send.
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
}

// Discord implements domain.Transport for a Discord bot. Channels without
// a guild are direct messages.
type Discord struct {
	history

	token    string
	guildID  string
	storeCfg StoreConfig
	session  *discordgo.Session
	api      discordAPI
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token string
	// GuildID restricts the bot to one guild when set.
	GuildID string
	Store   StoreConfig
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Discord{
		token:    cfg.Token,
		guildID:  cfg.GuildID,
		storeCfg: cfg.Store,
	}
	d.logger = cfg.Logger
	d.send = d.sendMessage
	return d
}

func (d *Discord) Name() string { return "discord" }

// Connect resolves the bot user over REST; the gateway opens in Start.
func (d *Discord) Connect(ctx context.Context) (domain.Identity, error) {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	me, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("discord auth: %w", err)
	}
	d.session = session
	d.api = session

	self := domain.Identity{InboxID: me.ID, Username: me.Username}
	if err := d.open(d.storeCfg, self); err != nil {
		return domain.Identity{}, err
	}
	d.logger.Info("discord bot authenticated", "user", me.Username, "id", me.ID)
	return self, nil
}

// Start opens the gateway and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.EventBus) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}

	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.onMessage(ctx, bus, m.Message)
	})
	d.session.AddHandler(func(s *discordgo.Session, c *discordgo.ChannelUpdate) {
		d.onChannelUpdate(ctx, bus, c.Channel)
	})

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord gateway connected")

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return d.session.Close()
}

func (d *Discord) Stop() error {
	return d.close()
}

func (d *Discord) onMessage(ctx context.Context, bus domain.EventBus, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.ID == d.self.InboxID {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	kind := domain.Group
	if m.GuildID == "" {
		kind = domain.DirectMessage
	}
	d.ensure(ctx, m.ChannelID, kind)
	if kind == domain.Group {
		d.learnMember(ctx, m.ChannelID, m.Author.ID)
	}

	sentAt := m.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	ev := domain.InboundEvent{
		ID:             m.ID,
		SenderInboxID:  m.Author.ID,
		ConversationID: m.ChannelID,
		SentAt:         sentAt,
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		ev.Parameters = map[string]string{"reference": ref.MessageID}
		ev = withContent(ev, domain.TypeReply, domain.ReplyContent{
			Reference:   ref.MessageID,
			Content:     m.Content,
			ContentType: domain.TypeText,
		})
	} else {
		ev = withContent(ev, domain.TypeText, domain.TextContent{Text: m.Content})
	}

	d.logger.Debug("discord message received", "author", m.Author.Username, "channel_id", m.ChannelID, "content_len", len(m.Content))
	d.record(ctx, ev)
	bus.Publish(ev)
}

// onChannelUpdate turns name and topic changes of a known channel into a
// group update.
func (d *Discord) onChannelUpdate(ctx context.Context, bus domain.EventBus, c *discordgo.Channel) {
	if c == nil {
		return
	}
	rec, err := d.store.Conversation(ctx, c.ID)
	if err != nil || rec == nil || rec.Kind != domain.Group {
		return
	}

	var changes []domain.MetadataFieldChange
	if c.Name != rec.Name {
		changes = append(changes, domain.MetadataFieldChange{FieldName: domain.FieldGroupName, OldValue: rec.Name, NewValue: c.Name})
	}
	if c.Topic != rec.Description {
		changes = append(changes, domain.MetadataFieldChange{FieldName: domain.FieldGroupDescription, OldValue: rec.Description, NewValue: c.Topic})
	}
	if len(changes) == 0 {
		return
	}

	u := domain.GroupUpdatedContent{MetadataFieldChanges: changes}
	if err := d.store.ApplyGroupUpdate(ctx, c.ID, u); err != nil {
		d.logger.Warn("applying group update failed", "channel", c.ID, "err", err)
	}
	now := time.Now()
	ev := withContent(domain.InboundEvent{
		ID:             "update-" + c.ID + "-" + strconv.FormatInt(now.UnixNano(), 10),
		ConversationID: c.ID,
		SentAt:         now,
	}, domain.TypeGroupUpdated, u)
	d.record(ctx, ev)
	bus.Publish(ev)
}

func (d *Discord) sendMessage(ctx context.Context, channelID string, msg domain.OutboundMessage) (string, error) {
	if d.api == nil {
		return "", fmt.Errorf("discord: not connected")
	}
	if r := msg.Reaction; r != nil {
		var err error
		if r.Action == domain.ReactionRemoved {
			err = d.api.MessageReactionRemove(channelID, r.Reference, r.Content, "@me", discordgo.WithContext(ctx))
		} else {
			err = d.api.MessageReactionAdd(channelID, r.Reference, r.Content, discordgo.WithContext(ctx))
		}
		if err != nil {
			return "", fmt.Errorf("discord reaction: %w", err)
		}
		return "", nil
	}

	failIfMissing := false
	var lastID string
	for i, chunk := range splitMessage(msg.Text, discordMaxMsgLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if msg.ReplyTo != "" && i == 0 {
			send.Reference = &discordgo.MessageReference{
				MessageID:       msg.ReplyTo,
				ChannelID:       channelID,
				FailIfNotExists: &failIfMissing,
			}
		}
		sent, err := d.api.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
		if err != nil {
			return lastID, fmt.Errorf("discord send to %s: %w", channelID, err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
