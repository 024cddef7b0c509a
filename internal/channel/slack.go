package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"xbtagent/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Message subtypes announcing a channel metadata change.
var slackMetadataSubtypes = map[string]bool{
	"channel_name":    true,
	"channel_topic":   true,
	"channel_purpose": true,
	"group_name":      true,
	"group_topic":     true,
	"group_purpose":   true,
}

// Slack implements domain.Transport using Socket Mode. "im" channels are
// direct messages; every other channel is a group.
type Slack struct {
	history

	botToken string
	appToken string
	apiURL   string
	storeCfg StoreConfig
	client   *slack.Client

	// threads maps a message ts to its thread root ts.
	threads sync.Map
	// synced holds channels whose info and members were fetched.
	synced sync.Map
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	// APIURL overrides the Web API base URL (must end with "/").
	APIURL string
	Store  StoreConfig
	Logger *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		apiURL:   cfg.APIURL,
		storeCfg: cfg.Store,
	}
	s.logger = cfg.Logger
	s.send = s.sendMessage
	return s
}

func (s *Slack) Name() string { return "slack" }

// Connect authenticates the bot; its user id is the agent inbox id.
func (s *Slack) Connect(ctx context.Context) (domain.Identity, error) {
	opts := []slack.Option{slack.OptionAppLevelToken(s.appToken)}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	api := slack.New(s.botToken, opts...)

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("slack auth: %w", err)
	}
	s.client = api

	self := domain.Identity{InboxID: authResp.UserID, Username: authResp.User}
	if err := s.open(s.storeCfg, self); err != nil {
		return domain.Identity{}, err
	}
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)
	return self, nil
}

// Start listens on Socket Mode until ctx is done.
func (s *Slack) Start(ctx context.Context, bus domain.EventBus) error {
	if s.client == nil {
		return fmt.Errorf("slack: not connected")
	}
	socketClient := socketmode.New(s.client)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent, bus)

			case socketmode.EventTypeConnected:
				s.logger.Info("slack socket mode connected")

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error {
	return s.close()
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent, bus domain.EventBus) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		s.handleMessage(ctx, ev, bus)

	case *slackevents.MemberJoinedChannelEvent:
		s.ensureChannel(ctx, ev.Channel, domain.Group)
		s.publishUpdate(ctx, bus, ev.Channel, ev.EventTimestamp, domain.GroupUpdatedContent{
			InitiatedByInboxID: firstNonEmpty(ev.Inviter, ev.User),
			AddedInboxes:       []domain.InboxRef{{InboxID: ev.User}},
		})

	case *slackevents.MemberLeftChannelEvent:
		s.ensureChannel(ctx, ev.Channel, domain.Group)
		s.publishUpdate(ctx, bus, ev.Channel, ev.EventTimestamp, domain.GroupUpdatedContent{
			InitiatedByInboxID: ev.User,
			RemovedInboxes:     []domain.InboxRef{{InboxID: ev.User}},
		})

	case *slackevents.ChannelRenameEvent:
		s.channelChanged(ctx, bus, ev.Channel.ID, "", ev.EventTimestamp)
	}
}

func (s *Slack) handleMessage(ctx context.Context, ev *slackevents.MessageEvent, bus domain.EventBus) {
	if slackMetadataSubtypes[ev.SubType] {
		s.channelChanged(ctx, bus, ev.Channel, ev.User, ev.TimeStamp)
		return
	}
	// Edits, joins and bot posts carry subtypes; only plain messages and
	// thread broadcasts are conversation content.
	if ev.SubType != "" && ev.SubType != "thread_broadcast" {
		return
	}
	if ev.User == "" || ev.User == s.self.InboxID {
		return
	}

	kind := domain.Group
	if ev.ChannelType == "im" {
		kind = domain.DirectMessage
	}
	s.ensureChannel(ctx, ev.Channel, kind)

	out := domain.InboundEvent{
		ID:             ev.TimeStamp,
		SenderInboxID:  ev.User,
		ConversationID: ev.Channel,
		SentAt:         slackTime(ev.TimeStamp),
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		s.threads.Store(ev.TimeStamp, ev.ThreadTimeStamp)
		out.Parameters = map[string]string{"reference": ev.ThreadTimeStamp}
		out = withContent(out, domain.TypeReply, domain.ReplyContent{
			Reference:   ev.ThreadTimeStamp,
			Content:     ev.Text,
			ContentType: domain.TypeText,
		})
	} else {
		out = withContent(out, domain.TypeText, domain.TextContent{Text: ev.Text})
	}

	s.logger.Debug("slack message received", "user", ev.User, "channel", ev.Channel, "content_len", len(ev.Text))
	s.record(ctx, out)
	bus.Publish(out)
}

// ensureChannel registers the channel and, for groups, fetches its info and
// members the first time it is seen.
func (s *Slack) ensureChannel(ctx context.Context, channelID string, kind domain.ConversationKind) {
	s.ensure(ctx, channelID, kind)
	if kind != domain.Group {
		return
	}
	if _, done := s.synced.LoadOrStore(channelID, true); done {
		return
	}

	info, err := s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		s.logger.Warn("slack channel info unavailable", "channel", channelID, "err", err)
	} else if rec, err := s.store.Conversation(ctx, channelID); err == nil && rec != nil {
		rec.Name = info.Name
		rec.Description = info.Purpose.Value
		if err := s.store.UpsertConversation(ctx, *rec); err != nil {
			s.logger.Warn("storing channel info failed", "channel", channelID, "err", err)
		}
	}

	var members []domain.GroupMember
	params := &slack.GetUsersInConversationParameters{ChannelID: channelID, Limit: 200}
	for {
		ids, cursor, err := s.client.GetUsersInConversationContext(ctx, params)
		if err != nil {
			s.logger.Warn("slack channel members unavailable", "channel", channelID, "err", err)
			return
		}
		for _, id := range ids {
			members = append(members, domain.GroupMember{InboxID: id})
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	if err := s.store.AddMembers(ctx, channelID, members); err != nil {
		s.logger.Warn("storing channel members failed", "channel", channelID, "err", err)
	}
}

// channelChanged diffs fresh channel info against the stored record and
// publishes the differences as a group update.
func (s *Slack) channelChanged(ctx context.Context, bus domain.EventBus, channelID, initiator, ts string) {
	s.ensureChannel(ctx, channelID, domain.Group)
	rec, err := s.store.Conversation(ctx, channelID)
	if err != nil || rec == nil {
		return
	}
	info, err := s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		s.logger.Warn("slack channel info unavailable", "channel", channelID, "err", err)
		return
	}

	var changes []domain.MetadataFieldChange
	if info.Name != rec.Name {
		changes = append(changes, domain.MetadataFieldChange{FieldName: domain.FieldGroupName, OldValue: rec.Name, NewValue: info.Name})
	}
	if info.Purpose.Value != rec.Description {
		changes = append(changes, domain.MetadataFieldChange{FieldName: domain.FieldGroupDescription, OldValue: rec.Description, NewValue: info.Purpose.Value})
	}
	if len(changes) == 0 {
		return
	}
	s.publishUpdate(ctx, bus, channelID, ts, domain.GroupUpdatedContent{
		InitiatedByInboxID:   initiator,
		MetadataFieldChanges: changes,
	})
}

// publishUpdate applies a group update to the store, then publishes it.
func (s *Slack) publishUpdate(ctx context.Context, bus domain.EventBus, channelID, ts string, u domain.GroupUpdatedContent) {
	if err := s.store.ApplyGroupUpdate(ctx, channelID, u); err != nil {
		s.logger.Warn("applying group update failed", "channel", channelID, "err", err)
	}
	if ts == "" {
		ts = strconv.FormatInt(time.Now().UnixMicro(), 10)
	}
	ev := withContent(domain.InboundEvent{
		ID:             "update-" + ts,
		SenderInboxID:  u.InitiatedByInboxID,
		ConversationID: channelID,
		SentAt:         slackTime(ts),
	}, domain.TypeGroupUpdated, u)
	s.record(ctx, ev)
	bus.Publish(ev)
}

func (s *Slack) sendMessage(ctx context.Context, channelID string, msg domain.OutboundMessage) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("slack: not connected")
	}
	if r := msg.Reaction; r != nil {
		ref := slack.NewRefToMessage(channelID, r.Reference)
		name := slackReactionName(r.Content)
		var err error
		if r.Action == domain.ReactionRemoved {
			err = s.client.RemoveReactionContext(ctx, name, ref)
		} else {
			err = s.client.AddReactionContext(ctx, name, ref)
		}
		if err != nil {
			return "", fmt.Errorf("slack reaction: %w", err)
		}
		return "", nil
	}

	thread := msg.ReplyTo
	if root, ok := s.threads.Load(thread); ok {
		thread = root.(string)
	}

	var lastTS string
	for _, chunk := range splitMessage(msg.Text, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if thread != "" {
			opts = append(opts, slack.MsgOptionTS(thread))
		}
		_, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
		if err != nil {
			return lastTS, fmt.Errorf("slack send to %s: %w", channelID, err)
		}
		lastTS = ts
	}
	if thread != "" && lastTS != "" {
		s.threads.Store(lastTS, thread)
	}
	return lastTS, nil
}

// slackReactionName maps a reaction to a Slack emoji name.
func slackReactionName(content string) string {
	if content == domain.WorkingReaction {
		return "eyes"
	}
	return strings.Trim(content, ":")
}

// slackTime parses a message ts ("1700000000.000200").
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
