package domain

import (
	"context"
	"errors"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotGroup             = errors.New("conversation is not a group")
)

// ConversationKind distinguishes one-to-one conversations from groups.
type ConversationKind int

const (
	DirectMessage ConversationKind = iota
	Group
)

func (k ConversationKind) String() string {
	if k == Group {
		return "group"
	}
	return "dm"
}

// ParseConversationKind accepts "group" and treats everything else as a DM.
func ParseConversationKind(s string) ConversationKind {
	if s == "group" {
		return Group
	}
	return DirectMessage
}

// Reaction schemas and actions.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
	SchemaShortcode = "shortcode"
	SchemaUnicode   = "unicode"
	WorkingReaction = "👀"
)

type Reaction struct {
	Reference string `json:"reference"`
	Action    string `json:"action"`
	Content   string `json:"content"`
	Schema    string `json:"schema"`
}

// OutboundMessage is either a text message (optionally a threaded reply
// to ReplyTo) or a reaction.
type OutboundMessage struct {
	Text     string
	ReplyTo  string
	Reaction *Reaction
}

// Conversation is a transport conversation as seen by the router.
type Conversation interface {
	ID() string
	Kind() ConversationKind
	// Messages returns the full stored history in chronological order.
	Messages(ctx context.Context) ([]HistoryMessage, error)
	Send(ctx context.Context, msg OutboundMessage) error
}

// GroupConversation adds group metadata and membership.
type GroupConversation interface {
	Conversation
	Info(ctx context.Context) (GroupInfo, error)
	Members(ctx context.Context) ([]GroupMember, error)
}

type GroupInfo struct {
	ID          string
	Name        string
	Description string
	ImageURL    string
}

// ConversationLookup resolves conversations by id. Implementations return
// ErrConversationNotFound for unknown ids.
type ConversationLookup interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
}

// Identity is the agent's own identity on a transport.
type Identity struct {
	InboxID  string
	Address  string
	Username string
}

// Transport is a messaging network adapter.
type Transport interface {
	ConversationLookup
	Name() string
	// Connect authenticates and opens local state. It must be called before Start.
	Connect(ctx context.Context) (Identity, error)
	// Start publishes inbound events on bus and blocks until ctx is done.
	Start(ctx context.Context, bus EventBus) error
	Stop() error
}

// WorkingIndicator signals that the agent is preparing an answer.
type WorkingIndicator interface {
	ShowWorking(ctx context.Context) error
	ClearWorking(ctx context.Context) error
}
