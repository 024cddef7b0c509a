package domain

import "time"

// ContentKind is the declared content type of an inbound event.
type ContentKind int

const (
	KindOther ContentKind = iota
	KindText
	KindReply
	KindReaction
	KindGroupUpdated
)

// Content type identifiers as they appear on the wire.
const (
	TypeText         = "text"
	TypeReply        = "reply"
	TypeReaction     = "reaction"
	TypeGroupUpdated = "group_updated"
)

// ParseContentKind maps a wire type identifier to a ContentKind.
// Unknown identifiers map to KindOther.
func ParseContentKind(typeID string) ContentKind {
	switch typeID {
	case TypeText:
		return KindText
	case TypeReply:
		return KindReply
	case TypeReaction:
		return KindReaction
	case TypeGroupUpdated:
		return KindGroupUpdated
	default:
		return KindOther
	}
}

func (k ContentKind) String() string {
	switch k {
	case KindText:
		return TypeText
	case KindReply:
		return TypeReply
	case KindReaction:
		return TypeReaction
	case KindGroupUpdated:
		return TypeGroupUpdated
	default:
		return "other"
	}
}

// InboundEvent is a single message delivered by a transport.
// Content is nil when the payload could not be decoded or was absent.
type InboundEvent struct {
	ID             string
	SenderInboxID  string
	ConversationID string
	Kind           ContentKind
	TypeID         string
	Content        Content
	Fallback       string
	Parameters     map[string]string
	SentAt         time.Time
}

// Param returns a parameter value, or "" when absent.
func (e InboundEvent) Param(key string) string {
	if e.Parameters == nil {
		return ""
	}
	return e.Parameters[key]
}

// Content is the decoded payload of an inbound event. The set of
// implementations is closed: TextContent, ReplyContent, ReactionContent,
// GroupUpdatedContent and RawContent.
type Content interface {
	isContent()
}

type TextContent struct {
	Text string `json:"text"`
}

// ReplyContent is a threaded reply envelope. Content is usually a string
// but transports may deliver nested structured payloads.
type ReplyContent struct {
	Reference   string `json:"reference"`
	Content     any    `json:"content,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type ReactionContent struct {
	Reference string `json:"reference"`
	Action    string `json:"action"`
	Content   string `json:"content"`
	Schema    string `json:"schema"`
}

// GroupUpdatedContent describes a group metadata change. Several kinds of
// change may be present in one event.
type GroupUpdatedContent struct {
	MetadataFieldChanges []MetadataFieldChange `json:"metadataFieldChanges,omitempty"`
	AddedInboxes         []InboxRef            `json:"addedInboxes,omitempty"`
	RemovedInboxes       []InboxRef            `json:"removedInboxes,omitempty"`
	InitiatedByInboxID   string                `json:"initiatedByInboxId,omitempty"`
}

// RawContent wraps a payload of a content type the agent does not model.
type RawContent struct {
	Value any `json:"value"`
}

func (TextContent) isContent()         {}
func (ReplyContent) isContent()        {}
func (ReactionContent) isContent()     {}
func (GroupUpdatedContent) isContent() {}
func (RawContent) isContent()          {}

// HistoryMessage is a stored message in a conversation's history.
type HistoryMessage struct {
	ID             string
	ConversationID string
	SenderInboxID  string
	Kind           ContentKind
	Text           string
	Reference      string
	SentAt         time.Time
}
