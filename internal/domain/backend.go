package domain

import (
	"context"
	"encoding/json"
)

const StatusOK = "ok"

// AskRequest is the body of a backend ask call. Context fields are only
// populated when the deployment opts in.
type AskRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	SenderInboxID  string `json:"senderInboxId,omitempty"`
	IsGroup        bool   `json:"isGroup,omitempty"`
}

type AskData struct {
	Answer    string          `json:"answer"`
	AgentData json.RawMessage `json:"agentData,omitempty"`
}

type AskResponse struct {
	Status  string   `json:"status"`
	Data    *AskData `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// OK reports whether the backend produced an answer.
func (r *AskResponse) OK() bool {
	return r != nil && r.Status == StatusOK && r.Data != nil
}

// Answer returns the answer text, or "" when the response is not OK.
func (r *AskResponse) Answer() string {
	if !r.OK() {
		return ""
	}
	return r.Data.Answer
}

// Backend answers questions on behalf of the agent.
type Backend interface {
	Ask(ctx context.Context, req AskRequest) (*AskResponse, error)
}

// MetadataUpdater receives group metadata deltas.
type MetadataUpdater interface {
	UpdateGroupMetadata(ctx context.Context, delta GroupMetadataDelta) error
}
