package domain

import "strings"

// Metadata field names carried by group update events.
const (
	FieldGroupName        = "group_name"
	FieldGroupDescription = "group_description"
	FieldGroupImageURL    = "group_image_url_square"
)

// IdentifierKindEthereum is the only account identifier kind the agent consults.
const IdentifierKindEthereum = "ethereum"

type AccountIdentifier struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
}

type GroupMember struct {
	InboxID     string              `json:"inboxId"`
	Identifiers []AccountIdentifier `json:"identifiers,omitempty"`
}

// EthereumAddress returns the member's first Ethereum identifier, if any.
func (m GroupMember) EthereumAddress() (string, bool) {
	for _, id := range m.Identifiers {
		if strings.EqualFold(id.Kind, IdentifierKindEthereum) && id.Identifier != "" {
			return id.Identifier, true
		}
	}
	return "", false
}

type MetadataFieldChange struct {
	FieldName string `json:"fieldName"`
	OldValue  string `json:"oldValue,omitempty"`
	NewValue  string `json:"newValue,omitempty"`
}

type InboxRef struct {
	InboxID string `json:"inboxId"`
}

type MemberToAdd struct {
	InboxID string `json:"inboxId"`
	Address string `json:"address"`
}

// GroupMetadataDelta is the normalized result of a group update, pushed
// to the backend.
type GroupMetadataDelta struct {
	GroupID        string        `json:"groupId"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	ImageURL       string        `json:"imageUrl"`
	AddedInboxes   []string      `json:"addedInboxes"`
	RemovedInboxes []string      `json:"removedInboxes"`
	MembersToAdd   []MemberToAdd `json:"membersToAdd"`
}
