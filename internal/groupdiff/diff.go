// Package groupdiff turns a group update event into the delta pushed to
// the backend.
package groupdiff

import (
	"strings"

	"xbtagent/internal/domain"
)

// RosterChecker reports whether an address belongs to a known non-human agent.
type RosterChecker interface {
	Contains(address string) bool
}

type Input struct {
	// Group is the group's metadata before the update is applied.
	Group        domain.GroupInfo
	Update       domain.GroupUpdatedContent
	Members      []domain.GroupMember
	AgentInboxID string
	AgentAddress string
	Roster       RosterChecker
}

// Diff computes the metadata delta for one group update. It is pure: the
// same input always yields the same delta.
func Diff(in Input) domain.GroupMetadataDelta {
	delta := domain.GroupMetadataDelta{
		GroupID:        in.Group.ID,
		Name:           in.Group.Name,
		Description:    in.Group.Description,
		ImageURL:       in.Group.ImageURL,
		AddedInboxes:   []string{},
		RemovedInboxes: []string{},
		MembersToAdd:   []domain.MemberToAdd{},
	}

	u := in.Update
	if len(u.MetadataFieldChanges) == 0 && len(u.AddedInboxes) == 0 && len(u.RemovedInboxes) == 0 {
		return delta
	}

	if v, ok := firstChange(u.MetadataFieldChanges, domain.FieldGroupName); ok {
		delta.Name = v
	}
	if v, ok := firstChange(u.MetadataFieldChanges, domain.FieldGroupDescription); ok {
		delta.Description = v
	}
	if v, ok := firstChange(u.MetadataFieldChanges, domain.FieldGroupImageURL); ok {
		delta.ImageURL = v
	}

	delta.AddedInboxes = inboxIDs(u.AddedInboxes)
	delta.RemovedInboxes = inboxIDs(u.RemovedInboxes)
	delta.MembersToAdd = membersToAdd(in)
	return delta
}

func inboxIDs(refs []domain.InboxRef) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.InboxID)
	}
	return ids
}

func firstChange(changes []domain.MetadataFieldChange, field string) (string, bool) {
	for _, c := range changes {
		if c.FieldName == field {
			return c.NewValue, true
		}
	}
	return "", false
}

func membersToAdd(in Input) []domain.MemberToAdd {
	addresses := make(map[string]string, len(in.Members))
	for _, m := range in.Members {
		if addr, ok := m.EthereumAddress(); ok {
			addresses[m.InboxID] = addr
		}
	}

	out := []domain.MemberToAdd{}
	for _, ref := range in.Update.AddedInboxes {
		if ref.InboxID == in.AgentInboxID {
			continue
		}
		addr, ok := addresses[ref.InboxID]
		if !ok {
			continue
		}
		if in.AgentAddress != "" && strings.EqualFold(addr, in.AgentAddress) {
			continue
		}
		if in.Roster != nil && in.Roster.Contains(addr) {
			continue
		}
		out = append(out, domain.MemberToAdd{InboxID: ref.InboxID, Address: addr})
	}
	return out
}
