package groupdiff

import (
	"encoding/json"
	"reflect"
	"testing"

	"xbtagent/internal/domain"
	"xbtagent/internal/roster"
)

func member(inbox, addr string) domain.GroupMember {
	m := domain.GroupMember{InboxID: inbox}
	if addr != "" {
		m.Identifiers = []domain.AccountIdentifier{{Kind: domain.IdentifierKindEthereum, Identifier: addr}}
	}
	return m
}

func baseInput() Input {
	return Input{
		Group:        domain.GroupInfo{ID: "g1", Name: "Old", Description: "desc", ImageURL: "img"},
		AgentInboxID: "agent",
		AgentAddress: "0xAGENT",
		Roster:       roster.New(roster.Entry{Name: "bot", Address: "0xB0T"}),
		Members: []domain.GroupMember{
			member("agent", "0xagent"),
			member("alice", "0xA11CE"),
			member("bob", "0xb0b"),
			member("bot", "0xb0t"),
			member("anon", ""),
		},
	}
}

func TestDiff_NoChangesReturnsExistingMetadata(t *testing.T) {
	got := Diff(baseInput())
	if got.GroupID != "g1" || got.Name != "Old" || got.Description != "desc" || got.ImageURL != "img" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if len(got.AddedInboxes) != 0 || len(got.RemovedInboxes) != 0 || len(got.MembersToAdd) != 0 {
		t.Fatalf("expected empty lists, got %+v", got)
	}
	if got.AddedInboxes == nil || got.MembersToAdd == nil {
		t.Fatal("expected non-nil lists so they serialize as []")
	}
}

func TestDiff_FirstRenameWins(t *testing.T) {
	in := baseInput()
	in.Update.MetadataFieldChanges = []domain.MetadataFieldChange{
		{FieldName: domain.FieldGroupName, OldValue: "Old", NewValue: "First"},
		{FieldName: domain.FieldGroupName, OldValue: "First", NewValue: "Second"},
		{FieldName: domain.FieldGroupImageURL, NewValue: "new-img"},
	}
	got := Diff(in)
	if got.Name != "First" {
		t.Fatalf("expected first rename to win, got %q", got.Name)
	}
	if got.ImageURL != "new-img" {
		t.Fatalf("expected image change, got %q", got.ImageURL)
	}
	if got.Description != "desc" {
		t.Fatalf("expected description unchanged, got %q", got.Description)
	}
}

func TestDiff_MembersToAddFiltering(t *testing.T) {
	in := baseInput()
	in.Update.AddedInboxes = []domain.InboxRef{
		{InboxID: "bob"},
		{InboxID: "agent"},
		{InboxID: "ghost"},
		{InboxID: "bot"},
		{InboxID: "anon"},
		{InboxID: "alice"},
	}
	in.Update.RemovedInboxes = []domain.InboxRef{{InboxID: "carol"}}

	got := Diff(in)
	want := []domain.MemberToAdd{
		{InboxID: "bob", Address: "0xb0b"},
		{InboxID: "alice", Address: "0xA11CE"},
	}
	if !reflect.DeepEqual(got.MembersToAdd, want) {
		t.Fatalf("expected %+v, got %+v", want, got.MembersToAdd)
	}
	if len(got.AddedInboxes) != 6 {
		t.Fatalf("expected all added inboxes reported, got %d", len(got.AddedInboxes))
	}
	if len(got.RemovedInboxes) != 1 || got.RemovedInboxes[0] != "carol" {
		t.Fatalf("unexpected removed inboxes: %+v", got.RemovedInboxes)
	}
}

func TestDiff_AgentAddressComparedCaseInsensitively(t *testing.T) {
	in := baseInput()
	in.Members = append(in.Members, member("agent-2", "0xagent"))
	in.Update.AddedInboxes = []domain.InboxRef{{InboxID: "agent-2"}}
	if got := Diff(in); len(got.MembersToAdd) != 0 {
		t.Fatalf("expected agent address to be excluded, got %+v", got.MembersToAdd)
	}
}

func TestDiff_Idempotent(t *testing.T) {
	in := baseInput()
	in.Update.AddedInboxes = []domain.InboxRef{{InboxID: "alice"}, {InboxID: "bob"}}
	in.Update.MetadataFieldChanges = []domain.MetadataFieldChange{{FieldName: domain.FieldGroupDescription, NewValue: "d2"}}
	first := Diff(in)
	second := Diff(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical deltas:\n%+v\n%+v", first, second)
	}
}

func TestDiff_NilRoster(t *testing.T) {
	in := baseInput()
	in.Roster = nil
	in.Update.AddedInboxes = []domain.InboxRef{{InboxID: "bot"}}
	if got := Diff(in); len(got.MembersToAdd) != 1 {
		t.Fatalf("expected bot to be kept without a roster, got %+v", got.MembersToAdd)
	}
}

func TestDiff_InboxesSerializeAsIDs(t *testing.T) {
	in := baseInput()
	in.Update.AddedInboxes = []domain.InboxRef{{InboxID: "m1"}}
	in.Update.RemovedInboxes = []domain.InboxRef{{InboxID: "m2"}}

	raw, err := json.Marshal(Diff(in))
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if string(body["addedInboxes"]) != `["m1"]` || string(body["removedInboxes"]) != `["m2"]` {
		t.Fatalf("expected plain inbox ids, got %s", raw)
	}
}
