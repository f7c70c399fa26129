package chat_test

import (
	"testing"

	"fieldline/internal/chat"
	"fieldline/internal/domain"
)

func msg(channel, id string, ts int64) domain.Message {
	return domain.Message{ID: id, Channel: channel, Body: "b-" + id, Timestamp: ts}
}

func TestMergeOrdersByTimestamp(t *testing.T) {
	internal := []domain.Message{msg(domain.ChannelInternal, "m1", 100)}
	external := []domain.Message{msg(domain.ChannelExternal, "e1", 50)}
	got := chat.Merge(internal, external)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "m1" {
		t.Fatalf("expected [e1 m1], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestMergeStableOnEqualTimestamps(t *testing.T) {
	internal := []domain.Message{msg(domain.ChannelInternal, "a", 100), msg(domain.ChannelInternal, "b", 100)}
	external := []domain.Message{msg(domain.ChannelExternal, "c", 100)}
	got := chat.Merge(internal, external)
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("expected input order preserved on ties, got %v", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestMergeKeepsCollidingIDsAcrossChannels(t *testing.T) {
	internal := []domain.Message{msg(domain.ChannelInternal, "x", 10)}
	external := []domain.Message{msg(domain.ChannelExternal, "x", 20)}
	got := chat.Merge(internal, external)
	if len(got) != 2 {
		t.Fatalf("same id on different channels must both survive, got %d", len(got))
	}
}

func TestMergeDedupesWithinChannel(t *testing.T) {
	first := msg(domain.ChannelExternal, "x", 10)
	second := msg(domain.ChannelExternal, "x", 10)
	second.Body = "edited"
	got := chat.Merge(nil, []domain.Message{first, second})
	if len(got) != 1 {
		t.Fatalf("expected one entry for duplicate id, got %d", len(got))
	}
	if got[0].Body != "edited" {
		t.Fatalf("expected last entry to win, got %q", got[0].Body)
	}
}

func TestMergeDropsMalformed(t *testing.T) {
	bad := []domain.Message{
		{Channel: domain.ChannelExternal, Timestamp: 10},            // no id
		{ID: "n1", Timestamp: 10},                                   // no channel
		{ID: "n2", Channel: domain.ChannelExternal, Timestamp: 0},   // no timestamp
		{ID: "n3", Channel: domain.ChannelExternal, Timestamp: -50}, // negative timestamp
	}
	got := chat.Merge([]domain.Message{msg(domain.ChannelInternal, "ok", 5)}, bad)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("expected malformed entries dropped, got %+v", got)
	}
}

func TestMergeIsPure(t *testing.T) {
	internal := []domain.Message{msg(domain.ChannelInternal, "m1", 100)}
	external := []domain.Message{msg(domain.ChannelExternal, "e1", 50)}
	first := chat.Merge(internal, external)
	second := chat.Merge(internal, external)
	if len(first) != len(second) {
		t.Fatalf("merge not deterministic")
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("merge not deterministic at %d", i)
		}
	}
}
