package loqui

import "testing"

func TestGroupReactions(t *testing.T) {
	ana := User{ID: "u1", Username: "ana"}
	bo := User{ID: "u2", Username: "bo"}
	reactions := []MessageReaction{
		{MessageID: "m1", UserID: "u1", Emoji: "👍", User: &ana},
		{MessageID: "m1", UserID: "u2", Emoji: "❤️", User: &bo},
		{MessageID: "m1", UserID: "u2", Emoji: "👍", User: &bo},
	}

	groups := GroupReactions(reactions, "u2")
	if len(groups) != 2 {
		t.Fatalf("groups = %d", len(groups))
	}
	// First-seen emoji order.
	if groups[0].Emoji != "👍" || groups[1].Emoji != "❤️" {
		t.Fatalf("order = %q, %q", groups[0].Emoji, groups[1].Emoji)
	}
	if groups[0].Count != 2 || len(groups[0].Users) != 2 {
		t.Fatalf("thumbs group = %+v", groups[0])
	}
	if !groups[0].Reacted || !groups[1].Reacted {
		t.Fatal("self reacted in both groups")
	}

	other := GroupReactions(reactions, "u-else")
	if other[0].Reacted || other[1].Reacted {
		t.Fatal("stranger marked as reacted")
	}

	if got := GroupReactions(nil, "u1"); got != nil {
		t.Fatalf("empty input = %+v", got)
	}
}

func TestErrorStrings(t *testing.T) {
	apiErr := &APIError{Code: "FORBIDDEN", Message: "not a member"}
	if apiErr.Error() != "FORBIDDEN: not a member" {
		t.Fatalf("got %q", apiErr.Error())
	}

	verr := &ValidationError{Field: "content", Reason: "must not be empty"}
	if verr.Error() != "invalid content: must not be empty" {
		t.Fatalf("got %q", verr.Error())
	}
}
