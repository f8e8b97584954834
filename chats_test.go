package loqui

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func membership(t *testing.T, chat Chat, joinedOffset int, lastRead string) json.RawMessage {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return mustRaw(t, ChatParticipant{
		ChatID:            chat.ID,
		UserID:            "me",
		Role:              RoleMember,
		JoinedAt:          base.Add(time.Duration(joinedOffset) * time.Minute),
		LastReadMessageID: lastRead,
		Chat:              &chat,
	})
}

func privateChatWith(other User) Chat {
	return Chat{
		ID:   "chat-" + other.ID,
		Kind: ChatPrivate,
		Participants: []ChatParticipant{
			{UserID: "me", User: &User{ID: "me", Username: "me"}},
			{UserID: other.ID, User: &other},
		},
	}
}

// ============================================================================
// chatList
// ============================================================================

func TestChatListLoad(t *testing.T) {
	ana := User{ID: "u-ana", Username: "ana"}
	group := Chat{ID: "chat-g", Kind: ChatGroup, Name: "plans"}

	b := newFakeBackend()
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		switch entity {
		case EntityParticipants:
			return []json.RawMessage{
				membership(t, privateChatWith(ana), 10, ""),
				membership(t, group, 5, ""),
			}, nil
		case EntityMessages:
			if q.Filter["chat_id"].Value != "chat-u-ana" {
				return nil, nil
			}
			if q.Limit == 1 {
				// Newest-message probe.
				return []json.RawMessage{mustRaw(t, testMessage("m2", "u-ana", "there", 2))}, nil
			}
			// Two unread in the private chat, none in the group.
			return []json.RawMessage{
				mustRaw(t, testMessage("m1", "u-ana", "hi", 1)),
				mustRaw(t, testMessage("m2", "u-ana", "there", 2)),
			}, nil
		}
		return nil, nil
	}

	cl := newChatList(b, StaticSession("me"), func(string, ...any) {})
	if err := cl.load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	chats := cl.snapshot()
	if len(chats) != 2 {
		t.Fatalf("chats = %d", len(chats))
	}
	if chats[0].ID != "chat-u-ana" || chats[1].ID != "chat-g" {
		t.Fatalf("order = %s, %s", chats[0].ID, chats[1].ID)
	}
	if chats[0].OtherUser == nil || chats[0].OtherUser.Username != "ana" {
		t.Fatalf("otherUser = %+v", chats[0].OtherUser)
	}
	if chats[1].OtherUser != nil {
		t.Fatal("group chat must not resolve otherUser")
	}
	if chats[0].UnreadCount != 2 || chats[1].UnreadCount != 0 {
		t.Fatalf("unread = %d, %d", chats[0].UnreadCount, chats[1].UnreadCount)
	}
	if chats[0].LastMessage == nil || chats[0].LastMessage.ID != "m2" {
		t.Fatalf("lastMessage = %+v", chats[0].LastMessage)
	}
	if chats[1].LastMessage != nil {
		t.Fatal("empty chat must have no lastMessage")
	}
}

func TestChatListUnreadCountsFromLastRead(t *testing.T) {
	ana := User{ID: "u-ana", Username: "ana"}
	var gotCutoff FilterOp

	b := newFakeBackend()
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		switch entity {
		case EntityParticipants:
			return []json.RawMessage{membership(t, privateChatWith(ana), 0, "m5")}, nil
		case EntityMessages:
			if q.Filter["id"].Value == "m5" {
				return []json.RawMessage{mustRaw(t, testMessage("m5", "u-ana", "old", 5))}, nil
			}
			gotCutoff = q.Filter["created_at"]
			return []json.RawMessage{mustRaw(t, testMessage("m6", "u-ana", "new", 6))}, nil
		}
		return nil, nil
	}

	cl := newChatList(b, StaticSession("me"), func(string, ...any) {})
	if err := cl.load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if gotCutoff.Op != "gt" {
		t.Fatalf("unread query cutoff = %+v, want gt on the last-read timestamp", gotCutoff)
	}
	// Cursors travel as RFC3339Nano strings, same as the pagination cursor.
	anchor := testMessage("m5", "u-ana", "old", 5)
	if gotCutoff.Value != anchor.CreatedAt.Format(time.RFC3339Nano) {
		t.Fatalf("cutoff value = %v, want formatted timestamp", gotCutoff.Value)
	}
	if chats := cl.snapshot(); chats[0].UnreadCount != 1 {
		t.Fatalf("unread = %d", chats[0].UnreadCount)
	}
}

func TestChatListLoadFailureKeepsPreviousList(t *testing.T) {
	ana := User{ID: "u-ana", Username: "ana"}
	b := newFakeBackend()
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		if entity == EntityParticipants {
			return []json.RawMessage{membership(t, privateChatWith(ana), 0, "")}, nil
		}
		return nil, nil
	}

	cl := newChatList(b, StaticSession("me"), func(string, ...any) {})
	if err := cl.load(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.queryFn = func(string, Query) ([]json.RawMessage, error) {
		return nil, errors.New("backend down")
	}
	b.mu.Unlock()

	if err := cl.load(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if chats := cl.snapshot(); len(chats) != 1 || chats[0].ID != "chat-u-ana" {
		t.Fatal("failed reload clobbered the previous list")
	}
}

func TestChatListRequiresSession(t *testing.T) {
	cl := newChatList(newFakeBackend(), StaticSession(""), func(string, ...any) {})
	if err := cl.load(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v", err)
	}
}

// ============================================================================
// Chat commands
// ============================================================================

func TestDeleteChatOwnGroupDeletesOutright(t *testing.T) {
	group := Chat{ID: "chat-g", Kind: ChatGroup, Name: "mine", CreatedBy: "me"}
	b := newFakeBackend()
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		if entity == EntityChats {
			return []json.RawMessage{mustRaw(t, group)}, nil
		}
		return nil, nil
	}

	c := New(b, StaticSession("me"))
	if err := c.DeleteChat(context.Background(), "chat-g"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	muts := b.recorded()
	if len(muts) != 1 || muts[0].entity != EntityChats || muts[0].op != OpDelete {
		t.Fatalf("mutations = %+v", muts)
	}
}

func TestDeleteChatForeignGroupLeavesInstead(t *testing.T) {
	group := Chat{ID: "chat-g", Kind: ChatGroup, Name: "theirs", CreatedBy: "someone-else"}
	b := newFakeBackend()
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		if entity == EntityChats {
			return []json.RawMessage{mustRaw(t, group)}, nil
		}
		return nil, nil
	}

	c := New(b, StaticSession("me"))
	if err := c.DeleteChat(context.Background(), "chat-g"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	muts := b.recorded()
	if len(muts) != 1 || muts[0].entity != EntityParticipants || muts[0].op != OpDelete {
		t.Fatalf("mutations = %+v", muts)
	}
	payload := muts[0].payload.(map[string]any)
	if payload["user_id"] != "me" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestCreateGroupChatAddsCreatorAsAdmin(t *testing.T) {
	b := newFakeBackend()
	b.mutateFn = func(entity string, op ChangeOp, payload any) (json.RawMessage, error) {
		if entity == EntityChats {
			return json.RawMessage(`{"id":"chat-new","type":"group","name":"plans"}`), nil
		}
		return json.RawMessage(`{}`), nil
	}

	c := New(b, StaticSession("me"))
	chat, err := c.CreateGroupChat(context.Background(), "plans", []string{"u1", "u2"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if chat.ID != "chat-new" {
		t.Fatalf("chat = %+v", chat)
	}

	muts := b.recorded()
	if len(muts) != 2 {
		t.Fatalf("mutations = %+v", muts)
	}
	rows := muts[1].payload.([]map[string]any)
	if len(rows) != 3 {
		t.Fatalf("participant rows = %d", len(rows))
	}
	if rows[0]["user_id"] != "me" || rows[0]["role"] != RoleAdmin {
		t.Fatalf("creator row = %+v", rows[0])
	}
	if rows[1]["role"] != RoleMember || rows[2]["role"] != RoleMember {
		t.Fatal("members must join with the member role")
	}
}

func TestCreateGroupChatRequiresName(t *testing.T) {
	c := New(newFakeBackend(), StaticSession("me"))
	_, err := c.CreateGroupChat(context.Background(), "", nil, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	b := newFakeBackend()
	var gotQuery Query
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		gotQuery = q
		return []json.RawMessage{mustRaw(t, User{ID: "u1", Username: "analog"})}, nil
	}

	c := New(b, StaticSession("me"))
	users, err := c.SearchUsers(context.Background(), "ana")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(users) != 1 || users[0].Username != "analog" {
		t.Fatalf("users = %+v", users)
	}
	if op := gotQuery.Filter["username"]; op.Op != "like" || op.Value != "ana" {
		t.Fatalf("filter = %+v", op)
	}
	if gotQuery.Limit != 20 {
		t.Fatalf("limit = %d", gotQuery.Limit)
	}

	// Empty queries never hit the backend.
	users, err = c.SearchUsers(context.Background(), "")
	if err != nil || users != nil {
		t.Fatalf("empty query: %v, %v", users, err)
	}
}
