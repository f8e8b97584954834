package loqui

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// clientHarness wires a Client to an in-memory backend with per-chat message
// tables and per-topic feeds.
type clientHarness struct {
	backend *fakeBackend
	client  *Client

	mu    sync.Mutex
	chats map[string]Chat
	msgs  map[string][]Message
	feeds map[string]*fakeFeed
}

func newClientHarness(t *testing.T, opts ...Option) *clientHarness {
	t.Helper()
	h := &clientHarness{
		backend: newFakeBackend(),
		chats:   map[string]Chat{},
		msgs:    map[string][]Message{},
		feeds:   map[string]*fakeFeed{},
	}
	h.backend.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		switch entity {
		case EntityChats:
			if chat, ok := h.chats[q.Filter["id"].Value.(string)]; ok {
				return []json.RawMessage{mustRaw(t, chat)}, nil
			}
			return nil, nil
		case EntityMessages:
			op, ok := q.Filter["chat_id"]
			if !ok {
				return nil, nil
			}
			msgs := h.msgs[op.Value.(string)]
			out := make([]json.RawMessage, 0, len(msgs))
			// Newest-first, as the history query expects.
			for i := len(msgs) - 1; i >= 0; i-- {
				out = append(out, mustRaw(t, msgs[i]))
			}
			if q.Limit > 0 && len(out) > q.Limit {
				out = out[:q.Limit]
			}
			return out, nil
		}
		return nil, nil
	}
	h.backend.subscribeFn = func(topic Topic) (Feed, error) {
		f := newFakeFeed()
		h.mu.Lock()
		h.feeds[topic.String()] = f
		h.mu.Unlock()
		return f, nil
	}
	h.client = New(h.backend, StaticSession("me"), opts...)
	return h
}

func (h *clientHarness) addChat(chat Chat, msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats[chat.ID] = chat
	h.msgs[chat.ID] = msgs
}

func (h *clientHarness) feed(topic Topic) *fakeFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.feeds[topic.String()]
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestClientRequiresSession(t *testing.T) {
	c := New(newFakeBackend(), StaticSession(""))
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v", err)
	}
}

func TestClientStartFailsWhenChatListUnavailable(t *testing.T) {
	b := newFakeBackend()
	b.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		if entity == EntityParticipants {
			return nil, errors.New("backend down")
		}
		return nil, nil
	}
	c := New(b, StaticSession("me"))
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
}

// ============================================================================
// Chat selection
// ============================================================================

func chatA() Chat { return Chat{ID: "chat-a", Kind: ChatGroup, Name: "alpha"} }
func chatB() Chat { return Chat{ID: "chat-b", Kind: ChatGroup, Name: "beta"} }

func TestSelectChatInstallsNewestPage(t *testing.T) {
	h := newClientHarness(t)
	h.addChat(chatA(),
		testMessage("m1", "you", "one", 1),
		testMessage("m2", "me", "two", 2),
	)
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	if err := h.client.SelectChat(context.Background(), "chat-a"); err != nil {
		t.Fatalf("select: %v", err)
	}

	if active := h.client.ActiveChat(); active == nil || active.ID != "chat-a" {
		t.Fatalf("active = %+v", active)
	}
	msgs := h.client.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages = %v", logIDs(msgs))
	}
	if h.client.HasMoreHistory() {
		t.Fatal("short page should clear hasMore")
	}

	// The unread message gets a read receipt.
	waitFor(t, time.Second, func() bool {
		for _, m := range h.backend.recorded() {
			if m.entity == EntityReadStatus {
				return true
			}
		}
		return false
	})
}

func TestSelectChatOpensFeedsAndAppliesEvents(t *testing.T) {
	h := newClientHarness(t)
	h.addChat(chatA())
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	if err := h.client.SelectChat(context.Background(), "chat-a"); err != nil {
		t.Fatal(err)
	}

	var feed *fakeFeed
	waitFor(t, time.Second, func() bool {
		feed = h.feed(MessagesTopic("chat-a"))
		return feed != nil
	})
	in := testMessage("m1", "you", "hello", 1)
	in.ChatID = "chat-a"
	feed.emit(t, OpInsert, in)

	waitFor(t, time.Second, func() bool {
		msgs := h.client.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	})
}

func TestSelectChatSwitchWins(t *testing.T) {
	h := newClientHarness(t)
	h.addChat(chatA(), testMessage("a1", "you", "slow", 1))
	h.addChat(chatB(), testMessage("b1", "you", "fast", 1))

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	var once sync.Once
	inner := h.backend.queryFn
	h.backend.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		if entity == EntityMessages {
			if op, ok := q.Filter["chat_id"]; ok && op.Value == "chat-a" {
				once.Do(func() { close(aStarted) })
				<-aRelease
			}
		}
		return inner(entity, q)
	}

	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.client.SelectChat(context.Background(), "chat-a")
	}()
	<-aStarted

	// The user switches before the first selection finishes loading.
	if err := h.client.SelectChat(context.Background(), "chat-b"); err != nil {
		t.Fatal(err)
	}
	close(aRelease)
	if err := <-done; err != nil {
		t.Fatalf("stale select returned error: %v", err)
	}

	if active := h.client.ActiveChat(); active == nil || active.ID != "chat-b" {
		t.Fatalf("active = %+v", active)
	}
	for _, m := range h.client.Messages() {
		if m.ChatID == "chat-a" {
			t.Fatal("stale load leaked into the active log")
		}
	}
}

func TestSelectChatSwitchWinsDuringMetadataFetch(t *testing.T) {
	h := newClientHarness(t)
	h.addChat(chatA(), testMessage("a1", "you", "slow", 1))
	h.addChat(chatB(), testMessage("b1", "you", "fast", 1))

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	var once sync.Once
	inner := h.backend.queryFn
	h.backend.queryFn = func(entity string, q Query) ([]json.RawMessage, error) {
		// Stall the first selection in its chat-metadata fetch, before it
		// has loaded any messages.
		if entity == EntityChats && q.Filter["id"].Value == "chat-a" {
			once.Do(func() { close(aStarted) })
			<-aRelease
		}
		return inner(entity, q)
	}

	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.client.SelectChat(context.Background(), "chat-a")
	}()
	<-aStarted

	if err := h.client.SelectChat(context.Background(), "chat-b"); err != nil {
		t.Fatal(err)
	}
	close(aRelease)
	if err := <-done; err != nil {
		t.Fatalf("stale select returned error: %v", err)
	}

	if active := h.client.ActiveChat(); active == nil || active.ID != "chat-b" {
		t.Fatalf("active = %+v, want chat-b", active)
	}
	msgs := h.client.Messages()
	if len(msgs) != 1 || msgs[0].ID != "b1" {
		t.Fatalf("messages = %v", logIDs(msgs))
	}
}

func TestStartOpensScopedBlockFeeds(t *testing.T) {
	h := newClientHarness(t)
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	waitFor(t, time.Second, func() bool {
		return h.feed(BlockerTopic("me")) != nil && h.feed(BlockedTopic("me")) != nil
	})
}

func TestDeselectChatClearsSelection(t *testing.T) {
	h := newClientHarness(t)
	h.addChat(chatA(), testMessage("m1", "you", "one", 1))
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	if err := h.client.SelectChat(context.Background(), "chat-a"); err != nil {
		t.Fatal(err)
	}
	h.client.DeselectChat()

	if h.client.ActiveChat() != nil {
		t.Fatal("active chat survived deselect")
	}
	if h.client.Messages() != nil {
		t.Fatal("messages survived deselect")
	}
	if len(h.client.TypingUsers()) != 0 {
		t.Fatal("typing set survived deselect")
	}
}

func TestSendMessageRequiresSelection(t *testing.T) {
	h := newClientHarness(t)
	if err := h.client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.client.Close(context.Background())

	if err := h.client.SendMessage(context.Background(), "hello", ""); err == nil {
		t.Fatal("expected error without a selected chat")
	}
}
