package loqui

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultTypingDebounce    = 3 * time.Second
)

// ============================================================================
// Presence heartbeat
// ============================================================================

// heartbeat periodically marks the current user online. On shutdown a
// best-effort offline push is sent; a prolonged client failure therefore
// leaves a stale last_seen, which readers must tolerate.
func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.pushPresence(ctx, true)
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pushPresence(ctx, true)
		}
	}
}

func (c *Client) pushPresence(ctx context.Context, online bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.backend.Mutate(ctx, EntityUsers, OpUpdate, map[string]any{
		"id":        c.session.UserID(),
		"is_online": online,
		"last_seen": time.Now().UTC(),
	})
	if err != nil {
		c.logf("presence push: %v", err)
	}
}

// ============================================================================
// Typing tracker
// ============================================================================

// typingTracker debounces local keystrokes into at most one typing-start
// per burst and a single typing-stop after the debounce window elapses
// without further keystrokes.
type typingTracker struct {
	backend  Backend
	session  Session
	logf     Logger
	debounce time.Duration

	mu     sync.Mutex
	chatID string
	timer  *time.Timer
	active bool
}

func newTypingTracker(backend Backend, session Session, debounce time.Duration, logf Logger) *typingTracker {
	return &typingTracker{backend: backend, session: session, debounce: debounce, logf: logf}
}

// keystroke records typing activity in chatID. The first keystroke of a
// burst publishes the typing indicator; each subsequent one only re-arms
// the expiry timer.
func (t *typingTracker) keystroke(ctx context.Context, chatID string) {
	t.mu.Lock()
	if t.active && t.chatID == chatID {
		t.timer.Reset(t.debounce)
		t.mu.Unlock()
		return
	}
	if t.active {
		// Switched chats mid-burst: close out the old indicator first.
		prev := t.chatID
		t.timer.Stop()
		t.active = false
		t.mu.Unlock()
		t.publish(ctx, prev, false)
		t.mu.Lock()
	}
	t.chatID = chatID
	t.active = true
	t.timer = time.AfterFunc(t.debounce, func() { t.expire(chatID) })
	t.mu.Unlock()
	t.publish(ctx, chatID, true)
}

// stop clears the indicator immediately, e.g. when a message is sent or the
// chat is deselected.
func (t *typingTracker) stop(ctx context.Context) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	chatID := t.chatID
	t.timer.Stop()
	t.active = false
	t.mu.Unlock()
	t.publish(ctx, chatID, false)
}

func (t *typingTracker) expire(chatID string) {
	t.mu.Lock()
	if !t.active || t.chatID != chatID {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.publish(ctx, chatID, false)
}

// publish upserts the indicator row when typing starts and deletes it when
// typing stops, so no stale rows accumulate for idle users.
func (t *typingTracker) publish(ctx context.Context, chatID string, typing bool) {
	payload := map[string]any{
		"chat_id": chatID,
		"user_id": t.session.UserID(),
	}
	var err error
	if typing {
		payload["is_typing"] = true
		payload["updated_at"] = time.Now().UTC()
		_, err = t.backend.Mutate(ctx, EntityTyping, OpInsert, payload)
	} else {
		_, err = t.backend.Mutate(ctx, EntityTyping, OpDelete, payload)
	}
	if err != nil {
		t.logf("typing publish: %v", err)
	}
}

// ============================================================================
// Typing consumption
// ============================================================================

// SetTyping records a keystroke in the active chat.
func (c *Client) SetTyping(ctx context.Context) {
	c.mu.Lock()
	chatID := ""
	if c.active != nil {
		chatID = c.active.ID
	}
	c.mu.Unlock()
	if chatID == "" {
		return
	}
	c.typingTracker.keystroke(ctx, chatID)
}

// StopTyping clears the local typing indicator immediately.
func (c *Client) StopTyping(ctx context.Context) {
	c.typingTracker.stop(ctx)
}

// TypingUsers returns the users currently typing in the active chat,
// excluding the current user.
func (c *Client) TypingUsers() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, len(c.typing))
	copy(out, c.typing)
	return out
}

// consumeTyping re-derives the active chat's typing set from the backend on
// every indicator change. The gen guard discards results that arrive after
// the user has switched chats.
func (c *Client) consumeTyping(h *Handle, chatID string, gen uint64) {
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		users, err := c.fetchTypingUsers(ctx, chatID)
		if err != nil {
			c.logf("typing refresh: %v", err)
			return
		}
		c.mu.Lock()
		if c.selectGen == gen {
			c.typing = users
		}
		c.mu.Unlock()
	}
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
			refresh()
		case <-h.Resyncs():
			refresh()
		}
	}
}

func (c *Client) fetchTypingUsers(ctx context.Context, chatID string) ([]User, error) {
	records, err := c.backend.Query(ctx, EntityTyping, Query{
		Filter: map[string]FilterOp{
			"chat_id":   Eq(chatID),
			"is_typing": Eq(true),
			"user_id":   Neq(c.session.UserID()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch typing: %w", err)
	}
	signals, err := decodeRecords[TypingSignal](records)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(signals))
	for _, s := range signals {
		if s.User != nil {
			users = append(users, *s.User)
		}
	}
	return users, nil
}
