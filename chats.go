package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Chat List Synchronizer
// ============================================================================

// chatList maintains the ordered set of chats visible to the current user:
// loaded on session start, reloaded on every membership change event. A load
// failure leaves the previous list intact.
type chatList struct {
	backend Backend
	session Session
	logf    Logger

	mu      sync.Mutex
	chats   []Chat
	loading bool
}

func newChatList(backend Backend, session Session, logf Logger) *chatList {
	return &chatList{backend: backend, session: session, logf: logf}
}

func (cl *chatList) snapshot() []Chat {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]Chat, len(cl.chats))
	copy(out, cl.chats)
	return out
}

func (cl *chatList) isLoading() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.loading
}

// load fetches the user's memberships (newest join first) with their chats
// embedded, resolves otherUser for private chats, and derives unread counts.
func (cl *chatList) load(ctx context.Context) error {
	if !cl.session.Valid() {
		return ErrNotAuthenticated
	}
	self := cl.session.UserID()

	cl.mu.Lock()
	// Only flag loading on the very first load; reloads keep the old list
	// visible until the new one lands.
	if len(cl.chats) == 0 {
		cl.loading = true
	}
	cl.mu.Unlock()
	defer func() {
		cl.mu.Lock()
		cl.loading = false
		cl.mu.Unlock()
	}()

	records, err := cl.backend.Query(ctx, EntityParticipants, Query{
		Filter:     map[string]FilterOp{"user_id": Eq(self)},
		OrderBy:    "joined_at",
		Descending: true,
	})
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	memberships, err := decodeRecords[ChatParticipant](records)
	if err != nil {
		return err
	}

	chats := make([]Chat, 0, len(memberships))
	for _, m := range memberships {
		if m.Chat == nil {
			continue
		}
		chat := *m.Chat
		if chat.Kind == ChatPrivate {
			chat.OtherUser = otherParticipant(chat.Participants, self)
		}
		if last, err := cl.latestMessage(ctx, chat.ID); err != nil {
			cl.logf("last message for %s: %v", chat.ID, err)
		} else {
			chat.LastMessage = last
		}
		if n, err := cl.unreadCount(ctx, chat.ID, m.LastReadMessageID); err != nil {
			cl.logf("unread count for %s: %v", chat.ID, err)
		} else {
			chat.UnreadCount = n
		}
		chats = append(chats, chat)
	}

	cl.mu.Lock()
	cl.chats = chats
	cl.mu.Unlock()
	return nil
}

// latestMessage fetches a chat's newest non-deleted message, or nil for an
// empty chat.
func (cl *chatList) latestMessage(ctx context.Context, chatID string) (*Message, error) {
	records, err := cl.backend.Query(ctx, EntityMessages, Query{
		Filter: map[string]FilterOp{
			"chat_id":    Eq(chatID),
			"is_deleted": Eq(false),
		},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeRecords[Message](records)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// unreadCount derives a chat's unread count: messages newer than the last
// read message and not authored by self.
func (cl *chatList) unreadCount(ctx context.Context, chatID, lastReadID string) (int, error) {
	filter := map[string]FilterOp{
		"chat_id":    Eq(chatID),
		"sender_id":  Neq(cl.session.UserID()),
		"is_deleted": Eq(false),
	}
	if lastReadID != "" {
		rows, err := cl.backend.Query(ctx, EntityMessages, Query{
			Filter: map[string]FilterOp{"id": Eq(lastReadID)},
			Limit:  1,
		})
		if err != nil {
			return 0, err
		}
		anchors, err := decodeRecords[Message](rows)
		if err != nil {
			return 0, err
		}
		if len(anchors) > 0 {
			filter["created_at"] = Gt(anchors[0].CreatedAt.Format(time.RFC3339Nano))
		}
	}
	records, err := cl.backend.Query(ctx, EntityMessages, Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// otherParticipant returns the private-chat counterpart: the participant
// whose id differs from self.
func otherParticipant(participants []ChatParticipant, self string) *User {
	for i := range participants {
		if participants[i].UserID != self {
			return participants[i].User
		}
	}
	return nil
}

// consumeMemberships reloads the chat list on every membership change event
// and on resubscription. Reload failures keep the previous list.
func (c *Client) consumeMemberships(h *Handle) {
	reload := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.chatList.load(ctx); err != nil {
			c.logf("reload chats: %v", err)
		}
	}
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
			reload()
		case <-h.Resyncs():
			reload()
		}
	}
}

// ============================================================================
// Chat commands
// ============================================================================

// LoadChats refreshes the chat list. On failure the previous list is kept.
func (c *Client) LoadChats(ctx context.Context) error {
	return c.chatList.load(ctx)
}

// Chats returns the current chat list, newest membership first.
func (c *Client) Chats() []Chat {
	return c.chatList.snapshot()
}

// Loading reports whether the initial chat list load is in flight.
func (c *Client) Loading() bool {
	return c.chatList.isLoading()
}

// fetchChat loads one chat with its participants and resolves otherUser.
func (c *Client) fetchChat(ctx context.Context, chatID string) (*Chat, error) {
	records, err := c.backend.Query(ctx, EntityChats, Query{
		Filter: map[string]FilterOp{"id": Eq(chatID)},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chat: %w", err)
	}
	chats, err := decodeRecords[Chat](records)
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return nil, &APIError{Code: "NOT_FOUND", Message: "chat " + chatID + " not found"}
	}
	chat := chats[0]
	if chat.Kind == ChatPrivate {
		chat.OtherUser = otherParticipant(chat.Participants, c.session.UserID())
	}
	return &chat, nil
}

// StartPrivateChat creates (or returns the existing) private chat with the
// given user, reloads the list and selects it.
func (c *Client) StartPrivateChat(ctx context.Context, userID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	record, err := c.backend.Mutate(ctx, EntityChats, OpInsert, map[string]any{
		"type":       ChatPrivate,
		"created_by": c.session.UserID(),
		"member_ids": []string{c.session.UserID(), userID},
	})
	if err != nil {
		return fmt.Errorf("start private chat: %w", err)
	}
	var chat Chat
	if err := json.Unmarshal(record, &chat); err != nil {
		return fmt.Errorf("failed to decode chat: %w", err)
	}
	if err := c.chatList.load(ctx); err != nil {
		c.logf("reload chats: %v", err)
	}
	return c.SelectChat(ctx, chat.ID)
}

// CreateGroupChat creates a group chat with the creator as admin and the
// given users as members, and returns it.
func (c *Client) CreateGroupChat(ctx context.Context, name string, participantIDs []string, avatarRef string) (*Chat, error) {
	if !c.session.Valid() {
		return nil, ErrNotAuthenticated
	}
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	self := c.session.UserID()

	record, err := c.backend.Mutate(ctx, EntityChats, OpInsert, map[string]any{
		"type":       ChatGroup,
		"name":       name,
		"avatar_url": avatarRef,
		"created_by": self,
	})
	if err != nil {
		return nil, fmt.Errorf("create group chat: %w", err)
	}
	var chat Chat
	if err := json.Unmarshal(record, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat: %w", err)
	}

	rows := []map[string]any{{"chat_id": chat.ID, "user_id": self, "role": RoleAdmin}}
	for _, id := range participantIDs {
		rows = append(rows, map[string]any{"chat_id": chat.ID, "user_id": id, "role": RoleMember})
	}
	if _, err := c.backend.Mutate(ctx, EntityParticipants, OpInsert, rows); err != nil {
		return nil, fmt.Errorf("add participants: %w", err)
	}
	return &chat, nil
}

// AddParticipant adds a member to a chat.
func (c *Client) AddParticipant(ctx context.Context, chatID, userID string, role ParticipantRole) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	if role == "" {
		role = RoleMember
	}
	_, err := c.backend.Mutate(ctx, EntityParticipants, OpInsert, map[string]any{
		"chat_id": chatID,
		"user_id": userID,
		"role":    role,
	})
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RemoveParticipant removes a member from a chat.
func (c *Client) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	_, err := c.backend.Mutate(ctx, EntityParticipants, OpDelete, map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// UpdateParticipantSettings updates the current user's per-chat flags
// (notifications, pinned, archived).
func (c *Client) UpdateParticipantSettings(ctx context.Context, chatID string, updates map[string]any) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	payload := map[string]any{
		"chat_id": chatID,
		"user_id": c.session.UserID(),
	}
	for k, v := range updates {
		payload[k] = v
	}
	_, err := c.backend.Mutate(ctx, EntityParticipants, OpUpdate, payload)
	if err != nil {
		return fmt.Errorf("update participant settings: %w", err)
	}
	return nil
}

// LeaveChat removes the current user's membership.
func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	return c.RemoveParticipant(ctx, chatID, c.session.UserID())
}

// DeleteChat deletes a chat outright when it is private or created by the
// current user; otherwise the user just leaves it. The active chat is
// deselected if it was the one deleted.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	chat, err := c.fetchChat(ctx, chatID)
	if err != nil {
		return err
	}

	if chat.Kind == ChatPrivate || chat.CreatedBy == c.session.UserID() {
		if _, err := c.backend.Mutate(ctx, EntityChats, OpDelete, map[string]any{"id": chatID}); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
	} else if err := c.LeaveChat(ctx, chatID); err != nil {
		return err
	}

	if active := c.ActiveChat(); active != nil && active.ID == chatID {
		c.DeselectChat()
	}
	if err := c.chatList.load(ctx); err != nil {
		c.logf("reload chats: %v", err)
	}
	return nil
}

// SearchUsers finds users whose username contains query, capped at 20.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	if !c.session.Valid() {
		return nil, ErrNotAuthenticated
	}
	if query == "" {
		return nil, nil
	}
	records, err := c.backend.Query(ctx, EntityUsers, Query{
		Filter: map[string]FilterOp{"username": Like(query)},
		Limit:  20,
	})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return decodeRecords[User](records)
}

// UpdateProfile updates fields on the current user's profile.
func (c *Client) UpdateProfile(ctx context.Context, updates map[string]any) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	payload := map[string]any{"id": c.session.UserID()}
	for k, v := range updates {
		payload[k] = v
	}
	_, err := c.backend.Mutate(ctx, EntityUsers, OpUpdate, payload)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}
