package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Log
// ============================================================================

// messageLog is one chat's ordered message log: sorted by (createdAt, id)
// ascending, with O(1) reachability by id. Not goroutine-safe; the owning
// stream serializes access.
type messageLog struct {
	entries []Message
	index   map[string]int
}

func newMessageLog() *messageLog {
	return &messageLog{index: make(map[string]int)}
}

func (l *messageLog) len() int { return len(l.entries) }

func (l *messageLog) contains(id string) bool {
	_, ok := l.index[id]
	return ok
}

func (l *messageLog) get(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.entries[i], true
}

func (l *messageLog) oldest() (Message, bool) {
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[0], true
}

// snapshot returns a copy of the log in order.
func (l *messageLog) snapshot() []Message {
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// insert places m at its sorted position. Returns false without modifying the
// log when an entry with the same id already exists.
func (l *messageLog) insert(m Message) bool {
	if l.contains(m.ID) {
		return false
	}
	// The common case is an append at the tail; scan back from the end.
	i := len(l.entries)
	for i > 0 && messageLess(&m, &l.entries[i-1]) {
		i--
	}
	l.entries = append(l.entries, Message{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
	l.reindexFrom(i)
	return true
}

// replaceAt swaps the entry at position i for m, keeping the log index, then
// restores sort order for the replaced entry if its timestamp moved past a
// neighbor.
func (l *messageLog) replaceAt(i int, m Message) {
	delete(l.index, l.entries[i].ID)
	l.entries[i] = m
	l.index[m.ID] = i
	l.restore(i)
}

// update replaces the entry with m's id in place; position is unchanged
// because createdAt does not change on edit. Returns false if absent.
func (l *messageLog) update(m Message) bool {
	i, ok := l.index[m.ID]
	if !ok {
		return false
	}
	l.entries[i] = m
	return true
}

func (l *messageLog) remove(id string) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	delete(l.index, id)
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.reindexFrom(i)
	return true
}

// matchOptimistic finds the unconfirmed optimistic entry corresponding to an
// incoming confirmed record: by correlation id when the event carries one,
// falling back to (senderId, content, chatId) equality otherwise. Returns -1
// when nothing matches.
func (l *messageLog) matchOptimistic(m *Message) int {
	for i := range l.entries {
		e := &l.entries[i]
		if !e.IsOptimistic {
			continue
		}
		if m.ClientID != "" {
			if e.ClientID == m.ClientID {
				return i
			}
			continue
		}
		if e.SenderID == m.SenderID && e.Content == m.Content && e.ChatID == m.ChatID {
			return i
		}
	}
	return -1
}

// restore bubbles the entry at i toward its sorted position. A no-op when
// order already holds, which is the usual case.
func (l *messageLog) restore(i int) {
	for i > 0 && messageLess(&l.entries[i], &l.entries[i-1]) {
		l.swap(i, i-1)
		i--
	}
	for i < len(l.entries)-1 && messageLess(&l.entries[i+1], &l.entries[i]) {
		l.swap(i, i+1)
		i++
	}
}

func (l *messageLog) swap(i, j int) {
	l.entries[i], l.entries[j] = l.entries[j], l.entries[i]
	l.index[l.entries[i].ID] = i
	l.index[l.entries[j].ID] = j
}

func (l *messageLog) reindexFrom(i int) {
	for ; i < len(l.entries); i++ {
		l.index[l.entries[i].ID] = i
	}
}

// ============================================================================
// Message Stream
// ============================================================================

// messageStream reconciles one selected chat's message log against the two
// sources of change: local optimistic sends and the chat's change feed. It
// also backfills older pages on demand.
type messageStream struct {
	backend  Backend
	self     string
	chatID   string
	pageSize int

	mu      sync.Mutex
	log     *messageLog
	hasMore bool
}

func newMessageStream(backend Backend, self, chatID string, pageSize int) *messageStream {
	return &messageStream{
		backend:  backend,
		self:     self,
		chatID:   chatID,
		pageSize: pageSize,
		log:      newMessageLog(),
		hasMore:  true,
	}
}

func (s *messageStream) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

func (s *messageStream) more() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// loadPage fetches one page of history, ascending. With a beforeID it resolves
// that message's createdAt and requests records strictly older.
func (s *messageStream) loadPage(ctx context.Context, beforeID string) ([]Message, error) {
	filter := map[string]FilterOp{
		"chat_id":    Eq(s.chatID),
		"is_deleted": Eq(false),
	}
	if beforeID != "" {
		cutoff, err := s.resolveCreatedAt(ctx, beforeID)
		if err != nil {
			return nil, err
		}
		filter["created_at"] = Lt(cutoff.Format(time.RFC3339Nano))
	}

	records, err := s.backend.Query(ctx, EntityMessages, Query{
		Filter:     filter,
		OrderBy:    "created_at",
		Descending: true,
		Limit:      s.pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	msgs, err := decodeRecords[Message](records)
	if err != nil {
		return nil, err
	}
	// The backing query returns newest-first; the log is ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *messageStream) resolveCreatedAt(ctx context.Context, messageID string) (time.Time, error) {
	s.mu.Lock()
	m, ok := s.log.get(messageID)
	s.mu.Unlock()
	if ok {
		return m.CreatedAt, nil
	}
	records, err := s.backend.Query(ctx, EntityMessages, Query{
		Filter: map[string]FilterOp{"id": Eq(messageID)},
		Limit:  1,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve cursor: %w", err)
	}
	msgs, err := decodeRecords[Message](records)
	if err != nil || len(msgs) == 0 {
		return time.Time{}, fmt.Errorf("cursor message %s not found", messageID)
	}
	return msgs[0].CreatedAt, nil
}

// loadInitial fetches the newest page for a freshly selected chat and returns
// the ids of fetched messages not authored by self, for the read-receipt pass.
func (s *messageStream) loadInitial(ctx context.Context) ([]string, error) {
	msgs, err := s.loadPage(ctx, "")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, m := range msgs {
		s.log.insert(m)
	}
	s.hasMore = len(msgs) >= s.pageSize
	s.mu.Unlock()

	var unread []string
	for _, m := range msgs {
		if m.SenderID != s.self {
			unread = append(unread, m.ID)
		}
	}
	return unread, nil
}

// loadOlder backfills one page before the oldest loaded message. Merging is
// idempotent by id, so re-loading a page never duplicates entries.
func (s *messageStream) loadOlder(ctx context.Context) error {
	s.mu.Lock()
	oldest, ok := s.log.oldest()
	hasMore := s.hasMore
	s.mu.Unlock()
	if !ok || !hasMore {
		return nil
	}

	msgs, err := s.loadPage(ctx, oldest.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if len(msgs) < s.pageSize {
		s.hasMore = false
	}
	for _, m := range msgs {
		s.log.insert(m)
	}
	s.mu.Unlock()
	return nil
}

// resync re-fetches the newest page after a resubscription and merges it, so
// events raised during the outage are recovered.
func (s *messageStream) resync(ctx context.Context) error {
	msgs, err := s.loadPage(ctx, "")
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, m := range msgs {
		if i := s.log.matchOptimistic(&m); i >= 0 {
			s.log.replaceAt(i, m)
			continue
		}
		if !s.log.insert(m) {
			s.log.update(m)
		}
	}
	s.mu.Unlock()
	return nil
}

// send appends an optimistic placeholder and issues the remote insert. The
// call's own echo is ignored: the feed is the single source of truth, and the
// confirming insert event replaces the placeholder. On failure the
// placeholder is rolled back.
func (s *messageStream) send(ctx context.Context, sender *User, draft Message) error {
	draft.Content = strings.TrimSpace(draft.Content)
	if draft.Kind == "" {
		draft.Kind = MessageText
	}
	if draft.Kind == MessageText && draft.Content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	clientID := uuid.NewString()
	opt := draft
	opt.ID = "temp-" + clientID
	opt.ClientID = clientID
	opt.ChatID = s.chatID
	opt.SenderID = s.self
	opt.CreatedAt = time.Now().UTC()
	opt.IsOptimistic = true
	opt.Sender = sender

	s.mu.Lock()
	if opt.ReplyToID != "" {
		if r, ok := s.log.get(opt.ReplyToID); ok {
			reply := r
			opt.ReplyTo = &reply
		}
	}
	s.log.insert(opt)
	s.mu.Unlock()

	payload := map[string]any{
		"chat_id":      s.chatID,
		"sender_id":    s.self,
		"content":      opt.Content,
		"message_type": opt.Kind,
		"client_id":    clientID,
	}
	if opt.ReplyToID != "" {
		payload["reply_to_message_id"] = opt.ReplyToID
	}
	if opt.FileRef != "" {
		payload["file_url"] = opt.FileRef
		payload["file_name"] = opt.FileName
		payload["file_size"] = opt.FileSize
	}

	if _, err := s.backend.Mutate(ctx, EntityMessages, OpInsert, payload); err != nil {
		s.mu.Lock()
		s.log.remove(opt.ID)
		s.mu.Unlock()
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// applyEvent merges one change-feed event into the log. Returns the id of a
// newly inserted message not authored by self, which the caller acknowledges
// with a best-effort read receipt; otherwise "".
func (s *messageStream) applyEvent(ev Event) string {
	var m Message
	if err := json.Unmarshal(ev.Record, &m); err != nil {
		return ""
	}
	if m.ChatID != s.chatID {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Op {
	case OpInsert:
		if s.log.contains(m.ID) {
			return ""
		}
		if i := s.log.matchOptimistic(&m); i >= 0 {
			s.log.replaceAt(i, m)
		} else {
			s.log.insert(m)
		}
		if m.SenderID != s.self {
			return m.ID
		}
	case OpUpdate:
		s.log.update(m)
	case OpDelete:
		s.log.remove(m.ID)
	}
	return ""
}

// ============================================================================
// Message commands
// ============================================================================

// SendMessage appends a text message to the active chat. The message shows
// optimistically before server confirmation; a send failure removes it again.
func (c *Client) SendMessage(ctx context.Context, content, replyToID string) error {
	stream, sender, err := c.activeStream()
	if err != nil {
		return err
	}
	return stream.send(ctx, sender, Message{
		Content:   content,
		Kind:      MessageText,
		ReplyToID: replyToID,
	})
}

// SendFileMessage appends a file-backed message (image, video, audio, file or
// voice) to the active chat. The blob itself is uploaded out of band; fileRef
// points at the stored object.
func (c *Client) SendFileMessage(ctx context.Context, kind MessageKind, fileRef, fileName string, fileSize int64, caption string) error {
	if fileRef == "" {
		return &ValidationError{Field: "file_url", Reason: "must not be empty"}
	}
	stream, sender, err := c.activeStream()
	if err != nil {
		return err
	}
	return stream.send(ctx, sender, Message{
		Content:  caption,
		Kind:     kind,
		FileRef:  fileRef,
		FileName: fileName,
		FileSize: fileSize,
	})
}

// LoadOlderMessages backfills one page of history for the active chat. A
// no-op once the full history is loaded.
func (c *Client) LoadOlderMessages(ctx context.Context) error {
	stream, _, err := c.activeStream()
	if err != nil {
		return err
	}
	return stream.loadOlder(ctx)
}

// EditMessage rewrites a message's content. The log updates when the feed
// delivers the update event.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	_, err := c.backend.Mutate(ctx, EntityMessages, OpUpdate, map[string]any{
		"id":        messageID,
		"content":   content,
		"is_edited": true,
		"edited_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	_, err := c.backend.Mutate(ctx, EntityMessages, OpUpdate, map[string]any{
		"id":         messageID,
		"is_deleted": true,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// AddReaction reacts to a message with an emoji.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	_, err := c.backend.Mutate(ctx, EntityReactions, OpInsert, map[string]any{
		"message_id": messageID,
		"user_id":    c.session.UserID(),
		"emoji":      emoji,
	})
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// RemoveReaction removes the current user's reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	_, err := c.backend.Mutate(ctx, EntityReactions, OpDelete, map[string]any{
		"message_id": messageID,
		"user_id":    c.session.UserID(),
		"emoji":      emoji,
	})
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// markRead upserts read receipts for the given message ids.
func (c *Client) markRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		rows = append(rows, map[string]any{
			"message_id": id,
			"user_id":    c.session.UserID(),
		})
	}
	_, err := c.backend.Mutate(ctx, EntityReadStatus, OpInsert, rows)
	return err
}

// consumeMessages is the single consuming task for one chat's message feed.
// It exits when the handle's event channel closes (chat switch or teardown).
func (c *Client) consumeMessages(stream *messageStream, h *Handle) {
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			if id := stream.applyEvent(ev); id != "" {
				// Best-effort read receipt; failure is not a correctness
				// problem and is only logged.
				go func(id string) {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := c.markRead(ctx, []string{id}); err != nil {
						c.logf("mark read %s: %v", id, err)
					}
				}(id)
			}
		case <-h.Resyncs():
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := stream.resync(ctx); err != nil {
				c.logf("resync %s: %v", stream.chatID, err)
			}
			cancel()
		}
	}
}
