// Package loqui keeps a local, reactive replica of a user's conversations
// in sync with a realtime chat backend.
//
// A Client owns the chat list, the active chat's message log, typing and
// presence signals, and the block cache. All remote change feeds run under a
// supervisor that resubscribes with backoff and resyncs missed state after
// every gap.
//
// Example:
//
//	backend := loqui.NewHTTPBackend("https://chat.example.com", token)
//	client := loqui.New(backend, loqui.StaticSession(userID))
//
//	if err := client.Start(ctx); err != nil { ... }
//	defer client.Close(context.Background())
//
//	client.SelectChat(ctx, chatID)
//	client.SendMessage(ctx, "hello", "")
//	for _, m := range client.Messages() { ... }
package loqui

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultPageSize = 50

// Logger receives diagnostic output from background tasks. The default
// discards everything.
type Logger func(format string, args ...any)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	backend Backend
	session Session
	sup     *Supervisor
	logf    Logger
	wg      sync.WaitGroup

	pageSize          int
	heartbeatInterval time.Duration
	typingDebounce    time.Duration
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration
	degradedAfter     int

	chatList      *chatList
	blockCache    *blockCache
	typingTracker *typingTracker

	mu           sync.Mutex
	active       *Chat
	stream       *messageStream
	msgHandle    *Handle
	typingHandle *Handle
	typing       []User
	selectGen    uint64

	cancel context.CancelFunc
}

type Option func(*Client)

// WithLogger routes diagnostics from background tasks to logf.
func WithLogger(logf Logger) Option {
	return func(c *Client) { c.logf = logf }
}

// WithPageSize sets the message page size for initial load and backfill.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithHeartbeatInterval sets how often the presence heartbeat fires.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithTypingDebounce sets how long after the last keystroke the typing
// indicator clears.
func WithTypingDebounce(d time.Duration) Option {
	return func(c *Client) { c.typingDebounce = d }
}

// WithRetryDelays sets the base and ceiling of the subscription retry
// backoff.
func WithRetryDelays(base, max time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = base
		c.retryMaxDelay = max
	}
}

// WithDegradedAfter sets how many consecutive subscription failures flag a
// handle as degraded.
func WithDegradedAfter(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.degradedAfter = n
		}
	}
}

// New creates a Client bound to a backend and an authenticated session.
// Call Start to begin syncing.
func New(backend Backend, session Session, opts ...Option) *Client {
	c := &Client{
		backend:           backend,
		session:           session,
		logf:              func(string, ...any) {},
		pageSize:          defaultPageSize,
		heartbeatInterval: defaultHeartbeatInterval,
		typingDebounce:    defaultTypingDebounce,
		retryBaseDelay:    defaultRetryBaseDelay,
		retryMaxDelay:     defaultRetryMaxDelay,
		degradedAfter:     defaultDegradedAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sup = NewSupervisor(backend, c.retryBaseDelay, c.retryMaxDelay, c.degradedAfter, c.logf)
	c.chatList = newChatList(backend, session, c.logf)
	c.blockCache = newBlockCache(backend, session)
	c.typingTracker = newTypingTracker(backend, session, c.typingDebounce, c.logf)
	return c
}

// Start loads the chat list and block cache, subscribes to membership and
// block changes, and begins the presence heartbeat.
func (c *Client) Start(ctx context.Context) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	if err := c.chatList.load(ctx); err != nil {
		return err
	}
	if err := c.blockCache.load(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	membershipHandle := c.sup.Open(ParticipantsTopic(c.session.UserID()))
	blockerHandle := c.sup.Open(BlockerTopic(c.session.UserID()))
	blockedHandle := c.sup.Open(BlockedTopic(c.session.UserID()))
	c.wg.Add(4)
	go func() { defer c.wg.Done(); c.consumeMemberships(membershipHandle) }()
	go func() { defer c.wg.Done(); c.consumeBlocks(blockerHandle) }()
	go func() { defer c.wg.Done(); c.consumeBlocks(blockedHandle) }()
	go c.heartbeat(bgCtx)
	return nil
}

// Close tears down all subscriptions, stops the heartbeat and pushes a
// best-effort offline presence.
func (c *Client) Close(ctx context.Context) error {
	c.DeselectChat()

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.typingTracker.stop(ctx)
	c.pushPresence(ctx, false)
	c.sup.Teardown()
	c.wg.Wait()
	return nil
}

// ============================================================================
// Chat selection
// ============================================================================

// SelectChat makes chatID the active chat: its newest message page loads,
// its message and typing feeds open, and unread messages are marked read.
// Selecting a different chat while a load is in flight wins; the slower
// load's results are discarded.
func (c *Client) SelectChat(ctx context.Context, chatID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}

	// Claim a generation before the first suspension point. Any select still
	// in flight for an older generation becomes stale here, no matter which
	// of its fetches it is suspended in.
	c.mu.Lock()
	c.selectGen++
	gen := c.selectGen
	c.mu.Unlock()

	chat, err := c.fetchChat(ctx, chatID)
	if err != nil {
		return err
	}

	stream := newMessageStream(c.backend, c.session.UserID(), chatID, c.pageSize)
	unread, err := stream.loadInitial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.selectGen != gen {
		// The user switched again while we were loading; the previous
		// selection is no longer ours to touch.
		c.mu.Unlock()
		return nil
	}
	c.teardownSelectionLocked()
	c.active = chat
	c.stream = stream
	c.typing = nil
	msgHandle := c.sup.Open(MessagesTopic(chatID))
	typingHandle := c.sup.Open(TypingTopic(chatID))
	c.msgHandle = msgHandle
	c.typingHandle = typingHandle
	c.mu.Unlock()

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.consumeMessages(stream, msgHandle) }()
	go func() { defer c.wg.Done(); c.consumeTyping(typingHandle, chatID, gen) }()

	if len(unread) > 0 {
		go func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer rcancel()
			if err := c.markRead(rctx, unread); err != nil {
				c.logf("mark read on select: %v", err)
			}
		}()
	}
	return nil
}

// DeselectChat clears the active chat and closes its feeds.
func (c *Client) DeselectChat() {
	c.typingTracker.stop(context.Background())
	c.mu.Lock()
	c.teardownSelectionLocked()
	c.selectGen++
	c.mu.Unlock()
}

// teardownSelectionLocked releases the active chat's handles. Callers hold
// c.mu.
func (c *Client) teardownSelectionLocked() {
	if c.msgHandle != nil {
		c.sup.Release(c.msgHandle)
		c.msgHandle = nil
	}
	if c.typingHandle != nil {
		c.sup.Release(c.typingHandle)
		c.typingHandle = nil
	}
	c.active = nil
	c.stream = nil
	c.typing = nil
}

// ActiveChat returns the currently selected chat, or nil.
func (c *Client) ActiveChat() *Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	chat := *c.active
	return &chat
}

// Messages returns the active chat's message log, oldest first.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.messages()
}

// HasMoreHistory reports whether older pages remain for the active chat.
func (c *Client) HasMoreHistory() bool {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return false
	}
	return stream.more()
}

// activeStream returns the active chat's stream and the sending user, or an
// error when no chat is selected.
func (c *Client) activeStream() (*messageStream, *User, error) {
	if !c.session.Valid() {
		return nil, nil, ErrNotAuthenticated
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || c.active == nil {
		return nil, nil, fmt.Errorf("no chat selected")
	}
	sender := &User{ID: c.session.UserID()}
	for i := range c.active.Participants {
		if c.active.Participants[i].UserID == sender.ID && c.active.Participants[i].User != nil {
			sender = c.active.Participants[i].User
		}
	}
	return c.stream, sender, nil
}
