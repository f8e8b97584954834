package loqui

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Block cache
// ============================================================================

// blockCache mirrors the block table in both directions so UI checks are
// O(1). It is rebuilt wholesale on every block change event; a failed
// rebuild keeps the previous sets.
type blockCache struct {
	backend Backend
	session Session

	mu   sync.Mutex
	byMe map[string]struct{} // users the current user has blocked
	ofMe map[string]struct{} // users who have blocked the current user
}

func newBlockCache(backend Backend, session Session) *blockCache {
	return &blockCache{
		backend: backend,
		session: session,
		byMe:    map[string]struct{}{},
		ofMe:    map[string]struct{}{},
	}
}

func (b *blockCache) load(ctx context.Context) error {
	self := b.session.UserID()

	outgoing, err := b.backend.Query(ctx, EntityBlocks, Query{
		Filter: map[string]FilterOp{"blocker_id": Eq(self)},
	})
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	incoming, err := b.backend.Query(ctx, EntityBlocks, Query{
		Filter: map[string]FilterOp{"blocked_id": Eq(self)},
	})
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}

	out, err := decodeRecords[BlockRelation](outgoing)
	if err != nil {
		return err
	}
	in, err := decodeRecords[BlockRelation](incoming)
	if err != nil {
		return err
	}

	byMe := make(map[string]struct{}, len(out))
	for _, r := range out {
		byMe[r.BlockedID] = struct{}{}
	}
	ofMe := make(map[string]struct{}, len(in))
	for _, r := range in {
		ofMe[r.BlockerID] = struct{}{}
	}

	b.mu.Lock()
	b.byMe, b.ofMe = byMe, ofMe
	b.mu.Unlock()
	return nil
}

func (b *blockCache) blockedByMe(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byMe[userID]
	return ok
}

func (b *blockCache) blockingMe(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ofMe[userID]
	return ok
}

// ============================================================================
// Block commands
// ============================================================================

// BlockedByMe reports whether the current user has blocked userID.
func (c *Client) BlockedByMe(userID string) bool {
	return c.blockCache.blockedByMe(userID)
}

// BlockingMe reports whether userID has blocked the current user.
func (c *Client) BlockingMe(userID string) bool {
	return c.blockCache.blockingMe(userID)
}

// BlockUser blocks userID and refreshes the cache.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	_, err := c.backend.Mutate(ctx, EntityBlocks, OpInsert, map[string]any{
		"blocker_id": c.session.UserID(),
		"blocked_id": userID,
	})
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return c.blockCache.load(ctx)
}

// UnblockUser removes the block on userID and refreshes the cache.
func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	if !c.session.Valid() {
		return ErrNotAuthenticated
	}
	_, err := c.backend.Mutate(ctx, EntityBlocks, OpDelete, map[string]any{
		"blocker_id": c.session.UserID(),
		"blocked_id": userID,
	})
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return c.blockCache.load(ctx)
}

// consumeBlocks rebuilds the cache on every block change and on
// resubscription.
func (c *Client) consumeBlocks(h *Handle) {
	reload := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.blockCache.load(ctx); err != nil {
			c.logf("reload blocks: %v", err)
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
