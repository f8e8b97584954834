package loqui

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ============================================================================
// Subscription Handle
// ============================================================================

// SubscriptionState is the lifecycle state of a subscription handle. A handle
// is in exactly one state at any time.
type SubscriptionState string

const (
	StateUnsubscribed SubscriptionState = "unsubscribed"
	StatePending      SubscriptionState = "pending"
	StateSubscribed   SubscriptionState = "subscribed"
	StateClosed       SubscriptionState = "closed"
	StateErrored      SubscriptionState = "errored"
)

// Handle is one supervised subscription to a change-feed topic. Events are
// delivered on a typed channel consumed by a single goroutine; Resyncs fires
// after every re-established subscription so the consumer can gap-fill.
type Handle struct {
	topic Topic

	mu       sync.Mutex
	state    SubscriptionState
	failures int
	degraded bool

	events   chan Event
	resyncs  chan struct{}
	released chan struct{}
}

// Topic returns the topic this handle is subscribed to.
func (h *Handle) Topic() Topic { return h.topic }

// Events is the handle's typed event channel. It is closed when the handle is
// released or its supervisor is torn down.
func (h *Handle) Events() <-chan Event { return h.events }

// Resyncs signals each successful resubscription after a fault. Consumers
// should re-fetch a bounded snapshot on receipt: events raised during the
// outage were not replayed.
func (h *Handle) Resyncs() <-chan struct{} { return h.resyncs }

// State returns the current lifecycle state.
func (h *Handle) State() SubscriptionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Degraded reports whether the handle has failed to subscribe several
// consecutive times. Retry continues while degraded; the flag clears on the
// next successful subscription.
func (h *Handle) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (h *Handle) setState(s SubscriptionState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// markFailure counts one failed subscribe attempt; returns true when the
// failure crossed the degraded threshold.
func (h *Handle) markFailure(threshold int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if !h.degraded && h.failures >= threshold {
		h.degraded = true
		return true
	}
	return false
}

func (h *Handle) markSubscribed() {
	h.mu.Lock()
	h.state = StateSubscribed
	h.failures = 0
	h.degraded = false
	h.mu.Unlock()
}

func (h *Handle) notifyResync() {
	select {
	case h.resyncs <- struct{}{}:
	default:
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Reconnection Supervisor
// ============================================================================

const (
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	defaultDegradedAfter  = 5
)

// Supervisor owns every subscription handle for one session: components open
// handles here instead of managing feed lifecycle themselves, and Teardown
// releases everything when the session ends.
type Supervisor struct {
	backend       Backend
	baseDelay     time.Duration
	maxDelay      time.Duration
	degradedAfter int
	logf          Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewSupervisor creates a supervisor that subscribes through backend.
func NewSupervisor(backend Backend, baseDelay, maxDelay time.Duration, degradedAfter int, logf Logger) *Supervisor {
	if baseDelay == 0 {
		baseDelay = defaultRetryBaseDelay
	}
	if maxDelay == 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if degradedAfter == 0 {
		degradedAfter = defaultDegradedAfter
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		backend:       backend,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		degradedAfter: degradedAfter,
		logf:          logf,
		ctx:           ctx,
		cancel:        cancel,
		handles:       make(map[*Handle]struct{}),
	}
}

// Open registers a new handle for topic and starts supervising it. The handle
// moves unsubscribed → pending → subscribed, and back to pending after every
// closed/errored transition until released.
func (s *Supervisor) Open(topic Topic) *Handle {
	h := &Handle{
		topic:    topic,
		state:    StateUnsubscribed,
		events:   make(chan Event, 64),
		resyncs:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(h)
	return h
}

// Release stops supervising h and closes its event channel. Safe to call more
// than once.
func (s *Supervisor) Release(h *Handle) {
	s.mu.Lock()
	_, active := s.handles[h]
	delete(s.handles, h)
	s.mu.Unlock()
	if active {
		close(h.released)
	}
}

// Teardown releases every handle and stops the supervisor. The supervisor
// cannot be reused afterwards.
func (s *Supervisor) Teardown() {
	s.cancel()
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[*Handle]struct{})
	s.mu.Unlock()
	for _, h := range handles {
		close(h.released)
	}
	s.wg.Wait()
}

func (s *Supervisor) run(h *Handle) {
	defer s.wg.Done()
	defer close(h.events)
	defer h.setState(StateUnsubscribed)

	recon := &reconnector{baseDelay: s.baseDelay, maxDelay: s.maxDelay}
	subscribedBefore := false

	for {
		select {
		case <-h.released:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		h.setState(StatePending)
		feed, err := s.backend.Subscribe(s.ctx, h.topic)
		if err != nil {
			h.setState(StateErrored)
			if h.markFailure(s.degradedAfter) {
				s.logf("subscription %s degraded: %v", h.topic, err)
			}
			if !s.waitRetry(h, recon.nextDelay()) {
				return
			}
			continue
		}

		h.markSubscribed()
		recon.markConnected()
		if subscribedBefore {
			h.notifyResync()
		}
		subscribedBefore = true

		faulted := s.pump(h, feed)
		feed.Close()
		if !faulted {
			return
		}
		if !s.waitRetry(h, recon.nextDelay()) {
			return
		}
	}
}

// pump forwards feed events to the handle until the feed ends or the handle
// is released. Returns true when the feed ended in a transport fault that
// should be retried.
func (s *Supervisor) pump(h *Handle, feed Feed) bool {
	for {
		select {
		case <-h.released:
			return false
		case <-s.ctx.Done():
			return false
		case ev, ok := <-feed.Events():
			if !ok {
				if feed.Err() != nil {
					h.setState(StateErrored)
					s.logf("subscription %s errored: %v", h.topic, feed.Err())
				} else {
					h.setState(StateClosed)
				}
				return true
			}
			select {
			case h.events <- ev:
			case <-h.released:
				return false
			case <-s.ctx.Done():
				return false
			}
		}
	}
}

func (s *Supervisor) waitRetry(h *Handle, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.released:
		return false
	case <-s.ctx.Done():
		return false
	}
}
