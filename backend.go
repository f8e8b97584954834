package loqui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Backend boundary
// ============================================================================

// ChangeOp is the kind of a mutation or change-feed event.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// FilterOp is one predicate on a record field.
type FilterOp struct {
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Eq matches records whose field equals v.
func Eq(v any) FilterOp { return FilterOp{Op: "eq", Value: v} }

// Neq matches records whose field differs from v.
func Neq(v any) FilterOp { return FilterOp{Op: "neq", Value: v} }

// Lt matches records whose field is strictly less than v.
func Lt(v any) FilterOp { return FilterOp{Op: "lt", Value: v} }

// Gt matches records whose field is strictly greater than v.
func Gt(v any) FilterOp { return FilterOp{Op: "gt", Value: v} }

// Like matches records whose field contains v, case-insensitively.
func Like(v string) FilterOp { return FilterOp{Op: "like", Value: v} }

// Query describes a bounded read against one entity.
type Query struct {
	Filter     map[string]FilterOp `json:"filter,omitempty"`
	OrderBy    string              `json:"order_by,omitempty"`
	Descending bool                `json:"descending,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
}

// Topic identifies one change-feed subscription: an entity plus equality
// predicates on its fields.
type Topic struct {
	Entity string
	Filter map[string]string
}

// String renders a stable key for the topic (filter keys sorted).
func (t Topic) String() string {
	if len(t.Filter) == 0 {
		return t.Entity
	}
	keys := make([]string, 0, len(t.Filter))
	for k := range t.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(t.Entity)
	sep := "?"
	for _, k := range keys {
		b.WriteString(sep)
		b.WriteString(k)
		b.WriteString("=eq.")
		b.WriteString(t.Filter[k])
		sep = "&"
	}
	return b.String()
}

// MessagesTopic is the change feed for one chat's messages.
func MessagesTopic(chatID string) Topic {
	return Topic{Entity: EntityMessages, Filter: map[string]string{"chat_id": chatID}}
}

// TypingTopic is the change feed for one chat's typing signals.
func TypingTopic(chatID string) Topic {
	return Topic{Entity: EntityTyping, Filter: map[string]string{"chat_id": chatID}}
}

// ParticipantsTopic is the change feed for one user's chat memberships.
func ParticipantsTopic(userID string) Topic {
	return Topic{Entity: EntityParticipants, Filter: map[string]string{"user_id": userID}}
}

// BlockerTopic is the change feed for blocks created by userID.
func BlockerTopic(userID string) Topic {
	return Topic{Entity: EntityBlocks, Filter: map[string]string{"blocker_id": userID}}
}

// BlockedTopic is the change feed for blocks targeting userID. Together with
// BlockerTopic it covers both directions the cache mirrors.
func BlockedTopic(userID string) Topic {
	return Topic{Entity: EntityBlocks, Filter: map[string]string{"blocked_id": userID}}
}

// Event is one decoded change-feed event.
type Event struct {
	Op     ChangeOp        `json:"op"`
	Record json.RawMessage `json:"record"`
}

// Feed is a live stream of change events for one topic. Events is closed when
// the transport fails or the feed is closed; a closed channel with a non-nil
// Err means transport failure.
type Feed interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Backend is the remote data-and-realtime collaborator. Implementations must
// deliver events on a single feed in arrival order; no ordering is guaranteed
// across feeds.
type Backend interface {
	Query(ctx context.Context, entity string, q Query) ([]json.RawMessage, error)
	Mutate(ctx context.Context, entity string, op ChangeOp, payload any) (json.RawMessage, error)
	Subscribe(ctx context.Context, topic Topic) (Feed, error)
}

// Session supplies the current identity. The client never manages login or
// logout itself.
type Session interface {
	UserID() string
	Valid() bool
}

// StaticSession is a Session with a fixed user id, for CLIs and tests.
type StaticSession string

func (s StaticSession) UserID() string { return string(s) }
func (s StaticSession) Valid() bool    { return s != "" }

// decodeRecords unmarshals a slice of raw records into typed values.
func decodeRecords[T any](records []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ============================================================================
// HTTPBackend
// ============================================================================

const (
	defaultTimeout = 30 * time.Second
)

// HTTPBackend talks JSON over HTTP for query/mutate and one WebSocket per
// topic for the change feed.
type HTTPBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

// WithHTTPClient overrides the HTTP client used for query and mutate calls.
func WithHTTPClient(client *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// NewHTTPBackend creates a backend rooted at baseURL, authenticating with the
// given bearer token.
func NewHTTPBackend(baseURL, token string, opts ...HTTPBackendOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type queryRequest struct {
	Entity string `json:"entity"`
	Query
}

type mutateRequest struct {
	Entity  string   `json:"entity"`
	Op      ChangeOp `json:"op"`
	Payload any      `json:"payload"`
}

type backendResponse struct {
	OK      bool              `json:"ok"`
	Record  json.RawMessage   `json:"record,omitempty"`
	Records []json.RawMessage `json:"records,omitempty"`
	Error   *APIError         `json:"error,omitempty"`
}

// Query implements Backend.
func (b *HTTPBackend) Query(ctx context.Context, entity string, q Query) ([]json.RawMessage, error) {
	resp, err := b.doRequest(ctx, "/v1/query", &queryRequest{Entity: entity, Query: q})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Mutate implements Backend.
func (b *HTTPBackend) Mutate(ctx context.Context, entity string, op ChangeOp, payload any) (json.RawMessage, error) {
	resp, err := b.doRequest(ctx, "/v1/mutate", &mutateRequest{Entity: entity, Op: op, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (b *HTTPBackend) doRequest(ctx context.Context, path string, body any) (*backendResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	httpResp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp backendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, fmt.Errorf("backend returned HTTP %d", httpResp.StatusCode)
	}
	return &resp, nil
}

// Subscribe implements Backend. Each topic gets its own socket so that event
// order within a topic is the socket's arrival order.
func (b *HTTPBackend) Subscribe(ctx context.Context, topic Topic) (Feed, error) {
	wsURL := strings.Replace(b.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/v1/feed?topic=" + url.QueryEscape(topic.String())
	if b.token != "" {
		wsURL += "&token=" + url.QueryEscape(b.token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed dial: %w", err)
	}

	f := &wsFeed{
		conn:   conn,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
	go f.readLoop(ctx)
	return f, nil
}

type wsFeed struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	err    error
}

func (f *wsFeed) Events() <-chan Event { return f.events }

func (f *wsFeed) Err() error { return f.err }

func (f *wsFeed) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return f.conn.Close(websocket.StatusNormalClosure, "client close")
}

func (f *wsFeed) readLoop(ctx context.Context) {
	defer close(f.events)
	for {
		_, data, err := f.conn.Read(ctx)
		if err != nil {
			select {
			case <-f.done: // intentional close, not a fault
			default:
				f.err = err
			}
			return
		}
		var ev Event
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}
