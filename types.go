package loqui

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the remote backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ValidationError is returned for input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrNotAuthenticated is returned by operations that require a valid session
// when none is present. The client does not refresh or re-authenticate.
var ErrNotAuthenticated = &APIError{Code: "NOT_AUTHENTICATED", Message: "no valid session"}

// ============================================================================
// Entities
// ============================================================================

// Entity names understood by the backend.
const (
	EntityUsers        = "users"
	EntityChats        = "chats"
	EntityParticipants = "chat_participants"
	EntityMessages     = "messages"
	EntityReactions    = "message_reactions"
	EntityReadStatus   = "message_read_status"
	EntityTyping       = "typing_indicators"
	EntityBlocks       = "blocks"
)

// ChatKind distinguishes the three chat shapes.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

// ParticipantRole is a participant's role within a chat.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageVideo MessageKind = "video"
	MessageAudio MessageKind = "audio"
	MessageFile  MessageKind = "file"
	MessageVoice MessageKind = "voice"
)

// User is a profile record. Username is immutable once set to a non-default
// value; that rule is enforced by the backend, not here.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"full_name,omitempty"`
	AvatarRef   string    `json:"avatar_url,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen,omitempty"`
}

// Chat is one conversation. LastMessage, UnreadCount and OtherUser are
// derived locally and never written back to the backend.
type Chat struct {
	ID        string    `json:"id"`
	Kind      ChatKind  `json:"type"`
	Name      string    `json:"name,omitempty"`
	AvatarRef string    `json:"avatar_url,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Participants []ChatParticipant `json:"participants,omitempty"`
	LastMessage  *Message          `json:"last_message,omitempty"`
	UnreadCount  int               `json:"unread_count,omitempty"`
	// OtherUser is resolved for private chats only: the participant whose
	// id differs from the current user.
	OtherUser *User `json:"other_user,omitempty"`
}

// ChatParticipant is the (chat, user) membership record.
type ChatParticipant struct {
	ChatID               string          `json:"chat_id"`
	UserID               string          `json:"user_id"`
	Role                 ParticipantRole `json:"role"`
	JoinedAt             time.Time       `json:"joined_at"`
	LastReadMessageID    string          `json:"last_read_message_id,omitempty"`
	NotificationsEnabled bool            `json:"notifications_enabled"`
	Pinned               bool            `json:"pinned"`
	Archived             bool            `json:"archived"`

	User *User `json:"user,omitempty"`
	Chat *Chat `json:"chat,omitempty"`
}

// Message is one entry in a chat's log.
//
// ClientID is a client-generated correlation id attached to outbound sends
// and echoed back in the confirming insert event; it is how a confirmed
// record is matched to its optimistic placeholder.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	Kind      MessageKind `json:"message_type"`
	FileRef   string      `json:"file_url,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	ReplyToID string      `json:"reply_to_message_id,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	IsEdited  bool        `json:"is_edited"`
	IsDeleted bool        `json:"is_deleted"`
	CreatedAt time.Time   `json:"created_at"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`

	// IsOptimistic marks a locally synthesized message awaiting server
	// confirmation. Never persisted; cleared on reconciliation.
	IsOptimistic bool `json:"-"`

	Sender    *User             `json:"sender,omitempty"`
	ReplyTo   *Message          `json:"reply_to,omitempty"`
	Reactions []MessageReaction `json:"reactions,omitempty"`
}

// messageLess reports whether a sorts strictly before b in a chat log.
// Logs are totally ordered by (createdAt, id) ascending.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MessageReaction is one (message, user, emoji) reaction.
type MessageReaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	User *User `json:"user,omitempty"`
}

// ReactionGroup is the per-emoji display grouping of a message's reactions.
type ReactionGroup struct {
	Emoji   string
	Count   int
	Users   []User
	Reacted bool // current user is among Users
}

// GroupReactions groups a message's reactions by emoji, preserving first-seen
// emoji order. self marks the Reacted flag.
func GroupReactions(reactions []MessageReaction, self string) []ReactionGroup {
	var groups []ReactionGroup
	index := make(map[string]int)
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		if r.User != nil {
			groups[i].Users = append(groups[i].Users, *r.User)
		}
		if r.UserID == self {
			groups[i].Reacted = true
		}
	}
	return groups
}

// TypingSignal is the ephemeral per-chat, per-user composing flag. Rows are
// deleted, not flipped, when typing stops.
type TypingSignal struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	UpdatedAt time.Time `json:"updated_at"`

	User *User `json:"user,omitempty"`
}

// BlockRelation is a directional block: blocker has blocked blocked.
type BlockRelation struct {
	BlockerID string `json:"blocker_id"`
	BlockedID string `json:"blocked_id"`
}
