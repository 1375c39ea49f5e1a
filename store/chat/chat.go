package chat

import (
	"context"
	"errors"
	"time"
)

// Role is a group member's role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Profile is the public snapshot of a user that is joined onto messages and
// participant rows.
type Profile struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Conversation represents a chat thread between users as seen by one viewer.
// LastMessagePreview and UnreadCount are derived per viewer and never stored
// in plaintext.
type Conversation struct {
	ID                 string        `json:"id"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	LastMessageAt      *time.Time    `json:"last_message_at,omitempty"`
	LastMessagePreview string        `json:"last_message_preview,omitempty"`
	Participants       []Participant `json:"participants"`
	UnreadCount        int           `json:"unread_count"`
}

// GroupConversation is a Conversation with group metadata.
type GroupConversation struct {
	Conversation
	IsGroup                   bool    `json:"is_group"`
	GroupName                 string  `json:"group_name"`
	GroupDescription          *string `json:"group_description,omitempty"`
	GroupAvatarURL            *string `json:"group_avatar_url,omitempty"`
	GroupEmoji                *string `json:"group_emoji,omitempty"`
	CreatedBy                 string  `json:"created_by"`
	LastMessageSenderUsername *string `json:"last_message_sender_username,omitempty"`
	MemberCount               int     `json:"member_count"`
}

// DisplayLastMessagePreview composes "sender: preview" when the sender of
// the latest message is known.
func (g GroupConversation) DisplayLastMessagePreview() string {
	if g.LastMessagePreview == "" {
		return ""
	}
	if g.LastMessageSenderUsername == nil || *g.LastMessageSenderUsername == "" {
		return g.LastMessagePreview
	}
	return *g.LastMessageSenderUsername + ": " + g.LastMessagePreview
}

// Participant is a user's membership record in a conversation, carrying the
// user's personal read and visibility state.
type Participant struct {
	ID                  string     `json:"id"`
	ConversationID      string     `json:"conversation_id"`
	UserID              string     `json:"user_id"`
	Username            string     `json:"username,omitempty"`
	JoinedAt            time.Time  `json:"joined_at"`
	LastReadAt          *time.Time `json:"last_read_at,omitempty"`
	HiddenForUser       bool       `json:"hidden_for_user"`
	HiddenAt            *time.Time `json:"hidden_at,omitempty"`
	MessagesHiddenSince *time.Time `json:"messages_hidden_since,omitempty"`
}

// GroupMember is a user's role record in a group conversation.
type GroupMember struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Username       string    `json:"username,omitempty"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Message is a single message row. Content is ciphertext at rest; it only
// holds plaintext after the conversation layer decrypts it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	IsEdited       bool      `json:"is_edited"`
	IsDeleted      bool      `json:"is_deleted"`
	Sender         *Profile  `json:"sender,omitempty"`
}

// ConversationRow is one row of get_user_conversations: a conversation
// joined with one of its participants.
type ConversationRow struct {
	ConversationID     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastMessageAt      *time.Time
	LastMessagePreview *string
	Participant        Participant
}

// GroupConversationRow is one row of get_user_group_conversations.
type GroupConversationRow struct {
	ConversationID            string
	GroupName                 string
	GroupDescription          *string
	GroupAvatarURL            *string
	GroupEmoji                *string
	CreatedBy                 string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	LastMessageAt             *time.Time
	LastMessagePreview        *string
	LastMessageSenderUsername *string
	MemberCount               int
}

// NewMessage is the insert payload for a message.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
}

// NewGroup is the payload of create_group_chat.
type NewGroup struct {
	CreatorID   string
	Name        string
	Description *string
	AvatarURL   *string
	Emoji       *string
	MemberIDs   []string
}

// MessageQuery selects messages newest first. Before and After are
// exclusive bounds on created_at. When ViewerID is set the viewer must be a
// participant of the conversation.
type MessageQuery struct {
	ConversationID string
	ViewerID       string
	Limit          int
	Before         *time.Time
	After          *time.Time
}

// CountQuery counts messages in a conversation created after After and not
// sent by ExcludeSenderID.
type CountQuery struct {
	ConversationID  string
	ExcludeSenderID string
	After           time.Time
}

// ParticipantUpdate changes a participant row. Timestamps come from the
// backend clock, the same one that stamps messages. MarkRead moves
// last_read_at to now and never backwards. Hide hides the conversation for
// the user and writes the same instant to hidden_at and
// messages_hidden_since.
type ParticipantUpdate struct {
	MarkRead bool
	Hide     bool
}

// ConversationUpdate is the metadata written after a send.
type ConversationUpdate struct {
	LastMessagePreview string
	LastMessageAt      time.Time
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSelfConversation     = errors.New("direct conversation needs two distinct users")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
)

// Backend is the relational store and RPC surface of the hosted platform.
// Implementations enforce row-level rules themselves; callers must not rely
// on client-side checks alone:
//   - only participants read (MessageQuery.ViewerID) or insert messages,
//     others get ErrNotParticipant;
//   - a direct conversation never takes a third participant;
//   - only the sender edits a message, others get ErrMessageNotFound.
type Backend interface {
	Participant(ctx context.Context, conversationID, userID string) (*Participant, error)
	InsertParticipantIfAbsent(ctx context.Context, conversationID, userID string) (bool, error)
	UpdateParticipant(ctx context.Context, conversationID, userID string, upd ParticipantUpdate) error

	Messages(ctx context.Context, q MessageQuery) ([]Message, error)
	InsertMessage(ctx context.Context, m NewMessage) (Message, error)
	UpdateMessageContent(ctx context.Context, messageID, senderID, content string) (Message, error)
	LatestMessageContent(ctx context.Context, conversationID string) (*string, error)
	CountMessages(ctx context.Context, q CountQuery) (int, error)

	UpdateConversation(ctx context.Context, conversationID string, upd ConversationUpdate) error
	MissingProfiles(ctx context.Context, userIDs []string) ([]string, error)
	GroupMembers(ctx context.Context, conversationID string) ([]GroupMember, error)

	GetUserConversations(ctx context.Context, userID string) ([]ConversationRow, error)
	GetOrCreateDirectConversation(ctx context.Context, userAID, userBID string) (string, error)
	CreateGroupChat(ctx context.Context, g NewGroup) (string, error)
	AddGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error)
	RemoveGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error)
	GetUserGroupConversations(ctx context.Context, userID string) ([]GroupConversationRow, error)
	UnhideConversationForAllParticipants(ctx context.Context, conversationID string) error
	ClearMessageCutoffForUser(ctx context.Context, conversationID, userID string) error
}
