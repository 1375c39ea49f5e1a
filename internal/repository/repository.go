// Package repository is the data-access layer over the chat backend. It holds
// no state, performs no decryption and applies no business rules beyond what
// the backend enforces. Ids are checked locally before any backend call.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/store/chat"
)

// Repository maps each operation onto one backend call.
type Repository struct {
	backend chat.Backend
	log     zerolog.Logger
}

func New(backend chat.Backend, log zerolog.Logger) *Repository {
	return &Repository{backend: backend, log: log}
}

type idField struct {
	name  string
	value *string
}

func field(name string, value *string) idField {
	return idField{name: name, value: value}
}

// canonicalize rewrites every id in place to its canonical lower-case form.
// The first one that is not a UUID fails with a validation error.
func canonicalize(fields ...idField) error {
	for _, f := range fields {
		u, err := uuid.Parse(*f.value)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "invalid "+f.name, err)
		}
		*f.value = u.String()
	}
	return nil
}

// wrap classifies a backend failure for the named operation.
func wrap(op string, err error) error {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, chat.ErrParticipantNotFound),
		errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, chat.ErrMessageNotFound):
		return apperr.Wrap(apperr.CodeNotFound, op, err)
	case errors.Is(err, chat.ErrSelfConversation):
		return apperr.Wrap(apperr.CodeValidation, op, err)
	default:
		return apperr.Backend(op, err)
	}
}

// FetchMessages returns up to limit messages older than before, oldest first.
// Messages at or before the user's personal cutoff are never returned, and
// only participants may read.
func (r *Repository) FetchMessages(ctx context.Context, conversationID string, limit int, before *time.Time, userID string) ([]chat.Message, error) {
	if err := canonicalize(field("conversation id", &conversationID), field("user id", &userID)); err != nil {
		return nil, err
	}
	p, err := r.backend.Participant(ctx, conversationID, userID)
	if err != nil {
		return nil, wrap("fetch messages: participant", err)
	}
	cutoff := p.MessagesHiddenSince

	msgs, err := r.backend.Messages(ctx, chat.MessageQuery{
		ConversationID: conversationID,
		ViewerID:       userID,
		Limit:          limit,
		Before:         before,
		After:          cutoff,
	})
	if err != nil {
		return nil, wrap("fetch messages", err)
	}

	out := make([]chat.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if cutoff != nil && !msgs[i].CreatedAt.After(*cutoff) {
			continue
		}
		out = append(out, msgs[i])
	}
	return out, nil
}

// InsertMessage stores an already-encrypted message and returns the persisted
// row joined with the sender's profile.
func (r *Repository) InsertMessage(ctx context.Context, conversationID, senderID, encryptedContent string) (chat.Message, error) {
	if err := canonicalize(field("conversation id", &conversationID), field("sender id", &senderID)); err != nil {
		return chat.Message{}, err
	}
	m, err := r.backend.InsertMessage(ctx, chat.NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        encryptedContent,
	})
	if err != nil {
		return chat.Message{}, wrap("insert message", err)
	}
	return m, nil
}

// UpdateMessage replaces the content of one of the sender's own messages,
// marks it edited and bumps updated_at. Other users' messages are reported
// as not found.
func (r *Repository) UpdateMessage(ctx context.Context, messageID, senderID, encryptedContent string) (chat.Message, error) {
	if err := canonicalize(field("message id", &messageID), field("sender id", &senderID)); err != nil {
		return chat.Message{}, err
	}
	m, err := r.backend.UpdateMessageContent(ctx, messageID, senderID, encryptedContent)
	if err != nil {
		return chat.Message{}, wrap("update message", err)
	}
	return m, nil
}

// FetchLatestMessage returns the encrypted content of the newest message, or
// nil when the conversation has none.
func (r *Repository) FetchLatestMessage(ctx context.Context, conversationID string) (*string, error) {
	if err := canonicalize(field("conversation id", &conversationID)); err != nil {
		return nil, err
	}
	content, err := r.backend.LatestMessageContent(ctx, conversationID)
	if err != nil {
		return nil, wrap("fetch latest message", err)
	}
	return content, nil
}

// FetchUserConversations returns one row per (conversation, participant)
// pair of the user's visible direct conversations.
func (r *Repository) FetchUserConversations(ctx context.Context, userID string) ([]chat.ConversationRow, error) {
	if err := canonicalize(field("user id", &userID)); err != nil {
		return nil, err
	}
	rows, err := r.backend.GetUserConversations(ctx, userID)
	if err != nil {
		return nil, wrap("fetch user conversations", err)
	}
	return rows, nil
}

// GetOrCreateDirectConversation validates both ids locally, checks both users
// exist, then asks the backend for the pair's conversation.
func (r *Repository) GetOrCreateDirectConversation(ctx context.Context, currentUserID, otherUserID string) (string, error) {
	if err := canonicalize(field("current user id", &currentUserID), field("other user id", &otherUserID)); err != nil {
		return "", err
	}
	if currentUserID == otherUserID {
		return "", apperr.Validation("cannot start a conversation with yourself")
	}

	missing, err := r.backend.MissingProfiles(ctx, []string{currentUserID, otherUserID})
	if err != nil {
		return "", wrap("verify users", err)
	}
	if len(missing) > 0 {
		return "", apperr.NotFound("user not found: " + strings.Join(missing, ", "))
	}

	id, err := r.backend.GetOrCreateDirectConversation(ctx, currentUserID, otherUserID)
	if err != nil {
		return "", wrap("get or create direct conversation", err)
	}
	return id, nil
}

// UpdateConversation writes the metadata shown in conversation lists.
func (r *Repository) UpdateConversation(ctx context.Context, conversationID, lastMessagePreview string, lastMessageAt time.Time) error {
	if err := canonicalize(field("conversation id", &conversationID)); err != nil {
		return err
	}
	err := r.backend.UpdateConversation(ctx, conversationID, chat.ConversationUpdate{
		LastMessagePreview: lastMessagePreview,
		LastMessageAt:      lastMessageAt,
	})
	if err != nil {
		return wrap("update conversation", err)
	}
	return nil
}

// GetUnreadCount counts messages from other senders newer than both the
// user's read cursor and personal cutoff. Failures are logged and reported as
// zero.
func (r *Repository) GetUnreadCount(ctx context.Context, conversationID, userID string) int {
	log := r.log.With().Str("conversation_id", conversationID).Str("user_id", userID).Logger()
	if err := canonicalize(field("conversation id", &conversationID), field("user id", &userID)); err != nil {
		log.Warn().Err(err).Msg("unread count: invalid id")
		return 0
	}

	since := time.Unix(0, 0).UTC()
	p, err := r.backend.Participant(ctx, conversationID, userID)
	switch {
	case err == nil:
		if p.LastReadAt != nil && p.LastReadAt.After(since) {
			since = *p.LastReadAt
		}
		if p.MessagesHiddenSince != nil && p.MessagesHiddenSince.After(since) {
			since = *p.MessagesHiddenSince
		}
	case !errors.Is(err, chat.ErrParticipantNotFound):
		log.Warn().Err(err).Msg("unread count: participant lookup failed")
		return 0
	}

	n, err := r.backend.CountMessages(ctx, chat.CountQuery{
		ConversationID:  conversationID,
		ExcludeSenderID: userID,
		After:           since,
	})
	if err != nil {
		log.Warn().Err(err).Msg("unread count failed")
		return 0
	}
	return n
}

// MarkConversationAsRead moves the user's read cursor to the backend's now.
// The backend never moves it backwards.
func (r *Repository) MarkConversationAsRead(ctx context.Context, conversationID, userID string) error {
	if err := canonicalize(field("conversation id", &conversationID), field("user id", &userID)); err != nil {
		return err
	}
	if err := r.backend.UpdateParticipant(ctx, conversationID, userID, chat.ParticipantUpdate{MarkRead: true}); err != nil {
		return wrap("mark conversation as read", err)
	}
	return nil
}

// EnsureParticipationExists inserts the participant row unless it exists. A
// direct conversation refuses anyone outside its pair.
func (r *Repository) EnsureParticipationExists(ctx context.Context, conversationID, userID string) error {
	if err := canonicalize(field("conversation id", &conversationID), field("user id", &userID)); err != nil {
		return err
	}
	inserted, err := r.backend.InsertParticipantIfAbsent(ctx, conversationID, userID)
	if err != nil {
		return wrap("ensure participation", err)
	}
	if inserted {
		r.log.Info().Str("conversation_id", conversationID).Str("user_id", userID).Msg("participant restored")
	}
	return nil
}

// DeleteConversationForUser hides the conversation for one user. hidden_at
// and messages_hidden_since receive the same backend instant.
func (r *Repository) DeleteConversationForUser(ctx context.Context, conversationID, userID string) error {
	if err := canonicalize(field("conversation id", &conversationID), field("user id", &userID)); err != nil {
		return err
	}
	if err := r.backend.UpdateParticipant(ctx, conversationID, userID, chat.ParticipantUpdate{Hide: true}); err != nil {
		return wrap("delete conversation for user", err)
	}
	return nil
}

func (r *Repository) UnhideConversationForAllParticipants(ctx context.Context, conversationID string) error {
	if err := canonicalize(field("conversation id", &conversationID)); err != nil {
		return err
	}
	if err := r.backend.UnhideConversationForAllParticipants(ctx, conversationID); err != nil {
		return wrap("unhide conversation", err)
	}
	return nil
}

func (r *Repository) ClearMessageCutoffForUser(ctx context.Context, conversationID, userID string) error {
	if err := canonicalize(field("conversation id", &conversationID), field("user id", &userID)); err != nil {
		return err
	}
	if err := r.backend.ClearMessageCutoffForUser(ctx, conversationID, userID); err != nil {
		return wrap("clear message cutoff", err)
	}
	return nil
}
