package conversation

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/internal/encryption"
	"github.com/nexus-im/messaging/internal/events"
	"github.com/nexus-im/messaging/store/chat"
)

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("message content is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperr.Validation("message content is too long")
	}
	return nil
}

// SendMessage encrypts and stores content, then brings the conversation's
// metadata and visibility up to date. Only encryption and the insert can fail
// the call; once the message is stored the remaining steps are best-effort
// and are logged rather than rolled back. The returned message carries the
// original plaintext.
func (m *Manager) SendMessage(ctx context.Context, conversationID, content, senderID string) (chat.Message, error) {
	if conversationID == "" || senderID == "" {
		return chat.Message{}, apperr.Validation("conversation and sender are required")
	}
	if err := validateContent(content); err != nil {
		return chat.Message{}, err
	}

	ciphertext, err := m.crypto.EncryptMessage(ctx, content)
	if err != nil {
		return chat.Message{}, err
	}
	msg, err := m.store.InsertMessage(ctx, conversationID, senderID, ciphertext)
	if err != nil {
		return chat.Message{}, err
	}

	log := m.log.With().
		Str("conversation_id", conversationID).
		Str("user_id", senderID).
		Str("message_id", msg.ID).
		Logger()

	lastMessageAt := m.now()
	if lastMessageAt.Before(msg.CreatedAt) {
		lastMessageAt = msg.CreatedAt
	}
	preview, err := m.crypto.EncryptMessage(ctx, encryption.TruncatePreview(content))
	if err == nil {
		err = m.store.UpdateConversation(ctx, conversationID, preview, lastMessageAt)
	}
	if err != nil {
		log.Warn().Err(err).Str("step", "update_conversation").Msg("send bookkeeping failed")
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"ensure_participation", func() error { return m.store.EnsureParticipationExists(ctx, conversationID, senderID) }},
		{"unhide", func() error { return m.store.UnhideConversationForAllParticipants(ctx, conversationID) }},
		{"clear_cutoff", func() error { return m.store.ClearMessageCutoffForUser(ctx, conversationID, senderID) }},
		{"mark_read", func() error { return m.store.MarkConversationAsRead(ctx, conversationID, senderID) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			log.Warn().Err(err).Str("step", step.name).Msg("send bookkeeping failed")
		}
	}

	m.events.PublishMessageSent(events.MessageSent{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		SenderID:       senderID,
		SentAt:         msg.CreatedAt,
	})

	msg.Content = content
	return msg, nil
}

// EditMessage re-encrypts content into one of editorID's own messages and
// returns it with the new plaintext. Messages sent by someone else are
// reported as not found.
func (m *Manager) EditMessage(ctx context.Context, messageID, content, editorID string) (chat.Message, error) {
	if messageID == "" || editorID == "" {
		return chat.Message{}, apperr.Validation("message and editor are required")
	}
	if err := validateContent(content); err != nil {
		return chat.Message{}, err
	}
	ciphertext, err := m.crypto.EncryptMessage(ctx, content)
	if err != nil {
		return chat.Message{}, err
	}
	msg, err := m.store.UpdateMessage(ctx, messageID, editorID, ciphertext)
	if err != nil {
		return chat.Message{}, err
	}
	msg.Content = content
	return msg, nil
}

// MarkConversationAsRead moves the user's read cursor to now and announces it.
func (m *Manager) MarkConversationAsRead(ctx context.Context, conversationID, userID string) error {
	if err := m.store.MarkConversationAsRead(ctx, conversationID, userID); err != nil {
		return err
	}
	m.events.PublishConversationRead(events.ConversationRead{
		ConversationID: conversationID,
		UserID:         userID,
		ReadAt:         m.now(),
	})
	return nil
}

// DeleteConversation hides the conversation and its history for userID only.
// New activity from any participant brings it back.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	return m.store.DeleteConversationForUser(ctx, conversationID, userID)
}

// CalculateUnreadConversationsCount counts the user's conversations, direct
// and group, that have at least one unread message.
func (m *Manager) CalculateUnreadConversationsCount(ctx context.Context, userID string) (int, error) {
	counts, err := m.unreadCounts(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range counts {
		if c > 0 {
			n++
		}
	}
	return n, nil
}

// CalculateTotalUnreadMessages sums unread messages across the user's
// conversations.
func (m *Manager) CalculateTotalUnreadMessages(ctx context.Context, userID string) (int, error) {
	counts, err := m.unreadCounts(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func (m *Manager) unreadCounts(ctx context.Context, userID string) ([]int, error) {
	rows, err := m.store.FetchUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	groups, err := m.store.FetchGroupConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, r := range rows {
		add(r.ConversationID)
	}
	for _, g := range groups {
		add(g.ConversationID)
	}

	convs := make([]*chat.Conversation, len(ids))
	for i, id := range ids {
		convs[i] = &chat.Conversation{ID: id}
	}
	if err := m.countUnread(ctx, userID, convs); err != nil {
		return nil, err
	}
	counts := make([]int, len(convs))
	for i, c := range convs {
		counts[i] = c.UnreadCount
	}
	return counts, nil
}

func (m *Manager) countUnread(ctx context.Context, userID string, convs []*chat.Conversation) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, c := range convs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.UnreadCount = m.store.GetUnreadCount(ctx, c.ID, userID)
			return nil
		})
	}
	return g.Wait()
}
