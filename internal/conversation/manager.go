// Package conversation turns repository rows into conversation aggregates and
// owns the multi-step send, read and delete workflows.
package conversation

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-im/messaging/internal/events"
	"github.com/nexus-im/messaging/store/chat"
)

const (
	// MaxContentLength is the longest message body accepted, in characters.
	MaxContentLength = 10000
	// DefaultPageSize is used when FetchMessages is called without a limit.
	DefaultPageSize = 50

	defaultConcurrency = 8
)

// Store is the data access the manager depends on.
type Store interface {
	FetchMessages(ctx context.Context, conversationID string, limit int, before *time.Time, userID string) ([]chat.Message, error)
	InsertMessage(ctx context.Context, conversationID, senderID, encryptedContent string) (chat.Message, error)
	UpdateMessage(ctx context.Context, messageID, senderID, encryptedContent string) (chat.Message, error)
	FetchLatestMessage(ctx context.Context, conversationID string) (*string, error)
	FetchUserConversations(ctx context.Context, userID string) ([]chat.ConversationRow, error)
	GetOrCreateDirectConversation(ctx context.Context, currentUserID, otherUserID string) (string, error)
	UpdateConversation(ctx context.Context, conversationID, lastMessagePreview string, lastMessageAt time.Time) error
	GetUnreadCount(ctx context.Context, conversationID, userID string) int
	MarkConversationAsRead(ctx context.Context, conversationID, userID string) error
	EnsureParticipationExists(ctx context.Context, conversationID, userID string) error
	DeleteConversationForUser(ctx context.Context, conversationID, userID string) error
	UnhideConversationForAllParticipants(ctx context.Context, conversationID string) error
	ClearMessageCutoffForUser(ctx context.Context, conversationID, userID string) error

	CreateGroupChat(ctx context.Context, g chat.NewGroup) (string, error)
	FetchGroupConversations(ctx context.Context, userID string) ([]chat.GroupConversationRow, error)
	AddGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error)
	RemoveGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error)
	GetGroupMembers(ctx context.Context, conversationID string) ([]chat.GroupMember, error)
}

// Crypto encrypts outgoing content and decrypts incoming content with the
// placeholder fallbacks.
type Crypto interface {
	EncryptMessage(ctx context.Context, plaintext string) (string, error)
	SafeDecryptMessage(ctx context.Context, ciphertext string) string
	SafeDecryptMessagePreview(ctx context.Context, ciphertext string) string
}

// Publisher receives the manager's notifications.
type Publisher interface {
	PublishMessageSent(ev events.MessageSent) int
	PublishConversationRead(ev events.ConversationRead) int
}

// Manager is safe for concurrent use; it keeps no per-conversation state.
type Manager struct {
	store       Store
	crypto      Crypto
	events      Publisher
	now         func() time.Time
	log         zerolog.Logger
	concurrency int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithConcurrency bounds how many conversations are enriched at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func New(store Store, crypto Crypto, pub Publisher, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		crypto:      crypto,
		events:      pub,
		now:         time.Now,
		log:         log,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FetchConversations returns the user's visible direct conversations, most
// recently active first, each with its unread count and decrypted preview.
func (m *Manager) FetchConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := m.store.FetchUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var convs []chat.Conversation
	for _, r := range rows {
		i, ok := index[r.ConversationID]
		if !ok {
			i = len(convs)
			index[r.ConversationID] = i
			convs = append(convs, chat.Conversation{
				ID:            r.ConversationID,
				CreatedAt:     r.CreatedAt,
				UpdatedAt:     r.UpdatedAt,
				LastMessageAt: r.LastMessageAt,
			})
		}
		convs[i].Participants = append(convs[i].Participants, r.Participant)
	}

	sortByActivity(convs, func(i int) *chat.Conversation { return &convs[i] })

	targets := make([]*chat.Conversation, len(convs))
	for i := range convs {
		targets[i] = &convs[i]
	}
	if err := m.enrich(ctx, userID, targets); err != nil {
		return nil, err
	}
	return convs, nil
}

// sortByActivity orders by last message time descending. Conversations
// without messages come last, newest created first.
func sortByActivity[T any](items []T, conv func(i int) *chat.Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := conv(i), conv(j)
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if !a.LastMessageAt.Equal(*b.LastMessageAt) {
				return a.LastMessageAt.After(*b.LastMessageAt)
			}
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// enrich fills UnreadCount and LastMessagePreview in place. Work runs
// concurrently per conversation; order of convs is untouched.
func (m *Manager) enrich(ctx context.Context, userID string, convs []*chat.Conversation) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, c := range convs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.UnreadCount = m.store.GetUnreadCount(ctx, c.ID, userID)

			latest, err := m.store.FetchLatestMessage(ctx, c.ID)
			if err != nil {
				return err
			}
			if latest != nil {
				c.LastMessagePreview = m.crypto.SafeDecryptMessagePreview(ctx, *latest)
			}
			return nil
		})
	}
	return g.Wait()
}

// FetchMessages returns a page of messages, oldest first, with decrypted
// content. A message that cannot be decrypted carries a placeholder instead
// of failing the page.
func (m *Manager) FetchMessages(ctx context.Context, conversationID string, limit int, before *time.Time, userID string) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	msgs, err := m.store.FetchMessages(ctx, conversationID, limit, before, userID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Content = m.crypto.SafeDecryptMessage(ctx, msgs[i].Content)
	}
	return msgs, nil
}

func (m *Manager) GetOrCreateDirectConversation(ctx context.Context, currentUserID, otherUserID string) (string, error) {
	return m.store.GetOrCreateDirectConversation(ctx, currentUserID, otherUserID)
}
