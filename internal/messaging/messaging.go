// Package messaging is the entry point to the messaging core. It assembles
// the components and exposes the operations of the signed-in user.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/internal/auth"
	"github.com/nexus-im/messaging/internal/conversation"
	"github.com/nexus-im/messaging/internal/encryption"
	"github.com/nexus-im/messaging/internal/events"
	"github.com/nexus-im/messaging/internal/keystore"
	"github.com/nexus-im/messaging/internal/realtime"
	"github.com/nexus-im/messaging/internal/repository"
	"github.com/nexus-im/messaging/store/chat"
)

// Dependencies are the external collaborators of the core. Backend, Keys and
// Session are required.
type Dependencies struct {
	Backend chat.Backend
	Keys    keystore.Store
	Session *auth.Session

	// Source triggers unread refreshes. Defaults to polling every
	// realtime.DefaultPollInterval.
	Source realtime.Source
	Clock  func() time.Time
	Log    zerolog.Logger
}

// Messaging owns one instance of every component. Components never refer
// back to it.
type Messaging struct {
	session *auth.Session
	log     zerolog.Logger

	bus      *events.Bus
	crypto   *encryption.Service
	e2ee     *encryption.E2EE
	repo     *repository.Repository
	manager  *conversation.Manager
	realtime *realtime.Manager

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the components in dependency order: events, encryption,
// repository, conversation manager, realtime.
func New(deps Dependencies) (*Messaging, error) {
	if deps.Backend == nil || deps.Keys == nil || deps.Session == nil {
		return nil, apperr.Validation("backend, key store and session are required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Source == nil {
		deps.Source = realtime.PollingSource{Interval: realtime.DefaultPollInterval}
	}

	m := &Messaging{session: deps.Session, log: deps.Log}
	m.bus = events.NewBus()
	m.crypto = encryption.NewService(deps.Keys, deps.Session, deps.Log.With().Str("component", "encryption").Logger())
	m.e2ee = encryption.NewE2EE(deps.Keys, deps.Session, deps.Log.With().Str("component", "e2ee").Logger())
	m.repo = repository.New(deps.Backend, deps.Log.With().Str("component", "repository").Logger())
	m.manager = conversation.New(m.repo, m.crypto, m.bus, deps.Log.With().Str("component", "conversation").Logger(), conversation.WithClock(deps.Clock))
	m.realtime = realtime.NewManager(m.manager, deps.Source, deps.Log.With().Str("component", "realtime").Logger())
	return m, nil
}

// Start makes the unread count follow the session until ctx is done or Close
// is called. Calling Start twice is a no-op.
func (m *Messaging) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	states, unsubscribe := m.session.Subscribe()
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		defer unsubscribe()
		m.realtime.Watch(ctx, states)
	}(m.done)
	m.log.Info().Msg("messaging started")
}

// Close stops realtime work and the event bus. The Messaging value is not
// usable afterwards.
func (m *Messaging) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.realtime.Stop()
	m.bus.Close()
	m.log.Info().Msg("messaging closed")
}

func (m *Messaging) currentUser() (string, error) {
	uid, ok := m.session.CurrentUserID()
	if !ok {
		return "", apperr.Unauthenticated("no signed-in user")
	}
	return uid, nil
}

func (m *Messaging) Events() *events.Bus { return m.bus }

func (m *Messaging) Encryption() *encryption.Service { return m.crypto }

func (m *Messaging) E2EE() *encryption.E2EE { return m.e2ee }

func (m *Messaging) FetchConversations(ctx context.Context) ([]chat.Conversation, error) {
	uid, err := m.currentUser()
	if err != nil {
		return nil, err
	}
	return m.manager.FetchConversations(ctx, uid)
}

// FetchMessages returns up to limit messages older than before, oldest
// first.
func (m *Messaging) FetchMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]chat.Message, error) {
	uid, err := m.currentUser()
	if err != nil {
		return nil, err
	}
	return m.manager.FetchMessages(ctx, conversationID, limit, before, uid)
}

// SendMessage sends content as the signed-in user and returns the stored
// message with its plaintext.
func (m *Messaging) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	uid, err := m.currentUser()
	if err != nil {
		return chat.Message{}, err
	}
	msg, err := m.manager.SendMessage(ctx, conversationID, content, uid)
	if err != nil {
		return chat.Message{}, err
	}
	m.realtime.UpdateUnreadCountImmediately()
	return msg, nil
}

// EditMessage rewrites one of the signed-in user's own messages.
func (m *Messaging) EditMessage(ctx context.Context, messageID, content string) (chat.Message, error) {
	uid, err := m.currentUser()
	if err != nil {
		return chat.Message{}, err
	}
	return m.manager.EditMessage(ctx, messageID, content, uid)
}

func (m *Messaging) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	uid, err := m.currentUser()
	if err != nil {
		return err
	}
	if err := m.manager.MarkConversationAsRead(ctx, conversationID, uid); err != nil {
		return err
	}
	m.realtime.UpdateUnreadCountImmediately()
	return nil
}

// DeleteConversation hides the conversation for the signed-in user only.
func (m *Messaging) DeleteConversation(ctx context.Context, conversationID string) error {
	uid, err := m.currentUser()
	if err != nil {
		return err
	}
	if err := m.manager.DeleteConversation(ctx, conversationID, uid); err != nil {
		return err
	}
	m.realtime.UpdateUnreadCountImmediately()
	return nil
}

func (m *Messaging) GetOrCreateDirectConversation(ctx context.Context, otherUserID string) (string, error) {
	uid, err := m.currentUser()
	if err != nil {
		return "", err
	}
	return m.manager.GetOrCreateDirectConversation(ctx, uid, otherUserID)
}

func (m *Messaging) CalculateTotalUnreadMessages(ctx context.Context) (int, error) {
	uid, err := m.currentUser()
	if err != nil {
		return 0, err
	}
	return m.manager.CalculateTotalUnreadMessages(ctx, uid)
}

// UnreadConversationsCount is the last count published by the realtime loop.
func (m *Messaging) UnreadConversationsCount() int {
	return m.realtime.UnreadConversationsCount()
}

func (m *Messaging) SubscribeUnreadConversationsCount() (<-chan int, func()) {
	return m.realtime.Subscribe()
}

func (m *Messaging) UpdateUnreadCountImmediately() {
	m.realtime.UpdateUnreadCountImmediately()
}

// CreateGroupChat creates a group owned by the signed-in user.
func (m *Messaging) CreateGroupChat(ctx context.Context, g chat.NewGroup) (string, error) {
	uid, err := m.currentUser()
	if err != nil {
		return "", err
	}
	g.CreatorID = uid
	return m.manager.CreateGroupChat(ctx, g)
}

func (m *Messaging) FetchGroupConversations(ctx context.Context) ([]chat.GroupConversation, error) {
	uid, err := m.currentUser()
	if err != nil {
		return nil, err
	}
	return m.manager.FetchGroupConversations(ctx, uid)
}

func (m *Messaging) AddGroupMember(ctx context.Context, conversationID, userID string) (bool, error) {
	uid, err := m.currentUser()
	if err != nil {
		return false, err
	}
	return m.manager.AddGroupMember(ctx, conversationID, uid, userID)
}

func (m *Messaging) RemoveGroupMember(ctx context.Context, conversationID, userID string) (bool, error) {
	uid, err := m.currentUser()
	if err != nil {
		return false, err
	}
	return m.manager.RemoveGroupMember(ctx, conversationID, uid, userID)
}

func (m *Messaging) GetGroupMembers(ctx context.Context, conversationID string) ([]chat.GroupMember, error) {
	if _, err := m.currentUser(); err != nil {
		return nil, err
	}
	return m.manager.GetGroupMembers(ctx, conversationID)
}
