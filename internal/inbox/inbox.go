// Package inbox holds the client-side view of the signed-in user's
// conversation list: a cache that is refreshed from the messaging core,
// rate-limited, and updated optimistically on send.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messaging/internal/encryption"
	"github.com/nexus-im/messaging/internal/events"
	"github.com/nexus-im/messaging/store/chat"
)

// DefaultMinRefreshInterval is the shortest gap between two refreshes.
const DefaultMinRefreshInterval = 3 * time.Second

var (
	// ErrSuperseded is returned by a load that a newer load replaced.
	ErrSuperseded = errors.New("inbox: load superseded")
	// ErrSendFailed matches every *SendError.
	ErrSendFailed = errors.New("inbox: send failed")
)

// SendError reports a failed send. Draft holds the text so it can be put
// back in the composer.
type SendError struct {
	ConversationID string
	Draft          string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("inbox: send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

// Messenger is the part of the messaging core the inbox drives.
type Messenger interface {
	FetchConversations(ctx context.Context) ([]chat.Conversation, error)
	SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error)
	MarkConversationAsRead(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Feed delivers change notifications.
type Feed interface {
	SubscribeMessageSent() (<-chan events.MessageSent, func())
	SubscribeConversationRead() (<-chan events.ConversationRead, func())
}

// Counts publishes the unread-conversations count.
type Counts interface {
	SubscribeUnreadConversationsCount() (<-chan int, func())
}

// Snapshot is a consistent copy of the inbox state.
type Snapshot struct {
	Conversations       []chat.Conversation
	Pending             []chat.Message
	UnreadConversations int
	Loading             bool
	Err                 error
}

// Clock measures the refresh interval and schedules the deferred refresh.
// AfterFunc returns a function that cancels the call, reporting whether it
// was still pending.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Inbox is safe for concurrent use. All state changes happen under one
// mutex.
type Inbox struct {
	svc         Messenger
	log         zerolog.Logger
	clock       Clock
	minInterval time.Duration

	mu            sync.Mutex
	conversations []chat.Conversation
	pending       []chat.Message
	unread        int
	loading       bool
	err           error
	loadSeq       uint64
	loadCancel    context.CancelFunc
	lastRefresh   time.Time
	deferred      func() bool
	nextID        int
	listeners     map[int]chan Snapshot
}

type Option func(*Inbox)

func WithClock(c Clock) Option {
	return func(i *Inbox) { i.clock = c }
}

func WithMinRefreshInterval(d time.Duration) Option {
	return func(i *Inbox) {
		if d > 0 {
			i.minInterval = d
		}
	}
}

func New(svc Messenger, log zerolog.Logger, opts ...Option) *Inbox {
	i := &Inbox{
		svc:         svc,
		log:         log,
		clock:       realClock{},
		minInterval: DefaultMinRefreshInterval,
		listeners:   make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Snapshot returns a copy of the current state.
func (i *Inbox) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

func (i *Inbox) snapshotLocked() Snapshot {
	convs := make([]chat.Conversation, len(i.conversations))
	copy(convs, i.conversations)
	pending := make([]chat.Message, len(i.pending))
	copy(pending, i.pending)
	return Snapshot{
		Conversations:       convs,
		Pending:             pending,
		UnreadConversations: i.unread,
		Loading:             i.loading,
		Err:                 i.err,
	}
}

// Subscribe returns a channel that receives the current snapshot and then
// the latest snapshot after every change.
func (i *Inbox) Subscribe() (<-chan Snapshot, func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id := i.nextID
	i.nextID++
	ch := make(chan Snapshot, 1)
	ch <- i.snapshotLocked()
	i.listeners[id] = ch
	cancel := func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if c, ok := i.listeners[id]; ok {
			delete(i.listeners, id)
			close(c)
		}
	}
	return ch, cancel
}

func (i *Inbox) notifyLocked() {
	if len(i.listeners) == 0 {
		return
	}
	snap := i.snapshotLocked()
	for _, ch := range i.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// LoadConversations replaces the cached list with a fresh fetch. Starting a
// load cancels the one in flight; the older load then returns ErrSuperseded
// without touching the cache. On failure the previous list is kept and the
// error is recorded in the snapshot.
func (i *Inbox) LoadConversations(ctx context.Context) error {
	i.mu.Lock()
	if i.loadCancel != nil {
		i.loadCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	i.loadSeq++
	seq := i.loadSeq
	i.loadCancel = cancel
	i.loading = true
	i.notifyLocked()
	i.mu.Unlock()

	convs, err := i.svc.FetchConversations(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	if seq != i.loadSeq {
		return ErrSuperseded
	}
	i.loadCancel = nil
	i.loading = false
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		i.err = err
		i.notifyLocked()
		i.log.Warn().Err(err).Msg("conversation load failed")
		return err
	}
	i.conversations = convs
	i.err = nil
	i.notifyLocked()
	return nil
}

// Refresh reloads the list unless the previous refresh was less than the
// minimum interval ago. Early requests collapse into one deferred refresh
// that runs when the interval has passed.
func (i *Inbox) Refresh(ctx context.Context) error {
	i.mu.Lock()
	now := i.clock.Now()
	if since := now.Sub(i.lastRefresh); !i.lastRefresh.IsZero() && since < i.minInterval {
		if i.deferred == nil {
			i.deferred = i.clock.AfterFunc(i.minInterval-since, func() {
				i.mu.Lock()
				i.deferred = nil
				i.mu.Unlock()
				if ctx.Err() != nil {
					return
				}
				if err := i.Refresh(ctx); err != nil {
					i.log.Debug().Err(err).Msg("deferred refresh failed")
				}
			})
		}
		i.mu.Unlock()
		return nil
	}
	i.lastRefresh = now
	i.mu.Unlock()
	return i.LoadConversations(ctx)
}

// Close cancels the load in flight and any deferred refresh.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.loadCancel != nil {
		i.loadCancel()
	}
	if i.deferred != nil {
		i.deferred()
		i.deferred = nil
	}
}

// SendMessage shows the message immediately and bumps the conversation to
// the top with the new preview. If the send fails the local changes are
// rolled back and a *SendError carrying the draft is returned.
func (i *Inbox) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	local := chat.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      i.clock.Now(),
	}

	i.mu.Lock()
	i.pending = append(i.pending, local)
	prev, prevIndex, bumped := i.bumpLocked(conversationID, encryption.TruncatePreview(content), local.CreatedAt)
	i.notifyLocked()
	i.mu.Unlock()

	msg, err := i.svc.SendMessage(ctx, conversationID, content)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.removePendingLocked(local.ID)
	if err != nil {
		if bumped {
			i.revertLocked(prev, prevIndex, local.CreatedAt)
		}
		i.notifyLocked()
		i.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("send failed")
		return chat.Message{}, &SendError{ConversationID: conversationID, Draft: content, Err: err}
	}
	for n := range i.conversations {
		c := &i.conversations[n]
		if c.ID == conversationID && c.LastMessageAt != nil && c.LastMessageAt.Equal(local.CreatedAt) {
			at := msg.CreatedAt
			c.LastMessageAt = &at
		}
	}
	i.notifyLocked()
	return msg, nil
}

// bumpLocked moves the conversation to the front with a new preview and
// returns what it replaced.
func (i *Inbox) bumpLocked(conversationID, preview string, at time.Time) (chat.Conversation, int, bool) {
	for n, c := range i.conversations {
		if c.ID != conversationID {
			continue
		}
		prev := c
		c.LastMessagePreview = preview
		c.LastMessageAt = &at
		copy(i.conversations[1:n+1], i.conversations[:n])
		i.conversations[0] = c
		return prev, n, true
	}
	return chat.Conversation{}, 0, false
}

// revertLocked undoes bumpLocked unless the entry has changed since.
func (i *Inbox) revertLocked(prev chat.Conversation, index int, at time.Time) {
	for n, c := range i.conversations {
		if c.ID != prev.ID {
			continue
		}
		if c.LastMessageAt == nil || !c.LastMessageAt.Equal(at) {
			return
		}
		if index >= len(i.conversations) {
			index = len(i.conversations) - 1
		}
		copy(i.conversations[n:], i.conversations[n+1:])
		copy(i.conversations[index+1:], i.conversations[index:len(i.conversations)-1])
		i.conversations[index] = prev
		return
	}
}

func (i *Inbox) removePendingLocked(id string) {
	for n, m := range i.pending {
		if m.ID == id {
			i.pending = append(i.pending[:n], i.pending[n+1:]...)
			return
		}
	}
}

// MarkConversationAsRead clears the local unread badge once the core has
// accepted the read.
func (i *Inbox) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	if err := i.svc.MarkConversationAsRead(ctx, conversationID); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for n := range i.conversations {
		if i.conversations[n].ID == conversationID {
			i.conversations[n].UnreadCount = 0
		}
	}
	i.notifyLocked()
	return nil
}

func (i *Inbox) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := i.svc.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, c := range i.conversations {
		if c.ID == conversationID {
			i.conversations = append(i.conversations[:n], i.conversations[n+1:]...)
			break
		}
	}
	i.notifyLocked()
	return nil
}

// Watch keeps the inbox current until ctx is done: message and read events
// trigger a rate-limited refresh, and the unread count is mirrored.
func (i *Inbox) Watch(ctx context.Context, feed Feed, counts Counts) {
	sent, cancelSent := feed.SubscribeMessageSent()
	defer cancelSent()
	read, cancelRead := feed.SubscribeConversationRead()
	defer cancelRead()
	unread, cancelUnread := counts.SubscribeUnreadConversationsCount()
	defer cancelUnread()

	refresh := func() {
		if err := i.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
			i.log.Debug().Err(err).Msg("refresh after event failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sent:
			if !ok {
				return
			}
			refresh()
		case _, ok := <-read:
			if !ok {
				return
			}
			refresh()
		case n, ok := <-unread:
			if !ok {
				return
			}
			i.mu.Lock()
			if i.unread != n {
				i.unread = n
				i.notifyLocked()
			}
			i.mu.Unlock()
		}
	}
}
