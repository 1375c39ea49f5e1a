package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messaging/internal/events"
	"github.com/nexus-im/messaging/store/chat"
	"github.com/nexus-im/messaging/tests/testutil"
)

type fakeMessenger struct {
	mu      sync.Mutex
	convs   []chat.Conversation
	fetches atomic.Int32
	fetch   func(ctx context.Context, n int32) ([]chat.Conversation, error)
	send    func(ctx context.Context, conversationID, content string) (chat.Message, error)
	read    []string
	deleted []string
}

func (f *fakeMessenger) FetchConversations(ctx context.Context) ([]chat.Conversation, error) {
	n := f.fetches.Add(1)
	if f.fetch != nil {
		return f.fetch(ctx, n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Conversation, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeMessenger) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	if f.send != nil {
		return f.send(ctx, conversationID, content)
	}
	return chat.Message{ID: "m1", ConversationID: conversationID, Content: content, CreatedAt: time.Now()}, nil
}

func (f *fakeMessenger) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, conversationID)
	return nil
}

func (f *fakeMessenger) DeleteConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, conversationID)
	return nil
}

type countFeed chan int

func (c countFeed) SubscribeUnreadConversationsCount() (<-chan int, func()) {
	return c, func() {}
}

func conv(id string, at time.Time, preview string, unread int) chat.Conversation {
	return chat.Conversation{ID: id, CreatedAt: at, LastMessageAt: &at, LastMessagePreview: preview, UnreadCount: unread}
}

func seeded() *fakeMessenger {
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	return &fakeMessenger{convs: []chat.Conversation{
		conv("c1", base.Add(3*time.Minute), "latest", 1),
		conv("c2", base.Add(2*time.Minute), "middle", 0),
		conv("c3", base.Add(time.Minute), "oldest", 2),
	}}
}

func ids(convs []chat.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestLoadConversations(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop())

	require.NoError(t, in.LoadConversations(context.Background()))
	snap := in.Snapshot()
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids(snap.Conversations))
	assert.False(t, snap.Loading)
	assert.NoError(t, snap.Err)
}

func TestLoadConversations_FailureKeepsStaleData(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop())
	require.NoError(t, in.LoadConversations(context.Background()))

	boom := errors.New("backend down")
	svc.fetch = func(context.Context, int32) ([]chat.Conversation, error) { return nil, boom }

	err := in.LoadConversations(context.Background())
	assert.ErrorIs(t, err, boom)
	snap := in.Snapshot()
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids(snap.Conversations))
	assert.ErrorIs(t, snap.Err, boom)
}

func TestLoadConversations_SupersededLoadIsDropped(t *testing.T) {
	started := make(chan struct{})
	svc := &fakeMessenger{}
	svc.fetch = func(ctx context.Context, n int32) ([]chat.Conversation, error) {
		if n == 1 {
			close(started)
			<-ctx.Done()
			// A backend that ignores cancellation still returns old rows.
			return []chat.Conversation{{ID: "stale"}}, nil
		}
		return []chat.Conversation{{ID: "fresh"}}, nil
	}
	in := New(svc, zerolog.Nop())

	first := make(chan error, 1)
	go func() { first <- in.LoadConversations(context.Background()) }()
	<-started

	require.NoError(t, in.LoadConversations(context.Background()))
	assert.ErrorIs(t, <-first, ErrSuperseded)
	assert.Equal(t, []string{"fresh"}, ids(in.Snapshot().Conversations))
}

func TestLoadConversations_CanceledLoadKeepsData(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop())
	require.NoError(t, in.LoadConversations(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	svc.fetch = func(context.Context, int32) ([]chat.Conversation, error) {
		cancel()
		return nil, nil
	}
	err := in.LoadConversations(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, in.Snapshot().Conversations, 3)
}

func TestRefresh_RateLimited(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop(), WithMinRefreshInterval(100*time.Millisecond))
	defer in.Close()
	ctx := context.Background()

	require.NoError(t, in.Refresh(ctx))
	for n := 0; n < 5; n++ {
		require.NoError(t, in.Refresh(ctx))
	}
	assert.EqualValues(t, 1, svc.fetches.Load())

	require.Eventually(t, func() bool { return svc.fetches.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return svc.fetches.Load() > 2 }, 250*time.Millisecond, 10*time.Millisecond)
}

func TestRefresh_CloseCancelsDeferred(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop(), WithMinRefreshInterval(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, in.Refresh(ctx))
	require.NoError(t, in.Refresh(ctx))
	in.Close()

	assert.Never(t, func() bool { return svc.fetches.Load() > 1 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestRefresh_DeferredRefreshFollowsClock(t *testing.T) {
	svc := seeded()
	clock := testutil.NewClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	in := New(svc, zerolog.Nop(), WithClock(clock), WithMinRefreshInterval(time.Minute))
	defer in.Close()
	ctx := context.Background()

	require.NoError(t, in.Refresh(ctx))
	require.NoError(t, in.Refresh(ctx))
	require.NoError(t, in.Refresh(ctx))
	assert.EqualValues(t, 1, svc.fetches.Load())

	clock.Advance(30 * time.Second)
	assert.EqualValues(t, 1, svc.fetches.Load(), "interval has not passed")

	clock.Advance(30 * time.Second)
	assert.EqualValues(t, 2, svc.fetches.Load(), "one deferred refresh for three early requests")

	require.NoError(t, in.Refresh(ctx))
	in.Close()
	clock.Advance(time.Hour)
	assert.EqualValues(t, 2, svc.fetches.Load(), "close stops the pending refresh")
}

func TestSendMessage_Optimistic(t *testing.T) {
	svc := seeded()
	release := make(chan struct{})
	inFlight := make(chan struct{})
	svc.send = func(ctx context.Context, conversationID, content string) (chat.Message, error) {
		close(inFlight)
		<-release
		return chat.Message{ID: "m1", ConversationID: conversationID, Content: content, CreatedAt: time.Now()}, nil
	}
	in := New(svc, zerolog.Nop())
	require.NoError(t, in.LoadConversations(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := in.SendMessage(context.Background(), "c3", "on my way")
		done <- err
	}()
	<-inFlight

	snap := in.Snapshot()
	assert.Equal(t, []string{"c3", "c1", "c2"}, ids(snap.Conversations))
	assert.Equal(t, "on my way", snap.Conversations[0].LastMessagePreview)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "on my way", snap.Pending[0].Content)

	close(release)
	require.NoError(t, <-done)
	snap = in.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []string{"c3", "c1", "c2"}, ids(snap.Conversations))
}

func TestSendMessage_FailureReverts(t *testing.T) {
	svc := seeded()
	boom := errors.New("insert failed")
	svc.send = func(context.Context, string, string) (chat.Message, error) { return chat.Message{}, boom }
	in := New(svc, zerolog.Nop())
	require.NoError(t, in.LoadConversations(context.Background()))
	before := in.Snapshot().Conversations

	_, err := in.SendMessage(context.Background(), "c2", "draft text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, boom)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "draft text", sendErr.Draft)
	assert.Equal(t, "c2", sendErr.ConversationID)

	snap := in.Snapshot()
	assert.Equal(t, before, snap.Conversations)
	assert.Empty(t, snap.Pending)
}

func TestSendMessage_LongPreviewIsTruncated(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop())
	require.NoError(t, in.LoadConversations(context.Background()))

	long := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdefghij"
	_, err := in.SendMessage(context.Background(), "c2", long)
	require.NoError(t, err)
	assert.Equal(t, long[:50]+"...", in.Snapshot().Conversations[0].LastMessagePreview)
}

func TestMarkReadAndDelete(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, in.LoadConversations(ctx))

	require.NoError(t, in.MarkConversationAsRead(ctx, "c3"))
	snap := in.Snapshot()
	assert.Zero(t, snap.Conversations[2].UnreadCount)

	require.NoError(t, in.DeleteConversation(ctx, "c1"))
	assert.Equal(t, []string{"c2", "c3"}, ids(in.Snapshot().Conversations))
	assert.Equal(t, []string{"c3"}, svc.read)
	assert.Equal(t, []string{"c1"}, svc.deleted)
}

func TestWatch(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop(), WithMinRefreshInterval(time.Millisecond))
	defer in.Close()
	bus := events.NewBus()
	defer bus.Close()
	counts := make(countFeed, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Watch(ctx, bus, counts)
		close(done)
	}()

	counts <- 4
	require.Eventually(t, func() bool { return in.Snapshot().UnreadConversations == 4 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		bus.PublishMessageSent(events.MessageSent{ConversationID: "c1"})
		return svc.fetches.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(in.Snapshot().Conversations) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSubscribe(t *testing.T) {
	svc := seeded()
	in := New(svc, zerolog.Nop())
	updates, cancel := in.Subscribe()
	defer cancel()

	first := <-updates
	assert.Empty(t, first.Conversations)

	require.NoError(t, in.LoadConversations(context.Background()))
	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return len(snap.Conversations) == 3 && !snap.Loading
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
