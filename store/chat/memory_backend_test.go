package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestBackend(t *testing.T) (*MemoryBackend, *stepClock) {
	t.Helper()
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewMemoryBackend(WithClock(clock.now))
	for _, p := range []Profile{
		{ID: "alice", Username: "alice"},
		{ID: "bob", Username: "bob"},
		{ID: "carol", Username: "carol"},
	} {
		b.AddProfile(p)
	}
	return b, clock
}

func TestMemoryBackend_DirectConversationPairIsUnique(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	first, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	second, err := b.GetOrCreateDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := b.GetOrCreateDirectConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = b.GetOrCreateDirectConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestMemoryBackend_InsertParticipantIfAbsentIsIdempotent(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	inserted, err := b.InsertParticipantIfAbsent(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := b.GetUserConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = b.InsertParticipantIfAbsent(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMemoryBackend_DirectConversationKeepsItsPair(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = b.InsertParticipantIfAbsent(ctx, id, "carol")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: "carol", Content: "let me in"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: "alice", Content: "private"})
	require.NoError(t, err)

	_, err = b.Messages(ctx, MessageQuery{ConversationID: id, ViewerID: "carol", Limit: 10})
	assert.ErrorIs(t, err, ErrNotParticipant)
	msgs, err := b.Messages(ctx, MessageQuery{ConversationID: id, ViewerID: "bob", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	rows, err := b.GetUserConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "still exactly two participants")
	rows, err = b.GetUserConversations(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryBackend_GroupAcceptsNewParticipants(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.CreateGroupChat(ctx, NewGroup{CreatorID: "alice", Name: "Trip", MemberIDs: []string{"bob"}})
	require.NoError(t, err)

	inserted, err := b.InsertParticipantIfAbsent(ctx, id, "carol")
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestMemoryBackend_DirectPairIgnoresCase(t *testing.T) {
	b := NewMemoryBackend()
	lower := "8a1f4f2e-51d3-4c4b-9d55-3a1f0c2d9e01"
	other := "0b6d7c33-2a8e-4e7f-8f0b-6c2d1e3f4a02"
	ctx := context.Background()

	first, err := b.GetOrCreateDirectConversation(ctx, lower, other)
	require.NoError(t, err)
	second, err := b.GetOrCreateDirectConversation(ctx, strings.ToUpper(other), strings.ToUpper(lower))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = b.GetOrCreateDirectConversation(ctx, lower, strings.ToUpper(lower))
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestMemoryBackend_OnlySenderEdits(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	m, err := b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: "alice", Content: "v1"})
	require.NoError(t, err)

	_, err = b.UpdateMessageContent(ctx, m.ID, "bob", "forged")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	edited, err := b.UpdateMessageContent(ctx, m.ID, "alice", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", edited.Content)
	assert.True(t, edited.UpdatedAt.After(m.UpdatedAt))
}

func TestMemoryBackend_MessagesNewestFirstWithBounds(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	var sent []Message
	for _, content := range []string{"one", "two", "three", "four"} {
		m, err := b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: "alice", Content: content})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	msgs, err := b.Messages(ctx, MessageQuery{ConversationID: id, Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "four", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "alice", msgs[0].Sender.Username)

	before := sent[2].CreatedAt
	msgs, err = b.Messages(ctx, MessageQuery{ConversationID: id, Limit: 10, Before: &before})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)

	after := sent[1].CreatedAt
	msgs, err = b.Messages(ctx, MessageQuery{ConversationID: id, Limit: 10, After: &after})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[1].Content)

	latest, err := b.LatestMessageContent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "four", *latest)
}

func TestMemoryBackend_HideAndUnhide(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, b.UpdateParticipant(ctx, id, "alice", ParticipantUpdate{Hide: true}))

	rows, err := b.GetUserConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, rows)

	p, err := b.Participant(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, p.HiddenForUser)
	require.NotNil(t, p.HiddenAt)
	require.NotNil(t, p.MessagesHiddenSince)
	assert.True(t, p.HiddenAt.Equal(*p.MessagesHiddenSince))

	require.NoError(t, b.UnhideConversationForAllParticipants(ctx, id))
	p, err = b.Participant(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, p.HiddenForUser)
	assert.Nil(t, p.HiddenAt)
	assert.NotNil(t, p.MessagesHiddenSince, "unhiding keeps the message cutoff")

	require.NoError(t, b.ClearMessageCutoffForUser(ctx, id, "alice"))
	p, err = b.Participant(ctx, id, "alice")
	require.NoError(t, err)
	assert.Nil(t, p.MessagesHiddenSince)
}

func TestMemoryBackend_LastReadNeverMovesBackwards(t *testing.T) {
	b, clock := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	clock.t = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.UpdateParticipant(ctx, id, "alice", ParticipantUpdate{MarkRead: true}))
	p, err := b.Participant(ctx, id, "alice")
	require.NoError(t, err)
	first := *p.LastReadAt

	clock.t = first.Add(-time.Hour)
	require.NoError(t, b.UpdateParticipant(ctx, id, "alice", ParticipantUpdate{MarkRead: true}))
	p, err = b.Participant(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, first.Equal(*p.LastReadAt))

	err = b.UpdateParticipant(ctx, id, "carol", ParticipantUpdate{MarkRead: true})
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestMemoryBackend_ReadCursorUsesMessageClock(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	m, err := b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: "bob", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, b.UpdateParticipant(ctx, id, "alice", ParticipantUpdate{MarkRead: true}))
	p, err := b.Participant(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, p.LastReadAt.After(m.CreatedAt))

	n, err := b.CountMessages(ctx, CountQuery{ConversationID: id, ExcludeSenderID: "alice", After: *p.LastReadAt})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryBackend_CountMessagesExcludesOwn(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.GetOrCreateDirectConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, sender := range []string{"bob", "alice", "bob"} {
		_, err := b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: sender, Content: "x"})
		require.NoError(t, err)
	}

	n, err := b.CountMessages(ctx, CountQuery{ConversationID: id, ExcludeSenderID: "alice", After: time.Unix(0, 0)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryBackend_GroupMembership(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	id, err := b.CreateGroupChat(ctx, NewGroup{CreatorID: "alice", Name: "Trip", MemberIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	members, err := b.GroupMembers(ctx, id)
	require.NoError(t, err)
	require.Len(t, members, 2)
	roles := map[string]Role{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, RoleAdmin, roles["alice"])
	assert.Equal(t, RoleMember, roles["bob"])

	ok, err := b.AddGroupMember(ctx, id, "bob", "carol")
	require.NoError(t, err)
	assert.False(t, ok, "members cannot add")

	ok, err = b.AddGroupMember(ctx, id, "alice", "carol")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.InsertMessage(ctx, NewMessage{ConversationID: id, SenderID: "carol", Content: "hi"})
	require.NoError(t, err)

	groups, err := b.GetUserGroupConversations(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 3, groups[0].MemberCount)
	require.NotNil(t, groups[0].LastMessageSenderUsername)
	assert.Equal(t, "carol", *groups[0].LastMessageSenderUsername)

	ok, err = b.RemoveGroupMember(ctx, id, "alice", "carol")
	require.NoError(t, err)
	assert.True(t, ok)

	groups, err = b.GetUserGroupConversations(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, groups)

	direct, err := b.GetUserConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, direct, "groups are not listed as direct conversations")
}

func TestMemoryBackend_CanceledContext(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Messages(ctx, MessageQuery{ConversationID: "c1"})
	assert.ErrorIs(t, err, context.Canceled)
}
