package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type participantKey struct {
	conversationID string
	userID         string
}

type conversationRecord struct {
	id          string
	createdAt   time.Time
	updatedAt   time.Time
	lastMsgAt   *time.Time
	preview     *string
	isGroup     bool
	group       NewGroup
	participant []string
}

// MemoryBackend is an in-process Backend with the same row semantics as the
// PostgreSQL schema, including the RPC functions. It is used by tests and by
// offline tooling.
type MemoryBackend struct {
	mu            sync.Mutex
	now           func() time.Time
	profiles      map[string]Profile
	conversations map[string]*conversationRecord
	directs       map[string]string
	participants  map[participantKey]*Participant
	members       map[participantKey]*GroupMember
	messages      []Message
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock overrides the time source used for server-assigned timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.now = now }
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		now:           time.Now,
		profiles:      make(map[string]Profile),
		conversations: make(map[string]*conversationRecord),
		directs:       make(map[string]string),
		participants:  make(map[participantKey]*Participant),
		members:       make(map[participantKey]*GroupMember),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddProfile registers a user profile.
func (b *MemoryBackend) AddProfile(p Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[p.ID] = p
}

func (b *MemoryBackend) Participant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.participants[participantKey{conversationID, userID}]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (b *MemoryBackend) InsertParticipantIfAbsent(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	if b.isParticipantLocked(conversationID, userID) {
		return false, nil
	}
	if !c.isGroup && len(c.participant) >= 2 {
		return false, ErrNotParticipant
	}
	return b.addParticipantLocked(conversationID, userID, b.now()), nil
}

func (b *MemoryBackend) isParticipantLocked(conversationID, userID string) bool {
	_, ok := b.participants[participantKey{conversationID, userID}]
	return ok
}

func (b *MemoryBackend) addParticipantLocked(conversationID, userID string, joinedAt time.Time) bool {
	key := participantKey{conversationID, userID}
	if _, ok := b.participants[key]; ok {
		return false
	}
	b.participants[key] = &Participant{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Username:       b.profiles[userID].Username,
		JoinedAt:       joinedAt,
	}
	c := b.conversations[conversationID]
	c.participant = append(c.participant, userID)
	return true
}

func (b *MemoryBackend) UpdateParticipant(ctx context.Context, conversationID, userID string, upd ParticipantUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.participants[participantKey{conversationID, userID}]
	if !ok {
		return ErrParticipantNotFound
	}
	now := b.now()
	if upd.MarkRead && (p.LastReadAt == nil || now.After(*p.LastReadAt)) {
		t := now
		p.LastReadAt = &t
	}
	if upd.Hide {
		hiddenAt, since := now, now
		p.HiddenForUser = true
		p.HiddenAt = &hiddenAt
		p.MessagesHiddenSince = &since
	}
	return nil
}

func (b *MemoryBackend) withSender(m Message) Message {
	if prof, ok := b.profiles[m.SenderID]; ok {
		m.Sender = &prof
	}
	return m
}

func (b *MemoryBackend) Messages(ctx context.Context, q MessageQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if q.ViewerID != "" && !b.isParticipantLocked(q.ConversationID, q.ViewerID) {
		return nil, ErrNotParticipant
	}
	var out []Message
	for i := len(b.messages) - 1; i >= 0; i-- {
		m := b.messages[i]
		if m.ConversationID != q.ConversationID {
			continue
		}
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		if q.After != nil && !m.CreatedAt.After(*q.After) {
			continue
		}
		out = append(out, b.withSender(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *MemoryBackend) InsertMessage(ctx context.Context, nm NewMessage) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conversations[nm.ConversationID]; !ok {
		return Message{}, ErrConversationNotFound
	}
	if !b.isParticipantLocked(nm.ConversationID, nm.SenderID) {
		return Message{}, ErrNotParticipant
	}
	now := b.now()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Content:        nm.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.messages = append(b.messages, m)
	return b.withSender(m), nil
}

func (b *MemoryBackend) UpdateMessageContent(ctx context.Context, messageID, senderID, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.messages {
		if b.messages[i].ID != messageID || b.messages[i].SenderID != senderID {
			continue
		}
		b.messages[i].Content = content
		b.messages[i].IsEdited = true
		b.messages[i].UpdatedAt = b.now()
		return b.withSender(b.messages[i]), nil
	}
	return Message{}, ErrMessageNotFound
}

func (b *MemoryBackend) LatestMessageContent(ctx context.Context, conversationID string) (*string, error) {
	msgs, err := b.Messages(ctx, MessageQuery{ConversationID: conversationID, Limit: 1})
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	content := msgs[0].Content
	return &content, nil
}

func (b *MemoryBackend) CountMessages(ctx context.Context, q CountQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, m := range b.messages {
		if m.ConversationID == q.ConversationID && m.SenderID != q.ExcludeSenderID && m.CreatedAt.After(q.After) {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) UpdateConversation(ctx context.Context, conversationID string, upd ConversationUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	preview := upd.LastMessagePreview
	at := upd.LastMessageAt
	c.preview = &preview
	c.lastMsgAt = &at
	c.updatedAt = at
	return nil
}

func (b *MemoryBackend) MissingProfiles(ctx context.Context, userIDs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var missing []string
	for _, id := range userIDs {
		if _, ok := b.profiles[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (b *MemoryBackend) GroupMembers(ctx context.Context, conversationID string) ([]GroupMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []GroupMember
	for key, gm := range b.members {
		if key.conversationID == conversationID {
			out = append(out, *gm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (b *MemoryBackend) visibleTo(c *conversationRecord, userID string) bool {
	p, ok := b.participants[participantKey{c.id, userID}]
	return ok && !p.HiddenForUser
}

func (b *MemoryBackend) GetUserConversations(ctx context.Context, userID string) ([]ConversationRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []ConversationRow
	for _, c := range b.conversations {
		if c.isGroup || !b.visibleTo(c, userID) {
			continue
		}
		for _, uid := range c.participant {
			p := *b.participants[participantKey{c.id, uid}]
			out = append(out, ConversationRow{
				ConversationID:     c.id,
				CreatedAt:          c.createdAt,
				UpdatedAt:          c.updatedAt,
				LastMessageAt:      c.lastMsgAt,
				LastMessagePreview: c.preview,
				Participant:        p,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ConversationID == out[j].ConversationID {
			return out[i].Participant.UserID < out[j].Participant.UserID
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}

func (b *MemoryBackend) GetOrCreateDirectConversation(ctx context.Context, userAID, userBID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// uuid columns compare case-insensitively.
	userA, userB := strings.ToLower(userAID), strings.ToLower(userBID)
	if userA == userB {
		return "", ErrSelfConversation
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pair := userA + ":" + userB
	if userB < userA {
		pair = userB + ":" + userA
	}
	if id, ok := b.directs[pair]; ok {
		return id, nil
	}

	now := b.now()
	c := &conversationRecord{id: uuid.NewString(), createdAt: now, updatedAt: now}
	b.conversations[c.id] = c
	b.directs[pair] = c.id
	b.addParticipantLocked(c.id, userA, now)
	b.addParticipantLocked(c.id, userB, now)
	return c.id, nil
}

func (b *MemoryBackend) CreateGroupChat(ctx context.Context, g NewGroup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := &conversationRecord{id: uuid.NewString(), createdAt: now, updatedAt: now, isGroup: true, group: g}
	b.conversations[c.id] = c

	b.addMemberLocked(c.id, g.CreatorID, RoleAdmin, now)
	for _, uid := range g.MemberIDs {
		if uid == g.CreatorID {
			continue
		}
		b.addMemberLocked(c.id, uid, RoleMember, now)
	}
	return c.id, nil
}

func (b *MemoryBackend) addMemberLocked(conversationID, userID string, role Role, at time.Time) {
	key := participantKey{conversationID, userID}
	if _, ok := b.members[key]; !ok {
		b.members[key] = &GroupMember{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			UserID:         userID,
			Username:       b.profiles[userID].Username,
			Role:           role,
			JoinedAt:       at,
		}
	}
	b.addParticipantLocked(conversationID, userID, at)
}

func (b *MemoryBackend) isAdminLocked(conversationID, userID string) bool {
	gm, ok := b.members[participantKey{conversationID, userID}]
	return ok && gm.Role == RoleAdmin
}

func (b *MemoryBackend) AddGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isAdminLocked(conversationID, actorID) {
		return false, nil
	}
	b.addMemberLocked(conversationID, userID, RoleMember, b.now())
	return true, nil
}

func (b *MemoryBackend) RemoveGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isAdminLocked(conversationID, actorID) {
		return false, nil
	}
	key := participantKey{conversationID, userID}
	if _, ok := b.members[key]; !ok {
		return false, nil
	}
	delete(b.members, key)
	delete(b.participants, key)
	c := b.conversations[conversationID]
	for i, uid := range c.participant {
		if uid == userID {
			c.participant = append(c.participant[:i], c.participant[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *MemoryBackend) GetUserGroupConversations(ctx context.Context, userID string) ([]GroupConversationRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []GroupConversationRow
	for _, c := range b.conversations {
		if !c.isGroup || !b.visibleTo(c, userID) {
			continue
		}
		row := GroupConversationRow{
			ConversationID:     c.id,
			GroupName:          c.group.Name,
			GroupDescription:   c.group.Description,
			GroupAvatarURL:     c.group.AvatarURL,
			GroupEmoji:         c.group.Emoji,
			CreatedBy:          c.group.CreatorID,
			CreatedAt:          c.createdAt,
			UpdatedAt:          c.updatedAt,
			LastMessageAt:      c.lastMsgAt,
			LastMessagePreview: c.preview,
		}
		for key := range b.members {
			if key.conversationID == c.id {
				row.MemberCount++
			}
		}
		if latest := b.latestLocked(c.id); latest != nil {
			if prof, ok := b.profiles[latest.SenderID]; ok {
				name := prof.Username
				row.LastMessageSenderUsername = &name
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (b *MemoryBackend) latestLocked(conversationID string) *Message {
	var latest *Message
	for i := range b.messages {
		m := &b.messages[i]
		if m.ConversationID != conversationID {
			continue
		}
		if latest == nil || !m.CreatedAt.Before(latest.CreatedAt) {
			latest = m
		}
	}
	return latest
}

func (b *MemoryBackend) UnhideConversationForAllParticipants(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, p := range b.participants {
		if key.conversationID == conversationID && p.HiddenForUser {
			p.HiddenForUser = false
			p.HiddenAt = nil
		}
	}
	return nil
}

func (b *MemoryBackend) ClearMessageCutoffForUser(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.participants[participantKey{conversationID, userID}]; ok {
		p.MessagesHiddenSince = nil
	}
	return nil
}
