package conversation

import (
	"context"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/store/chat"
)

func (m *Manager) CreateGroupChat(ctx context.Context, g chat.NewGroup) (string, error) {
	if g.CreatorID == "" {
		return "", apperr.Validation("group creator is required")
	}
	return m.store.CreateGroupChat(ctx, g)
}

// FetchGroupConversations returns the user's visible groups ordered and
// enriched like FetchConversations. Use DisplayLastMessagePreview for the
// "sender: preview" line.
func (m *Manager) FetchGroupConversations(ctx context.Context, userID string) ([]chat.GroupConversation, error) {
	rows, err := m.store.FetchGroupConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	groups := make([]chat.GroupConversation, len(rows))
	for i, r := range rows {
		groups[i] = chat.GroupConversation{
			Conversation: chat.Conversation{
				ID:            r.ConversationID,
				CreatedAt:     r.CreatedAt,
				UpdatedAt:     r.UpdatedAt,
				LastMessageAt: r.LastMessageAt,
			},
			IsGroup:                   true,
			GroupName:                 r.GroupName,
			GroupDescription:          r.GroupDescription,
			GroupAvatarURL:            r.GroupAvatarURL,
			GroupEmoji:                r.GroupEmoji,
			CreatedBy:                 r.CreatedBy,
			LastMessageSenderUsername: r.LastMessageSenderUsername,
			MemberCount:               r.MemberCount,
		}
	}

	sortByActivity(groups, func(i int) *chat.Conversation { return &groups[i].Conversation })

	targets := make([]*chat.Conversation, len(groups))
	for i := range groups {
		targets[i] = &groups[i].Conversation
	}
	if err := m.enrich(ctx, userID, targets); err != nil {
		return nil, err
	}
	return groups, nil
}

// AddGroupMember reports whether the backend accepted the change. Only admins
// may add members.
func (m *Manager) AddGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	return m.store.AddGroupMember(ctx, conversationID, actorID, userID)
}

func (m *Manager) RemoveGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	return m.store.RemoveGroupMember(ctx, conversationID, actorID, userID)
}

func (m *Manager) GetGroupMembers(ctx context.Context, conversationID string) ([]chat.GroupMember, error) {
	return m.store.GetGroupMembers(ctx, conversationID)
}
