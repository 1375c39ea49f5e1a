package repository

import (
	"context"
	"strings"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/store/chat"
)

func (r *Repository) CreateGroupChat(ctx context.Context, g chat.NewGroup) (string, error) {
	if strings.TrimSpace(g.Name) == "" {
		return "", apperr.Validation("group name is required")
	}
	fields := []idField{field("creator id", &g.CreatorID)}
	members := append([]string(nil), g.MemberIDs...)
	for i := range members {
		fields = append(fields, field("member id", &members[i]))
	}
	if err := canonicalize(fields...); err != nil {
		return "", err
	}
	g.MemberIDs = members

	id, err := r.backend.CreateGroupChat(ctx, g)
	if err != nil {
		return "", wrap("create group chat", err)
	}
	return id, nil
}

func (r *Repository) FetchGroupConversations(ctx context.Context, userID string) ([]chat.GroupConversationRow, error) {
	if err := canonicalize(field("user id", &userID)); err != nil {
		return nil, err
	}
	rows, err := r.backend.GetUserGroupConversations(ctx, userID)
	if err != nil {
		return nil, wrap("fetch group conversations", err)
	}
	return rows, nil
}

// AddGroupMember reports false when the backend refuses, e.g. because the
// actor is not an admin.
func (r *Repository) AddGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	if err := canonicalize(field("conversation id", &conversationID), field("actor id", &actorID), field("user id", &userID)); err != nil {
		return false, err
	}
	ok, err := r.backend.AddGroupMember(ctx, conversationID, actorID, userID)
	if err != nil {
		return false, wrap("add group member", err)
	}
	return ok, nil
}

func (r *Repository) RemoveGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	if err := canonicalize(field("conversation id", &conversationID), field("actor id", &actorID), field("user id", &userID)); err != nil {
		return false, err
	}
	ok, err := r.backend.RemoveGroupMember(ctx, conversationID, actorID, userID)
	if err != nil {
		return false, wrap("remove group member", err)
	}
	return ok, nil
}

func (r *Repository) GetGroupMembers(ctx context.Context, conversationID string) ([]chat.GroupMember, error) {
	if err := canonicalize(field("conversation id", &conversationID)); err != nil {
		return nil, err
	}
	members, err := r.backend.GroupMembers(ctx, conversationID)
	if err != nil {
		return nil, wrap("get group members", err)
	}
	return members, nil
}
