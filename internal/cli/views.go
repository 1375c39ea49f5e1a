package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexus-im/messaging/store/chat"
)

const timeLayout = "2006-01-02 15:04"

type conversationListView struct {
	Self          string              `json:"user_id"`
	Conversations []chat.Conversation `json:"conversations"`
}

func (v conversationListView) String() string {
	if len(v.Conversations) == 0 {
		return "no conversations"
	}
	var b strings.Builder
	for i, c := range v.Conversations {
		if i > 0 {
			b.WriteByte('\n')
		}
		var others []string
		for _, p := range c.Participants {
			if p.UserID == v.Self {
				continue
			}
			name := p.Username
			if name == "" {
				name = p.UserID
			}
			others = append(others, name)
		}
		fmt.Fprintf(&b, "%s  %-20s %s", c.ID, strings.Join(others, ", "), lastActivity(c.LastMessageAt))
		if c.UnreadCount > 0 {
			fmt.Fprintf(&b, "  (%d unread)", c.UnreadCount)
		}
		if c.LastMessagePreview != "" {
			fmt.Fprintf(&b, "\n    %s", c.LastMessagePreview)
		}
	}
	return b.String()
}

type groupListView []chat.GroupConversation

func (v groupListView) String() string {
	if len(v) == 0 {
		return "no groups"
	}
	var b strings.Builder
	for i, g := range v {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %-20s %d members  %s", g.ID, g.GroupName, g.MemberCount, lastActivity(g.LastMessageAt))
		if g.UnreadCount > 0 {
			fmt.Fprintf(&b, "  (%d unread)", g.UnreadCount)
		}
		if preview := g.DisplayLastMessagePreview(); preview != "" {
			fmt.Fprintf(&b, "\n    %s", preview)
		}
	}
	return b.String()
}

type messageView chat.Message

func (v messageView) String() string {
	sender := v.SenderID
	if v.Sender != nil && v.Sender.Username != "" {
		sender = v.Sender.Username
	}
	line := fmt.Sprintf("[%s] %s: %s", v.CreatedAt.Local().Format(timeLayout), sender, v.Content)
	if v.IsEdited {
		line += " (edited)"
	}
	return line
}

type messageListView []chat.Message

func (v messageListView) String() string {
	if len(v) == 0 {
		return "no messages"
	}
	lines := make([]string, len(v))
	for i, m := range v {
		lines[i] = messageView(m).String()
	}
	return strings.Join(lines, "\n")
}

func lastActivity(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return at.Local().Format(timeLayout)
}
