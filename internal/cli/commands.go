package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-im/messaging/store/chat"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the backend schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			_, log, db, err := openDB(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := chat.Migrate(cmd.Context(), db); err != nil {
				return f.Fail("migrate", err)
			}
			log.Info().Msg("schema migrated")
			return f.Success(statusView{Status: "migrated"})
		},
	}
}

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Username string
}

// NewTokenCommand mints an access token signed with auth.secret. It is meant
// for local development against a self-hosted backend.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			cfg, _, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return WrapExitError(ExitCommandError, "auth.secret is required", nil)
			}
			token, err := newAuthenticator(cfg).GenerateToken(args[0], opts.Username)
			if err != nil {
				return f.Fail("issue token", err)
			}
			return f.Success(tokenView{Token: token})
		},
	}
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "username claim")
	return cmd
}

func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	var groups bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if groups {
				gs, err := a.core.FetchGroupConversations(cmd.Context())
				if err != nil {
					return f.Fail("fetch groups", err)
				}
				return f.Success(groupListView(gs))
			}
			convs, err := a.core.FetchConversations(cmd.Context())
			if err != nil {
				return f.Fail("fetch conversations", err)
			}
			return f.Success(conversationListView{Self: a.userID(), Conversations: convs})
		},
	}
	cmd.Flags().BoolVarP(&groups, "groups", "g", false, "list group conversations instead")
	return cmd
}

// MessagesOptions holds flags for the messages command.
type MessagesOptions struct {
	*RootOptions
	Limit  int
	Before string
}

func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MessagesOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show a page of messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			var before *time.Time
			if opts.Before != "" {
				t, err := time.Parse(time.RFC3339, opts.Before)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --before", err)
				}
				before = &t
			}

			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.core.FetchMessages(cmd.Context(), args[0], opts.Limit, before)
			if err != nil {
				return f.Fail("fetch messages", err)
			}
			return f.Success(messageListView(msgs))
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum number of messages")
	cmd.Flags().StringVar(&opts.Before, "before", "", "only messages older than this RFC 3339 time")
	return cmd
}

func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send an encrypted message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.core.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return f.Fail("send", err)
			}
			f.VerboseLog("sent %s at %s", msg.ID, msg.CreatedAt.Format(time.RFC3339))
			return f.Success(messageView(msg))
		},
	}
}

func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.core.MarkConversationAsRead(cmd.Context(), args[0]); err != nil {
				return f.Fail("mark read", err)
			}
			return f.Success(statusView{Status: "read", ConversationID: args[0]})
		},
	}
}

func NewHideCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hide <conversation-id>",
		Short: "Hide a conversation and its history for yourself",
		Long: `Hide a conversation and its history for yourself only.

The other participants are not affected. The conversation comes back when
anyone sends a new message, without the hidden history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.core.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return f.Fail("hide", err)
			}
			return f.Success(statusView{Status: "hidden", ConversationID: args[0]})
		},
	}
}

func NewDMCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <user-id>",
		Short: "Find or start the direct conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.core.GetOrCreateDirectConversation(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("open direct conversation", err)
			}
			return f.Success(statusView{Status: "ok", ConversationID: id})
		},
	}
}

type statusView struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (v statusView) String() string {
	if v.ConversationID == "" {
		return v.Status
	}
	return fmt.Sprintf("%s %s", v.Status, v.ConversationID)
}

type tokenView struct {
	Token string `json:"token"`
}

func (v tokenView) String() string { return v.Token }
