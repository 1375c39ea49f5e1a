package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexus-im/messaging/internal/inbox"
)

type unreadView struct {
	UnreadConversations int `json:"unread_conversations"`
	Conversations       int `json:"conversations"`
}

func (v unreadView) String() string {
	return fmt.Sprintf("%d unread of %d conversations", v.UnreadConversations, v.Conversations)
}

// NewWatchCommand follows the inbox until interrupted, printing a line
// whenever the unread count or the number of conversations changes.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow unread conversations until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			box := inbox.New(a.core, a.log.With().Str("component", "inbox").Logger(),
				inbox.WithMinRefreshInterval(a.cfg.Inbox.MinRefreshInterval))
			defer box.Close()

			a.core.Start(ctx)
			go box.Watch(ctx, a.core.Events(), a.core)
			if err := box.LoadConversations(ctx); err != nil {
				return f.Fail("load conversations", err)
			}
			return follow(ctx, box, f)
		},
	}
}

func follow(ctx context.Context, box *inbox.Inbox, f *OutputFormatter) error {
	updates, cancel := box.Subscribe()
	defer cancel()

	var last *unreadView
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.Loading {
				continue
			}
			v := unreadView{UnreadConversations: snap.UnreadConversations, Conversations: len(snap.Conversations)}
			if last != nil && *last == v {
				continue
			}
			last = &v
			if err := f.Success(v); err != nil {
				return err
			}
		}
	}
}
