package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"medxplorer/api/internal/app"
	"medxplorer/api/internal/conversation"
)

func newThreadsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List conversations in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *app.Runtime, p *printer) error {
				printThreads(p, rt.Conversations)
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print every message of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *app.Runtime, p *printer) error {
				thread, err := rt.Conversations.Thread(args[0])
				if err != nil {
					return err
				}
				printTranscript(p, thread)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <thread-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *app.Runtime, p *printer) error {
				if err := rt.Conversations.DeleteThread(args[0]); err != nil {
					return err
				}
				p.line(p.success, "deleted %s", args[0])
				return nil
			})
		},
	})
	return cmd
}

func printThreads(p *printer, store *conversation.Store) {
	threads := store.Threads()
	if len(threads) == 0 {
		p.line(p.meta, "no conversations yet")
		return
	}
	active := store.ActiveThreadID()
	for _, thread := range threads {
		marker := " "
		if thread.ID == active {
			marker = "*"
		}
		p.plain("%s %s  %s  %s",
			marker,
			p.user.Sprint(thread.ID),
			thread.Title,
			p.meta.Sprintf("%d messages, %s", len(thread.Messages), thread.LastUpdated.Local().Format(time.DateTime)),
		)
	}
}

func printTranscript(p *printer, thread conversation.Thread) {
	p.line(p.meta, "%s (%s)", thread.Title, thread.ID)
	for _, msg := range thread.Messages {
		printMessage(p, msg)
	}
}

func printMessage(p *printer, msg conversation.Message) {
	stamp := p.meta.Sprint(msg.Timestamp.Local().Format(time.Kitchen))
	switch msg.Sender {
	case conversation.SenderUser:
		p.plain("%s %s %s", stamp, p.user.Sprint("you:"), msg.Text)
	default:
		p.plain("%s %s %s", stamp, p.assistant.Sprint("medxplorer:"), msg.Text)
	}
}
