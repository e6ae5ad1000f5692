package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"medxplorer/api/internal/app"
	"medxplorer/api/internal/ingest"
)

func newAskCommand(opts *options) *cobra.Command {
	var newThread bool
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask one question in the active conversation and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, p *printer) error {
				if newThread {
					if _, err := rt.Conversations.CreateThread(); err != nil {
						return err
					}
				}
				return ask(ctx, rt, p, strings.Join(args, " "))
			})
		},
	}
	cmd.Flags().BoolVar(&newThread, "new", false, "start a new conversation first")
	return cmd
}

func newChatCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with MedXplorer",
		Long: `Starts an interactive session in the active conversation.

Commands:
  /new            start a new conversation
  /list           list conversations
  /switch <id>    make another conversation active
  /delete <id>    delete a conversation
  /attach <path>  stage a PDF for upload
  /detach <name>  unstage a PDF
  /files          list staged PDFs
  /upload         send the staged PDFs for ingestion
  /quit           leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, p *printer) error {
				return chatLoop(ctx, rt, p, bufio.NewScanner(cmd.InOrStdin()))
			})
		},
	}
}

func chatLoop(ctx context.Context, rt *app.Runtime, p *printer, in *bufio.Scanner) error {
	if id := rt.Conversations.ActiveThreadID(); id != "" {
		if thread, err := rt.Conversations.Thread(id); err == nil {
			printTranscript(p, thread)
		}
	}
	p.line(p.meta, "type a question, /new for a new conversation or /quit to leave")

	staged := ingest.NewBatch()

	for {
		fmt.Fprint(p.out, p.user.Sprint("> "))
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := ask(ctx, rt, p, line); err != nil {
				p.line(p.failure, "%v", err)
			}
			continue
		}

		command, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch command {
		case "/quit", "/exit":
			return nil
		case "/new":
			var id string
			if id, err = rt.Conversations.CreateThread(); err == nil {
				p.line(p.meta, "started %s", id)
			}
		case "/list":
			printThreads(p, rt.Conversations)
		case "/switch":
			if err = rt.Conversations.SelectThread(arg); err == nil {
				thread, _ := rt.Conversations.Thread(arg)
				printTranscript(p, thread)
			}
		case "/delete":
			if err = rt.Conversations.DeleteThread(arg); err == nil {
				p.line(p.meta, "deleted %s", arg)
			}
		case "/attach":
			err = attach(staged, arg)
			if err == nil {
				p.line(p.meta, "staged %s (%d files)", filepath.Base(arg), staged.Len())
			}
		case "/detach":
			if staged.Remove(arg) {
				p.line(p.meta, "unstaged %s", arg)
			} else {
				err = fmt.Errorf("%s is not staged", arg)
			}
		case "/files":
			if names := staged.Names(); len(names) > 0 {
				p.line(p.meta, "staged: %s", strings.Join(names, ", "))
			} else {
				p.line(p.meta, "no files staged")
			}
		case "/upload":
			var result ingest.Result
			if result, err = rt.Service.UploadBatch(ctx, staged); err == nil {
				reportUpload(p, result)
			}
		default:
			err = fmt.Errorf("unknown command %s", command)
		}
		if err != nil {
			p.line(p.failure, "%v", err)
		}
	}
}

func attach(batch *ingest.Batch, path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return batch.Add(ingest.File{Name: filepath.Base(path), Data: data})
}

func ask(ctx context.Context, rt *app.Runtime, p *printer, text string) error {
	outcome, err := rt.Service.SendMessage(ctx, text, true)
	if err != nil {
		return err
	}
	switch {
	case outcome.Discarded:
		p.line(p.warn, "the conversation was deleted before the answer arrived")
	case outcome.Reply == nil:
		return errors.New("no reply recorded")
	case outcome.Failed:
		p.plain("%s %s", p.failure.Sprint("medxplorer:"), outcome.Reply.Text)
	default:
		p.plain("%s %s", p.assistant.Sprint("medxplorer:"), outcome.Reply.Text)
	}
	return nil
}
