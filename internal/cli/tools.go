package cli

import (
	"context"
	"errors"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"medxplorer/api/internal/app"
	"medxplorer/api/internal/ingest"
	"medxplorer/api/internal/search"
)

func newSearchCommand(opts *options) *cobra.Command {
	var (
		threadID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search <text...>",
		Short: "Search messages across conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *app.Runtime, p *printer) error {
				resp := rt.Service.Search(search.Query{
					Text:     strings.Join(args, " "),
					ThreadID: threadID,
					Limit:    limit,
				})
				if len(resp.Results) == 0 {
					p.line(p.meta, "no matches")
					return nil
				}
				for _, hit := range resp.Results {
					p.plain("%s %s", p.user.Sprint(hit.ThreadTitle), p.meta.Sprintf("(%s, %s)", hit.ThreadID, hit.Sender))
					p.plain("  %s", highlight(p, hit.Snippet))
				}
				p.line(p.meta, "%d of %d matches via %s", len(resp.Results), resp.Total, rt.Search.Backend())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "restrict to one conversation")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}

// highlight swaps the <mark> tags of a snippet for terminal colour.
// highlight colors the <mark> spans of an escaped snippet and turns the rest
// back into plain text for the terminal.
func highlight(p *printer, snippet string) string {
	var b strings.Builder
	for {
		start := strings.Index(snippet, "<mark>")
		if start < 0 {
			break
		}
		end := strings.Index(snippet[start:], "</mark>")
		if end < 0 {
			break
		}
		b.WriteString(html.UnescapeString(snippet[:start]))
		b.WriteString(p.warn.Sprint(html.UnescapeString(snippet[start+len("<mark>") : start+end])))
		snippet = snippet[start+end+len("</mark>"):]
	}
	b.WriteString(html.UnescapeString(snippet))
	return b.String()
}

func newUploadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.pdf>...",
		Short: "Send PDF documents to MedXplorer for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]ingest.File, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				files = append(files, ingest.File{Name: filepath.Base(path), Data: data})
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, p *printer) error {
				result, err := rt.Service.Upload(ctx, files)
				if err != nil {
					var domain *app.DomainError
					if errors.As(err, &domain) {
						if issues, ok := domain.Details.([]app.FileIssue); ok {
							for _, issue := range issues {
								p.line(p.failure, "%s: %s", issue.Name, issue.Error)
							}
						}
					}
					return err
				}
				if !reportUpload(p, result) {
					return errors.New("upload rejected by server")
				}
				return nil
			})
		},
	}
}

// reportUpload prints the ingestion verdict and reports whether it succeeded.
func reportUpload(p *printer, result ingest.Result) bool {
	if !result.Success {
		p.line(p.warn, "upload not accepted: %s", result.Message)
		return false
	}
	p.line(p.success, "uploaded %s", strings.Join(result.Files, ", "))
	if result.Message != "" {
		p.line(p.meta, "%s", result.Message)
	}
	return true
}

func newExportCommand(opts *options) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export <thread-id>",
		Short: "Write a conversation transcript as HTML, PDF or DOCX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, p *printer) error {
				result, err := rt.Service.Export(ctx, args[0], format)
				if err != nil {
					return err
				}
				path := out
				if path == "" {
					path = result.Filename
				}
				if err := os.WriteFile(path, result.Data, 0o644); err != nil {
					return err
				}
				p.line(p.success, "wrote %s", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "html", "html, pdf or docx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (defaults to a name derived from the title)")
	return cmd
}
