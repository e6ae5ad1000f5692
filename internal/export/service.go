package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"medxplorer/api/internal/conversation"
)

// ThreadSource looks up a thread by id.
type ThreadSource interface {
	Thread(id string) (conversation.Thread, error)
}

// Service provides transcript export functionality
type Service struct {
	threads ThreadSource
	now     func() time.Time
	logger  zerolog.Logger
}

func NewService(threads ThreadSource) *Service {
	return &Service{
		threads: threads,
		now:     time.Now,
		logger:  log.With().Str("component", "export").Logger(),
	}
}

// Export renders the thread's transcript in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	thread, err := s.threads.Thread(req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}

	data := TemplateData{
		Title:      thread.Title,
		ThreadID:   thread.ID,
		ExportedAt: s.now().UTC(),
		Messages:   make([]TemplateMessage, 0, len(thread.Messages)),
	}
	for _, msg := range thread.Messages {
		data.Messages = append(data.Messages, templateMessage(msg))
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(thread.Title + " " + shortID(thread.ID))
	started := time.Now()
	var result *Result
	switch req.Format {
	case FormatHTML, "":
		result = &Result{
			Data:     []byte(html),
			Filename: base + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	case FormatPDF:
		result, err = exportPDF(ctx, html, base)
	case FormatDOCX:
		result, err = exportDOCX(ctx, html, base)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("thread_id", thread.ID).
		Str("format", string(req.Format)).
		Int("bytes", len(result.Data)).
		Dur("duration", time.Since(started)).
		Msg("transcript exported")
	return result, nil
}

// shortID keeps exported file names distinct for threads sharing a title.
func shortID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
