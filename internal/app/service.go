package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"medxplorer/api/internal/conversation"
	"medxplorer/api/internal/export"
	"medxplorer/api/internal/ingest"
	"medxplorer/api/internal/search"
)

// Uploader forwards a validated batch to the ingestion endpoint.
type Uploader interface {
	Upload(ctx context.Context, batch *ingest.Batch) (ingest.Result, error)
}

type Deps struct {
	Conversations *conversation.Store
	Search        *search.Service
	Export        *export.Service
	Uploader      Uploader
}

type Service struct {
	conversations *conversation.Store
	search        *search.Service
	export        *export.Service
	uploader      Uploader
	logger        zerolog.Logger
}

func New(deps Deps) *Service {
	return &Service{
		conversations: deps.Conversations,
		search:        deps.Search,
		export:        deps.Export,
		uploader:      deps.Uploader,
		logger:        log.With().Str("component", "app").Logger(),
	}
}

type ThreadSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview,omitempty"`
}

type MessageOutcome struct {
	ThreadID  string                `json:"threadId"`
	Question  conversation.Message  `json:"question"`
	Reply     *conversation.Message `json:"reply,omitempty"`
	Failed    bool                  `json:"failed,omitempty"`
	Discarded bool                  `json:"discarded,omitempty"`
	Pending   bool                  `json:"pending,omitempty"`
}

type FileIssue struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.conversations.Ping(ctx)
}

func (s *Service) ListConversations() map[string]any {
	threads := s.conversations.Threads()
	summaries := make([]ThreadSummary, 0, len(threads))
	for _, thread := range threads {
		summaries = append(summaries, summarize(thread))
	}
	return map[string]any{
		"threads":        summaries,
		"activeThreadId": nullableID(s.conversations.ActiveThreadID()),
	}
}

func (s *Service) CreateConversation() (map[string]any, error) {
	id, err := s.conversations.CreateThread()
	if err != nil {
		return nil, err
	}
	thread, err := s.conversations.Thread(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"thread":         thread,
		"activeThreadId": nullableID(s.conversations.ActiveThreadID()),
	}, nil
}

func (s *Service) GetConversation(id string) (map[string]any, error) {
	thread, err := s.conversations.Thread(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"thread": thread,
		"active": s.conversations.ActiveThreadID() == thread.ID,
	}, nil
}

func (s *Service) SelectConversation(id string) (map[string]any, error) {
	if err := s.conversations.SelectThread(id); err != nil {
		return nil, err
	}
	return map[string]any{"activeThreadId": nullableID(s.conversations.ActiveThreadID())}, nil
}

func (s *Service) DeleteConversation(id string) (map[string]any, error) {
	if err := s.conversations.DeleteThread(id); err != nil {
		return nil, err
	}
	return map[string]any{
		"deleted":        id,
		"activeThreadId": nullableID(s.conversations.ActiveThreadID()),
	}, nil
}

// SendMessage submits text to the active conversation. With wait set it
// blocks until the reply has been recorded; otherwise it returns as soon as
// the question is stored.
func (s *Service) SendMessage(ctx context.Context, text string, wait bool) (MessageOutcome, error) {
	pending, err := s.conversations.Submit(ctx, text)
	if err != nil {
		return MessageOutcome{}, err
	}
	outcome := MessageOutcome{ThreadID: pending.ThreadID, Question: pending.Question}
	if !wait {
		outcome.Pending = true
		return outcome, nil
	}

	reply, err := pending.Wait(ctx)
	switch {
	case errors.Is(err, conversation.ErrReplyDiscarded):
		outcome.Discarded = true
		return outcome, nil
	case err != nil:
		return MessageOutcome{}, err
	}
	outcome.Reply = &reply
	if answerErr := pending.Err(); answerErr != nil {
		outcome.Failed = true
		s.logger.Warn().Err(answerErr).Str("thread_id", pending.ThreadID).Msg("answer service failed")
	}
	return outcome, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Export(ctx context.Context, threadID, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Request{ThreadID: threadID, Format: parsed})
}

// Upload validates every file before anything is sent; one bad file rejects
// the whole batch with per-file details.
func (s *Service) Upload(ctx context.Context, files []ingest.File) (ingest.Result, error) {
	if len(files) == 0 {
		return ingest.Result{}, ingest.ErrEmptyBatch
	}

	batch := ingest.NewBatch()
	var issues []FileIssue
	for _, f := range files {
		if err := batch.Add(f); err != nil {
			var validation *ingest.ValidationError
			name := f.Name
			if errors.As(err, &validation) && validation.Name != "" {
				name = validation.Name
			}
			issues = append(issues, FileIssue{Name: name, Error: errorText(err)})
		}
	}
	if len(issues) > 0 {
		return ingest.Result{}, domainError(http.StatusUnprocessableEntity, "INVALID_FILE", "One or more files were rejected", issues)
	}
	return s.UploadBatch(ctx, batch)
}

// UploadBatch sends a batch whose files were validated as they were added.
// The batch is emptied only when the ingestion service accepts it.
func (s *Service) UploadBatch(ctx context.Context, batch *ingest.Batch) (ingest.Result, error) {
	if batch.Len() == 0 {
		return ingest.Result{}, ingest.ErrEmptyBatch
	}
	names := batch.Names()
	result, err := s.uploader.Upload(ctx, batch)
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyBatch) {
			return ingest.Result{}, err
		}
		s.logger.Error().Err(err).Strs("files", names).Msg("upload failed")
		return ingest.Result{}, domainError(http.StatusBadGateway, "UPSTREAM_ERROR", err.Error(), nil)
	}
	return result, nil
}

func errorText(err error) string {
	var validation *ingest.ValidationError
	if errors.As(err, &validation) {
		return validation.Err.Error()
	}
	return err.Error()
}

func summarize(thread conversation.Thread) ThreadSummary {
	summary := ThreadSummary{
		ID:           thread.ID,
		Title:        thread.Title,
		LastUpdated:  thread.LastUpdated,
		MessageCount: len(thread.Messages),
	}
	if n := len(thread.Messages); n > 0 {
		summary.Preview = preview(thread.Messages[n-1].Text, 80)
	}
	return summary
}

func preview(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
