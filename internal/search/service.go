package search

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"medxplorer/api/internal/conversation"
)

const indexQueueSize = 1024

// remoteIndex is the part of Meili the service drives.
type remoteIndex interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexMessages(records []MessageRecord) error
	DeleteMessages(ids []string) error
	PruneThreads(keep []string) error
}

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory scan. It also keeps the index in step with the conversation store
// by acting as one of its observers. Index changes are applied by one worker
// in the order they were observed.
type Service struct {
	remote remoteIndex
	logger zerolog.Logger

	mu     sync.Mutex
	memory *Memory
	source ThreadSource
	closed bool
	ops    chan func()
	done   chan struct{}
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, memory *Memory) *Service {
	var remote remoteIndex
	if meili != nil {
		remote = meili
	}
	s := newService(remote, memory)
	if meili != nil {
		meili.OnRecover(s.ReindexAll)
	}
	return s
}

func newService(remote remoteIndex, memory *Memory) *Service {
	s := &Service{
		remote: remote,
		memory: memory,
		logger: log.With().Str("component", "search").Logger(),
	}
	if remote != nil {
		s.ops = make(chan func(), indexQueueSize)
		s.done = make(chan struct{})
		go s.run()
	}
	return s
}

func (s *Service) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}
}

// enqueue hands op to the index worker. A full queue drops the change; the
// next resync repairs the index.
func (s *Service) enqueue(op func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ops == nil {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.logger.Warn().Msg("index queue full, change dropped until next resync")
	}
}

// Close applies the queued index changes and stops the worker.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed || s.ops == nil {
		s.closed = true
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
}

// SetSource points the memory fallback and index resyncs at the thread
// source. The store is opened after the service because it needs the
// service as an observer.
func (s *Service) SetSource(source ThreadSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
	s.memory = NewMemory(source)
}

func (s *Service) remoteHealthy() bool {
	return s.remote != nil && s.remote.Healthy()
}

func (s *Service) Backend() string {
	if s.remoteHealthy() {
		return "meilisearch"
	}
	return "memory"
}

// Search tries Meilisearch if healthy, otherwise falls back to the memory scan.
func (s *Service) Search(q Query) Response {
	if s.remoteHealthy() {
		results, total, err := s.remote.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to memory")
	}

	s.mu.Lock()
	memory := s.memory
	s.mu.Unlock()
	if memory == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := memory.Search(q)
	if err != nil {
		s.logger.Error().Err(err).Msg("memory search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// MessageAppended queues the message for indexing.
func (s *Service) MessageAppended(threadID, threadTitle string, msg conversation.Message) {
	if !s.remoteHealthy() {
		return
	}
	record := toRecord(threadID, threadTitle, msg)
	s.enqueue(func() {
		if err := s.remote.IndexMessages([]MessageRecord{record}); err != nil {
			s.logger.Warn().Err(err).Str("message_id", record.ID).Msg("index message")
		}
	})
}

// ThreadDeleted queues removal of the thread's messages from the index.
func (s *Service) ThreadDeleted(thread conversation.Thread) {
	if !s.remoteHealthy() || len(thread.Messages) == 0 {
		return
	}
	ids := make([]string, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		ids = append(ids, msg.ID)
	}
	s.enqueue(func() {
		if err := s.remote.DeleteMessages(ids); err != nil {
			s.logger.Warn().Err(err).Str("thread_id", thread.ID).Msg("delete thread messages")
		}
	})
}

// ReindexAll resyncs Meilisearch with the thread source: messages of threads
// that no longer exist are removed and every live message is pushed again.
// It runs at startup and whenever Meilisearch recovers from an outage.
func (s *Service) ReindexAll() {
	if !s.remoteHealthy() {
		return
	}
	s.enqueue(func() {
		s.mu.Lock()
		source := s.source
		s.mu.Unlock()
		if source == nil {
			return
		}

		threads := source.Threads()
		keep := make([]string, 0, len(threads))
		var records []MessageRecord
		for _, thread := range threads {
			keep = append(keep, thread.ID)
			for _, msg := range thread.Messages {
				records = append(records, toRecord(thread.ID, thread.Title, msg))
			}
		}
		if err := s.remote.PruneThreads(keep); err != nil {
			s.logger.Warn().Err(err).Msg("prune deleted threads")
		}
		if err := s.remote.IndexMessages(records); err != nil {
			s.logger.Warn().Err(err).Int("messages", len(records)).Msg("reindex messages")
			return
		}
		s.logger.Info().Int("threads", len(keep)).Int("messages", len(records)).Msg("search index rebuilt")
	})
}

func toRecord(threadID, threadTitle string, msg conversation.Message) MessageRecord {
	return MessageRecord{
		ID:          msg.ID,
		ThreadID:    threadID,
		ThreadTitle: threadTitle,
		Sender:      string(msg.Sender),
		Text:        msg.Text,
		Timestamp:   msg.Timestamp,
		TimestampMs: msg.Timestamp.UnixMilli(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
