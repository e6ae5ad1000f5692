package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"medxplorer/api/internal/util"
)

type Options struct {
	Answers AnswerService
	Backend Backend
	// Key defaults to DefaultStateKey.
	Key string
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// FlushInterval debounces backend writes. Zero writes as soon as the
	// background writer is scheduled.
	FlushInterval time.Duration
	// Clock defaults to time.Now.
	Clock     func() time.Time
	Observers []Observer
}

type Store struct {
	mu       sync.Mutex
	threads  map[string]*Thread
	order    []string
	active   string
	issued   map[string]struct{}
	revision uint64
	closed   bool
	// sealed is set once Close has given up waiting; replies arriving later
	// are dropped so memory never diverges from the final write.
	sealed bool
	events []event

	answers    AnswerService
	observers  []Observer
	clock      func() time.Time
	logger     zerolog.Logger
	writer     *writer
	inflight   sync.WaitGroup
	askCtx     context.Context
	cancelAsks context.CancelFunc
	// notifyMu is held while observers run, so events reach them in commit order.
	notifyMu sync.Mutex
}

// event is one committed mutation waiting to be delivered to observers.
type event struct {
	threadID string
	title    string
	message  *Message
	deleted  *Thread
}

// Open loads the persisted thread collection from the backend. When nothing
// is stored yet a single empty thread is created and made active.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Answers == nil {
		return nil, errors.New("conversation: answer service is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("conversation: persistence backend is required")
	}
	key := opts.Key
	if key == "" {
		key = DefaultStateKey
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "conversation").Logger()
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	askCtx, cancelAsks := context.WithCancel(context.Background())
	s := &Store{
		threads:    make(map[string]*Thread),
		issued:     make(map[string]struct{}),
		answers:    opts.Answers,
		observers:  opts.Observers,
		clock:      clock,
		logger:     logger,
		askCtx:     askCtx,
		cancelAsks: cancelAsks,
	}

	data, err := opts.Backend.Load(ctx, key)
	if err != nil {
		cancelAsks()
		return nil, fmt.Errorf("load state: %w", err)
	}

	s.writer = newWriter(opts.Backend, key, opts.FlushInterval, logger)

	s.mu.Lock()
	defer s.mu.Unlock()

	if data == nil {
		id := s.insertThreadLocked()
		s.active = id
		s.commitLocked()
		logger.Info().Str("thread_id", id).Msg("no saved conversations, started a new thread")
		return s, nil
	}

	state, err := DecodeState(data)
	if err != nil {
		cancelAsks()
		_ = s.writer.close(ctx)
		return nil, err
	}
	for i := range state.Threads {
		thread := state.Threads[i]
		s.threads[thread.ID] = &thread
		s.order = append(s.order, thread.ID)
		s.issued[thread.ID] = struct{}{}
		for _, msg := range thread.Messages {
			s.issued[msg.ID] = struct{}{}
		}
	}
	s.active = state.ActiveThreadID
	logger.Info().Int("threads", len(s.order)).Str("active_thread_id", s.active).Msg("conversations loaded")
	return s, nil
}

// CreateThread appends a new empty thread and makes it active.
func (s *Store) CreateThread() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := s.insertThreadLocked()
	s.active = id
	s.commitLocked()
	return id, nil
}

// SelectThread makes id the thread that receives new messages.
func (s *Store) SelectThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.threads[id]; !ok {
		return fmt.Errorf("select %s: %w", id, ErrNotFound)
	}
	if s.active == id {
		return nil
	}
	s.active = id
	s.commitLocked()
	return nil
}

// DeleteThread removes a thread. Deleting the active thread clears the
// selection; replies still in flight for it are discarded on arrival.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	thread, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.threads, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.active == id {
		s.active = ""
	}
	removed := thread.clone()
	s.commitLocked()
	if len(s.observers) > 0 {
		s.events = append(s.events, event{threadID: id, deleted: &removed})
	}
	s.mu.Unlock()

	s.dispatch()
	return nil
}

// Submit appends text to the active thread as a user message and asks the
// answer service in the background. The reply, or a failure notice, is
// appended to the same thread even if the selection changes meanwhile.
func (s *Store) Submit(ctx context.Context, text string) (*Pending, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.active == "" {
		s.mu.Unlock()
		return nil, ErrNoActiveThread
	}
	thread := s.threads[s.active]
	question := s.appendLocked(thread, SenderUser, text)
	threadID := thread.ID
	s.commitLocked()
	s.appendedLocked(thread, question)
	s.inflight.Add(1)
	s.mu.Unlock()

	s.dispatch()

	pending := newPending(threadID, question)
	go s.awaitAnswer(ctx, pending, text)
	return pending, nil
}

// SubmitMessage is Submit followed by waiting for the reply. Answer service
// failures are recorded in the thread and never returned.
func (s *Store) SubmitMessage(ctx context.Context, text string) error {
	pending, err := s.Submit(ctx, text)
	if err != nil {
		return err
	}
	if _, err := pending.Wait(ctx); err != nil && !errors.Is(err, ErrReplyDiscarded) {
		return err
	}
	return nil
}

// awaitAnswer runs detached from the caller's cancellation but is cancelled
// when Close stops waiting for replies.
func (s *Store) awaitAnswer(parent context.Context, pending *Pending, query string) {
	defer s.inflight.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(s.askCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	reply, askErr := s.ask(ctx, query)
	text := reply
	switch {
	case askErr != nil:
		s.logger.Warn().Err(askErr).Str("thread_id", pending.ThreadID).Msg("answer service failed")
		text = FailureText(askErr)
	case strings.TrimSpace(reply) == "":
		askErr = ErrEmptyAnswer
		s.logger.Warn().Str("thread_id", pending.ThreadID).Msg("answer service returned nothing")
		text = FailureText(askErr)
	}

	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		s.logger.Warn().Str("thread_id", pending.ThreadID).Msg("reply arrived after close, dropped")
		pending.resolve(Message{}, ErrClosed, true)
		return
	}
	thread, ok := s.threads[pending.ThreadID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug().Str("thread_id", pending.ThreadID).Msg("thread deleted before reply arrived, reply dropped")
		pending.resolve(Message{}, askErr, true)
		return
	}
	msg := s.appendLocked(thread, SenderAssistant, text)
	s.commitLocked()
	s.appendedLocked(thread, msg)
	s.mu.Unlock()

	s.dispatch()
	pending.resolve(msg, askErr, false)
}

func (s *Store) ask(ctx context.Context, query string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("answer service panicked: %v", r)
		}
	}()
	return s.answers.Ask(ctx, query)
}

// ActiveThreadID returns the selected thread, or "" when none is selected.
func (s *Store) ActiveThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Thread returns a copy of one thread.
func (s *Store) Thread(id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		return Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return thread.clone(), nil
}

// Threads returns copies of all threads in display order.
func (s *Store) Threads() []Thread {
	return s.Snapshot().Threads
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Flush writes the newest state to the backend now.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Ping checks the backend when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if pinger, ok := s.writer.backend.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close rejects further mutations, waits for in-flight replies until ctx is
// done, and writes the final state. Replies still outstanding at that point
// are cancelled and never recorded.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return s.writer.flush(ctx)
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("closing with answers still in flight")
	}

	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
	s.cancelAsks()

	return s.writer.close(ctx)
}

func (s *Store) insertThreadLocked() string {
	id := s.newIDLocked("c")
	now := s.clock()
	s.threads[id] = &Thread{
		ID:          id,
		Title:       DefaultTitle,
		Messages:    []Message{},
		LastUpdated: now,
	}
	s.order = append(s.order, id)
	return id
}

func (s *Store) appendLocked(thread *Thread, sender Sender, text string) Message {
	now := s.clock()
	if n := len(thread.Messages); n > 0 && now.Before(thread.Messages[n-1].Timestamp) {
		now = thread.Messages[n-1].Timestamp
	}
	msg := Message{
		ID:        s.newIDLocked("m"),
		Sender:    sender,
		Text:      text,
		Timestamp: now,
	}
	thread.Messages = append(thread.Messages, msg)
	thread.LastUpdated = now
	return msg
}

// newIDLocked never hands out an id twice, including ids of deleted threads.
func (s *Store) newIDLocked(prefix string) string {
	for {
		id := util.NewID(prefix)
		if _, taken := s.issued[id]; !taken {
			s.issued[id] = struct{}{}
			return id
		}
	}
}

func (s *Store) stateLocked() State {
	state := State{
		Threads:        make([]Thread, 0, len(s.order)),
		ActiveThreadID: s.active,
	}
	for _, id := range s.order {
		state.Threads = append(state.Threads, s.threads[id].clone())
	}
	return state
}

func (s *Store) commitLocked() {
	s.revision++
	payload, err := EncodeState(s.stateLocked())
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot conversations")
		return
	}
	s.writer.schedule(s.revision, payload)
}

func (s *Store) appendedLocked(thread *Thread, msg Message) {
	if len(s.observers) == 0 {
		return
	}
	s.events = append(s.events, event{threadID: thread.ID, title: thread.Title, message: &msg})
}

// dispatch delivers queued events in the order they were committed. When it
// returns, every event queued before the call has been delivered, either by
// this goroutine or by a concurrent one. Observers must not mutate the store.
func (s *Store) dispatch() {
	if len(s.observers) == 0 {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for {
		s.mu.Lock()
		batch := s.events
		s.events = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			for _, obs := range s.observers {
				if ev.deleted != nil {
					obs.ThreadDeleted(*ev.deleted)
				} else {
					obs.MessageAppended(ev.threadID, ev.title, *ev.message)
				}
			}
		}
	}
}
