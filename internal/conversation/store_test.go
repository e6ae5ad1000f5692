package conversation

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is a minimal Backend for store tests.
type memBackend struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
	fail  error
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (b *memBackend) Load(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

func (b *memBackend) Save(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.saves++
	b.data[key] = append([]byte(nil), payload...)
	return nil
}

func (b *memBackend) stored(t *testing.T) State {
	t.Helper()
	b.mu.Lock()
	payload := b.data[DefaultStateKey]
	b.mu.Unlock()
	require.NotNil(t, payload, "nothing persisted")
	state, err := DecodeState(payload)
	require.NoError(t, err)
	return state
}

// gatedAnswers blocks every Ask until release is called for its query.
type gatedAnswers struct {
	mu      sync.Mutex
	gates   map[string]chan result
	calls   atomic.Int32
	started chan string
}

type result struct {
	text string
	err  error
}

func newGatedAnswers() *gatedAnswers {
	return &gatedAnswers{gates: make(map[string]chan result), started: make(chan string, 16)}
}

func (g *gatedAnswers) gate(query string) chan result {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[query]
	if !ok {
		ch = make(chan result, 1)
		g.gates[query] = ch
	}
	return ch
}

func (g *gatedAnswers) Ask(ctx context.Context, query string) (string, error) {
	g.calls.Add(1)
	g.started <- query
	select {
	case r := <-g.gate(query):
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedAnswers) release(query, text string, err error) {
	g.gate(query) <- result{text: text, err: err}
}

func openTestStore(t *testing.T, answers AnswerService, backend Backend, observers ...Observer) *Store {
	t.Helper()
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{
		Answers:   answers,
		Backend:   backend,
		Logger:    &logger,
		Observers: observers,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func staticAnswer(text string) AnswerService {
	return AnswerFunc(func(context.Context, string) (string, error) { return text, nil })
}

func TestOpenWithoutSavedStateStartsOneActiveThread(t *testing.T) {
	s := openTestStore(t, staticAnswer("ok"), newMemBackend())

	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, DefaultTitle, threads[0].Title)
	assert.Empty(t, threads[0].Messages)
	assert.Equal(t, threads[0].ID, s.ActiveThreadID())
}

func TestSubmitHelloAppendsQuestionAndAnswer(t *testing.T) {
	backend := newMemBackend()
	s := openTestStore(t, staticAnswer("Hi there"), backend)
	t1 := s.ActiveThreadID()

	require.NoError(t, s.SubmitMessage(context.Background(), "Hello"))

	thread, err := s.Thread(t1)
	require.NoError(t, err)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, SenderUser, thread.Messages[0].Sender)
	assert.Equal(t, "Hello", thread.Messages[0].Text)
	assert.Equal(t, SenderAssistant, thread.Messages[1].Sender)
	assert.Equal(t, "Hi there", thread.Messages[1].Text)
	assert.False(t, thread.Messages[1].Timestamp.Before(thread.Messages[0].Timestamp))

	require.NoError(t, s.Flush(context.Background()))
	stored := backend.stored(t)
	require.Len(t, stored.Threads, 1)
	assert.Len(t, stored.Threads[0].Messages, 2)
}

func TestSubmitWhitespaceNeverCallsAnswerService(t *testing.T) {
	var calls atomic.Int32
	answers := AnswerFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "nope", nil
	})
	s := openTestStore(t, answers, newMemBackend())

	for _, text := range []string{"", " ", "\n\t  ", "\r\n"} {
		_, err := s.Submit(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyText)
		assert.True(t, IsValidation(err))
	}

	assert.Empty(t, s.Threads()[0].Messages)
	assert.Zero(t, calls.Load())
}

func TestSubmitWithoutActiveThread(t *testing.T) {
	s := openTestStore(t, staticAnswer("ok"), newMemBackend())
	require.NoError(t, s.DeleteThread(s.ActiveThreadID()))
	before := s.Snapshot()

	err := s.SubmitMessage(context.Background(), "anyone there?")

	assert.ErrorIs(t, err, ErrNoActiveThread)
	assert.Equal(t, before, s.Snapshot())
}

func TestReplyIsRoutedToOriginatingThread(t *testing.T) {
	answers := newGatedAnswers()
	s := openTestStore(t, answers, newMemBackend())
	t1 := s.ActiveThreadID()
	t2, err := s.CreateThread()
	require.NoError(t, err)
	require.NoError(t, s.SelectThread(t1))

	pending, err := s.Submit(context.Background(), "dose of ibuprofen?")
	require.NoError(t, err)
	assert.Equal(t, t1, pending.ThreadID)
	<-answers.started

	require.NoError(t, s.SelectThread(t2))
	answers.release("dose of ibuprofen?", "400 mg", nil)

	reply, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "400 mg", reply.Text)

	thread1, _ := s.Thread(t1)
	thread2, _ := s.Thread(t2)
	require.Len(t, thread1.Messages, 2)
	assert.Equal(t, "400 mg", thread1.Messages[1].Text)
	assert.Empty(t, thread2.Messages)
	assert.Equal(t, t2, s.ActiveThreadID())
}

func TestFailingAnswerServiceAppendsExactlyOneErrorMessage(t *testing.T) {
	answers := AnswerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	})
	s := openTestStore(t, answers, newMemBackend())
	id := s.ActiveThreadID()

	pending, err := s.Submit(context.Background(), "side effects?")
	require.NoError(t, err)
	reply, err := pending.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SenderAssistant, reply.Sender)
	assert.Equal(t, "Error: connection refused", reply.Text)
	assert.EqualError(t, pending.Err(), "connection refused")

	thread, _ := s.Thread(id)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "Error: connection refused", thread.Messages[1].Text)
}

func TestPanickingAnswerServiceDoesNotEscape(t *testing.T) {
	answers := AnswerFunc(func(context.Context, string) (string, error) {
		panic("boom")
	})
	s := openTestStore(t, answers, newMemBackend())

	require.NoError(t, s.SubmitMessage(context.Background(), "hello"))

	msgs := s.Threads()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Error: answer service panicked: boom", msgs[1].Text)
}

func TestEmptyAnswerIsRecordedAsFailure(t *testing.T) {
	s := openTestStore(t, staticAnswer("   "), newMemBackend())

	require.NoError(t, s.SubmitMessage(context.Background(), "hello"))

	msgs := s.Threads()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, FailureText(ErrEmptyAnswer), msgs[1].Text)
}

func TestDeletingThreadDuringInFlightSubmissionDropsReply(t *testing.T) {
	answers := newGatedAnswers()
	backend := newMemBackend()
	s := openTestStore(t, answers, backend)
	t1 := s.ActiveThreadID()
	t2, err := s.CreateThread()
	require.NoError(t, err)
	require.NoError(t, s.SelectThread(t1))

	pending, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)
	<-answers.started

	require.NoError(t, s.DeleteThread(t1))
	assert.Empty(t, s.ActiveThreadID())
	answers.release("question", "late answer", nil)

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReplyDiscarded)
	assert.True(t, pending.Discarded())

	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, t2, threads[0].ID)
	assert.Empty(t, threads[0].Messages)
	_, err = s.Thread(t1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSubmissionsOnDifferentThreads(t *testing.T) {
	answers := newGatedAnswers()
	s := openTestStore(t, answers, newMemBackend())
	t1 := s.ActiveThreadID()
	p1, err := s.Submit(context.Background(), "first")
	require.NoError(t, err)

	t2, err := s.CreateThread()
	require.NoError(t, err)
	p2, err := s.Submit(context.Background(), "second")
	require.NoError(t, err)
	<-answers.started
	<-answers.started

	// Resolve in reverse order of submission.
	answers.release("second", "answer two", nil)
	answers.release("first", "answer one", nil)
	_, err = p2.Wait(context.Background())
	require.NoError(t, err)
	_, err = p1.Wait(context.Background())
	require.NoError(t, err)

	thread1, _ := s.Thread(t1)
	thread2, _ := s.Thread(t2)
	require.Len(t, thread1.Messages, 2)
	require.Len(t, thread2.Messages, 2)
	assert.Equal(t, "answer one", thread1.Messages[1].Text)
	assert.Equal(t, "answer two", thread2.Messages[1].Text)
}

func TestStoreOperationsProceedWhileAnswerPending(t *testing.T) {
	answers := newGatedAnswers()
	s := openTestStore(t, answers, newMemBackend())

	pending, err := s.Submit(context.Background(), "slow question")
	require.NoError(t, err)
	<-answers.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		id, err := s.CreateThread()
		assert.NoError(t, err)
		assert.NoError(t, s.SelectThread(id))
		_ = s.Snapshot()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("store blocked while an answer was pending")
	}

	answers.release("slow question", "finally", nil)
	_, err = pending.Wait(context.Background())
	require.NoError(t, err)
}

func TestSelectAndDeleteUnknownThread(t *testing.T) {
	s := openTestStore(t, staticAnswer("ok"), newMemBackend())
	active := s.ActiveThreadID()

	assert.ErrorIs(t, s.SelectThread("c_missing"), ErrNotFound)
	assert.ErrorIs(t, s.DeleteThread("c_missing"), ErrNotFound)
	assert.Equal(t, active, s.ActiveThreadID())
	assert.Len(t, s.Threads(), 1)
}

func TestCreateThreadAppendsAndActivates(t *testing.T) {
	s := openTestStore(t, staticAnswer("ok"), newMemBackend())
	first := s.ActiveThreadID()

	second, err := s.CreateThread()
	require.NoError(t, err)

	threads := s.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, first, threads[0].ID)
	assert.Equal(t, second, threads[1].ID)
	assert.Equal(t, second, s.ActiveThreadID())
}

func TestThreadIDsAreNeverReused(t *testing.T) {
	s := openTestStore(t, staticAnswer("ok"), newMemBackend())
	seen := map[string]bool{s.ActiveThreadID(): true}
	for range 50 {
		id, err := s.CreateThread()
		require.NoError(t, err)
		require.False(t, seen[id], "id %s reused", id)
		seen[id] = true
		require.NoError(t, s.DeleteThread(id))
	}
}

func TestActiveThreadAlwaysExistsUnderRandomOperations(t *testing.T) {
	s := openTestStore(t, staticAnswer("ok"), newMemBackend())
	rng := rand.New(rand.NewSource(42))

	for step := range 500 {
		threads := s.Threads()
		pick := func() string {
			if len(threads) == 0 || rng.Intn(5) == 0 {
				return "c_unknown"
			}
			return threads[rng.Intn(len(threads))].ID
		}
		switch rng.Intn(3) {
		case 0:
			_, err := s.CreateThread()
			require.NoError(t, err)
		case 1:
			_ = s.SelectThread(pick())
		case 2:
			_ = s.DeleteThread(pick())
		}

		state := s.Snapshot()
		if state.ActiveThreadID == "" {
			continue
		}
		found := false
		for _, thread := range state.Threads {
			if thread.ID == state.ActiveThreadID {
				found = true
				break
			}
		}
		require.True(t, found, "step %d: active thread %s missing", step, state.ActiveThreadID)
	}
}

func TestPersistAndReloadRoundTrip(t *testing.T) {
	backend := newMemBackend()
	answers := AnswerFunc(func(_ context.Context, q string) (string, error) {
		return "re: " + q, nil
	})
	first := openTestStore(t, answers, backend)
	require.NoError(t, first.SubmitMessage(context.Background(), "one"))
	_, err := first.CreateThread()
	require.NoError(t, err)
	require.NoError(t, first.SubmitMessage(context.Background(), "two"))
	require.NoError(t, first.SubmitMessage(context.Background(), "three"))
	want := first.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, first.Close(ctx))

	second := openTestStore(t, answers, backend)
	got := second.Snapshot()

	require.Len(t, got.Threads, len(want.Threads))
	assert.Equal(t, want.ActiveThreadID, got.ActiveThreadID)
	for i := range want.Threads {
		assert.Equal(t, want.Threads[i].ID, got.Threads[i].ID)
		require.Len(t, got.Threads[i].Messages, len(want.Threads[i].Messages))
		for j, msg := range want.Threads[i].Messages {
			assert.Equal(t, msg.ID, got.Threads[i].Messages[j].ID)
			assert.Equal(t, msg.Sender, got.Threads[i].Messages[j].Sender)
			assert.Equal(t, msg.Text, got.Threads[i].Messages[j].Text)
			assert.True(t, msg.Timestamp.Equal(got.Threads[i].Messages[j].Timestamp))
		}
	}
}

func TestCloseWritesFinalStateDespiteDebounce(t *testing.T) {
	backend := newMemBackend()
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{
		Answers:       staticAnswer("ok"),
		Backend:       backend,
		Logger:        &logger,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	for range 5 {
		_, err := s.CreateThread()
		require.NoError(t, err)
	}
	want := s.Snapshot()

	require.NoError(t, s.Close(context.Background()))

	stored := backend.stored(t)
	assert.Len(t, stored.Threads, 6)
	assert.Equal(t, want.ActiveThreadID, stored.ActiveThreadID)
	assert.Equal(t, 1, backend.saves, "debounced writes should coalesce into one save")

	_, err = s.CreateThread()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFailedSaveIsRetriedOnFlush(t *testing.T) {
	backend := newMemBackend()
	backend.fail = errors.New("disk full")
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{
		Answers:       staticAnswer("ok"),
		Backend:       backend,
		Logger:        &logger,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	assert.Error(t, s.Flush(context.Background()))

	backend.mu.Lock()
	backend.fail = nil
	backend.mu.Unlock()

	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, backend.stored(t).Threads, 1)
}

func TestCloseWaitsForInFlightReplies(t *testing.T) {
	backend := newMemBackend()
	answers := newGatedAnswers()
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{Answers: answers, Backend: backend, Logger: &logger})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "wait for me")
	require.NoError(t, err)
	<-answers.started

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()
	answers.release("wait for me", "done", nil)

	require.NoError(t, <-closed)
	msgs := backend.stored(t).Threads[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "done", msgs[1].Text)
}

func TestOpenRejectsCorruptState(t *testing.T) {
	backend := newMemBackend()
	backend.data[DefaultStateKey] = []byte(`{"version":1,"threads":[{"id":"c1","messages":[{"id":"m1","sender":"bot","text":"x"}]}]}`)
	logger := zerolog.Nop()

	_, err := Open(context.Background(), Options{Answers: staticAnswer("ok"), Backend: backend, Logger: &logger})

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown sender"))
}

type recordingObserver struct {
	mu       sync.Mutex
	appended []Message
	deleted  []string
}

func (r *recordingObserver) MessageAppended(_, _ string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, msg)
}

func (r *recordingObserver) ThreadDeleted(thread Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, thread.ID)
}

func TestObserversSeeCommittedMutations(t *testing.T) {
	obs := &recordingObserver{}
	s := openTestStore(t, staticAnswer("fine"), newMemBackend(), obs)
	id := s.ActiveThreadID()

	require.NoError(t, s.SubmitMessage(context.Background(), "how are you"))
	require.NoError(t, s.DeleteThread(id))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.appended, 2)
	assert.Equal(t, SenderUser, obs.appended[0].Sender)
	assert.Equal(t, SenderAssistant, obs.appended[1].Sender)
	assert.Equal(t, []string{id}, obs.deleted)
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time {
		// Alternate forwards and backwards jumps.
		n := tick.Add(1)
		if n%2 == 0 {
			return base.Add(-time.Duration(n) * time.Minute)
		}
		return base.Add(time.Duration(n) * time.Minute)
	}
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{
		Answers: staticAnswer("ok"),
		Backend: newMemBackend(),
		Logger:  &logger,
		Clock:   clock,
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	for range 3 {
		require.NoError(t, s.SubmitMessage(context.Background(), "q"))
	}
	msgs := s.Threads()[0].Messages
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "message %d went backwards", i)
	}
}

func TestCloseDropsRepliesArrivingAfterDeadline(t *testing.T) {
	backend := newMemBackend()
	release := make(chan struct{})
	started := make(chan struct{})
	// Ignores cancellation so the reply arrives after Close has returned.
	answers := AnswerFunc(func(context.Context, string) (string, error) {
		close(started)
		<-release
		return "too late", nil
	})
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{Answers: answers, Backend: backend, Logger: &logger})
	require.NoError(t, err)

	pending, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	close(release)
	select {
	case <-pending.Done():
	case <-time.After(time.Second):
		t.Fatal("pending reply never resolved")
	}

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, pending.Discarded())

	inMemory := s.Threads()[0].Messages
	persisted := backend.stored(t).Threads[0].Messages
	assert.Len(t, inMemory, 1)
	assert.Equal(t, len(persisted), len(inMemory))
}

func TestCloseCancelsOutstandingAsks(t *testing.T) {
	answers := newGatedAnswers()
	logger := zerolog.Nop()
	s, err := Open(context.Background(), Options{Answers: answers, Backend: newMemBackend(), Logger: &logger})
	require.NoError(t, err)

	pending, err := s.Submit(context.Background(), "never answered")
	require.NoError(t, err)
	<-answers.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	select {
	case <-pending.Done():
	case <-time.After(time.Second):
		t.Fatal("ask was not cancelled by Close")
	}
	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// orderObserver records events and can hold the assistant reply notification.
type orderObserver struct {
	mu      sync.Mutex
	events  []string
	entered chan struct{}
	hold    chan struct{}
}

func (o *orderObserver) MessageAppended(_, _ string, msg Message) {
	if msg.Sender == SenderAssistant && o.hold != nil {
		close(o.entered)
		<-o.hold
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "appended:"+string(msg.Sender))
}

func (o *orderObserver) ThreadDeleted(Thread) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "deleted")
}

func TestObserverEventsFollowCommitOrder(t *testing.T) {
	obs := &orderObserver{entered: make(chan struct{}), hold: make(chan struct{})}
	s := openTestStore(t, staticAnswer("reply"), newMemBackend(), obs)
	id := s.ActiveThreadID()

	pending, err := s.Submit(context.Background(), "question")
	require.NoError(t, err)
	<-obs.entered

	deleted := make(chan error, 1)
	go func() { deleted <- s.DeleteThread(id) }()

	require.Eventually(t, func() bool {
		_, err := s.Thread(id)
		return errors.Is(err, ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	close(obs.hold)
	require.NoError(t, <-deleted)
	_, err = pending.Wait(context.Background())
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"appended:user", "appended:assistant", "deleted"}, obs.events)
}
