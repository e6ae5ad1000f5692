// Package conversation keeps the chat threads of one MedXplorer client and
// reconciles submitted questions with the answers of the remote chat API.
//
// A Store is the single source of truth for threads. Mutations are
// serialized; the call to the AnswerService runs outside the lock and its
// reply is routed back to the thread that was active when the question was
// submitted.
package conversation

import (
	"context"
	"time"
)

const (
	// DefaultTitle is the label given to every new thread.
	DefaultTitle = "New Chat"
	// DefaultStateKey is the backend key the thread collection is stored under.
	DefaultStateKey = "medxplorer:conversations"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Thread struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (t *Thread) clone() Thread {
	out := *t
	out.Messages = make([]Message, len(t.Messages))
	copy(out.Messages, t.Messages)
	return out
}

// State is a point-in-time copy of the store. Threads are in display order.
type State struct {
	Threads        []Thread `json:"threads"`
	ActiveThreadID string   `json:"activeThreadId,omitempty"`
}

// AnswerService produces an answer for a free-text question.
type AnswerService interface {
	Ask(ctx context.Context, query string) (string, error)
}

// AnswerFunc adapts a plain function to AnswerService.
type AnswerFunc func(ctx context.Context, query string) (string, error)

func (f AnswerFunc) Ask(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

// Backend is durable key-value storage for the serialized thread collection.
// Load returns nil, nil when nothing is stored under key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, payload []byte) error
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Observer is notified after a mutation has been committed. Calls happen
// outside the store lock, one at a time and in commit order, possibly from
// different goroutines. Observers may read from the store but must not
// mutate it.
type Observer interface {
	MessageAppended(threadID, threadTitle string, msg Message)
	ThreadDeleted(thread Thread)
}
