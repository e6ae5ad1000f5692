// Package search indexes conversation messages and answers full-text queries
// over them. Meilisearch is used when configured and healthy; otherwise the
// in-process Memory searcher scans the live threads.
package search

import "time"

const defaultLimit = 20

// Result is a single message hit returned to the caller. Snippet is
// HTML-escaped text in which only the <mark> tags are markup.
type Result struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	ThreadTitle string    `json:"threadTitle"`
	Sender      string    `json:"sender"`
	Snippet     string    `json:"snippet"`
	Timestamp   time.Time `json:"timestamp"`
}

// Query describes a search request.
type Query struct {
	Text     string
	ThreadID string // empty = every thread
	Sender   string // empty = both senders
	Limit    int
	Offset   int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// MessageRecord is the data we index for one message. TimestampMs is the
// sort key, so Meilisearch orders hits newest first like the memory scan.
type MessageRecord struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	ThreadTitle string    `json:"threadTitle"`
	Sender      string    `json:"sender"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	TimestampMs int64     `json:"timestampMs"`
}
