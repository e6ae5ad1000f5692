package search

import (
	"html"
	"sort"
	"strings"
	"unicode"

	"medxplorer/api/internal/conversation"
)

const snippetRadius = 60

// ThreadSource supplies the threads the Memory searcher scans.
type ThreadSource interface {
	Threads() []conversation.Thread
}

// Memory is a case-insensitive substring scan over the live threads.
type Memory struct {
	source ThreadSource
}

func NewMemory(source ThreadSource) *Memory {
	return &Memory{source: source}
}

// Search returns matches newest first, the same order Meilisearch sorts by.
func (m *Memory) Search(q Query) ([]Result, int, error) {
	needle := foldRunes(strings.TrimSpace(q.Text))
	if len(needle) == 0 || m.source == nil {
		return nil, 0, nil
	}

	var matches []Result
	for _, thread := range m.source.Threads() {
		if q.ThreadID != "" && thread.ID != q.ThreadID {
			continue
		}
		for _, msg := range thread.Messages {
			if q.Sender != "" && string(msg.Sender) != q.Sender {
				continue
			}
			snippet, ok := matchSnippet(msg.Text, needle)
			if !ok {
				continue
			}
			matches = append(matches, Result{
				ID:          msg.ID,
				ThreadID:    thread.ID,
				ThreadTitle: thread.Title,
				Sender:      string(msg.Sender),
				Snippet:     snippet,
				Timestamp:   msg.Timestamp,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	total := len(matches)
	start := q.offset()
	if start >= total {
		return []Result{}, total, nil
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func foldRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

// matchSnippet finds the first occurrence of needle in text and returns the
// escaped surrounding context with the match wrapped in <mark>.
func matchSnippet(text string, needle []rune) (string, bool) {
	runes := []rune(text)
	folded := foldRunes(text)
	at := indexRunes(folded, needle)
	if at < 0 {
		return "", false
	}

	start := at - snippetRadius
	if start < 0 {
		start = 0
	}
	end := at + len(needle) + snippetRadius
	if end > len(runes) {
		end = len(runes)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	b.WriteString(html.EscapeString(string(runes[start:at])))
	b.WriteString("<mark>")
	b.WriteString(html.EscapeString(string(runes[at : at+len(needle)])))
	b.WriteString("</mark>")
	b.WriteString(html.EscapeString(string(runes[at+len(needle) : end])))
	if end < len(runes) {
		b.WriteString("…")
	}
	return b.String(), true
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
