package search

import (
	"encoding/json"
	"html"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const idxMessages = "medxplorer_messages"

// Highlight markers are private-use runes so they cannot collide with message
// text; they become <mark> tags after the text has been escaped.
const (
	highlightPre  = "\ue000"
	highlightPost = "\ue001"
)

// Meili is the Meilisearch index of conversation messages.
type Meili struct {
	client    meili.ServiceManager
	logger    zerolog.Logger
	healthy   atomic.Bool
	recovered atomic.Pointer[func()]
	done      chan struct{}
	closeOnce sync.Once
}

// NewMeili creates a Meilisearch client and configures the message index.
// An unreachable server is not an error; the health loop keeps probing.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: log.With().Str("component", "search").Logger(),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMessages,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug().Err(err).Str("index", idxMessages).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"threadId", "sender"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"text", "threadTitle"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn().Err(err).Msg("update searchable attributes")
	}
	sortable := []string{"timestampMs"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn().Err(err).Msg("update sortable attributes")
	}
}

// OnRecover registers fn to run after the server comes back from an outage.
// Changes skipped while it was down are only repaired by such a resync.
func (m *Meili) OnRecover(fn func()) {
	m.recovered.Store(&fn)
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
				if fn := m.recovered.Load(); fn != nil {
					(*fn)()
				}
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxMessages,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       highlightPre,
		HighlightPostTag:      highlightPost,
		Sort:                  []string{"timestampMs:desc"},
	}
	if filters := buildFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func buildFilters(q Query) []string {
	var filters []string
	if q.ThreadID != "" {
		filters = append(filters, fmt.Sprintf("threadId = %q", q.ThreadID))
	}
	if q.Sender != "" {
		filters = append(filters, fmt.Sprintf("sender = %q", q.Sender))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		ThreadID:    decodeString(hit, "threadId"),
		ThreadTitle: decodeString(hit, "threadTitle"),
		Sender:      decodeString(hit, "sender"),
	}
	if formatted := decodeFormattedString(hit, "text"); formatted != "" {
		r.Snippet = markHighlights(formatted)
	} else {
		r.Snippet = html.EscapeString(decodeString(hit, "text"))
	}
	if ts, err := time.Parse(time.RFC3339Nano, decodeString(hit, "timestamp")); err == nil {
		r.Timestamp = ts
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

// markHighlights escapes Meilisearch's formatted text and turns the
// highlight markers into <mark> tags.
func markHighlights(formatted string) string {
	escaped := html.EscapeString(formatted)
	escaped = strings.ReplaceAll(escaped, highlightPre, "<mark>")
	return strings.ReplaceAll(escaped, highlightPost, "</mark>")
}

// IndexMessages adds or updates messages in the search index.
func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(records, nil)
	return err
}

// PruneThreads deletes every message whose thread is not in keep.
func (m *Meili) PruneThreads(keep []string) error {
	if _, err := m.client.Index(idxMessages).DeleteDocumentsByFilter(pruneFilter(keep), nil); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	return nil
}

func pruneFilter(keep []string) string {
	if len(keep) == 0 {
		return "threadId EXISTS"
	}
	quoted := make([]string, len(keep))
	for i, id := range keep {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("NOT threadId IN [%s]", strings.Join(quoted, ", "))
}

// DeleteMessages removes messages from the search index.
func (m *Meili) DeleteMessages(ids []string) error {
	index := m.client.Index(idxMessages)
	for _, id := range ids {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}
	return nil
}
