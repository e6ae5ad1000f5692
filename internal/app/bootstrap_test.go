package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"medxplorer/api/internal/config"
	"medxplorer/api/internal/conversation"
	"medxplorer/api/internal/search"
)

func TestBootstrapWiresRuntime(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "About " + body.Query})
	}))
	defer upstream.Close()

	dir := t.TempDir()
	cfg := config.Config{
		APIBaseURL:    upstream.URL,
		AnswerTimeout: 5 * time.Second,
		UploadTimeout: 5 * time.Second,
		Storage:       "file",
		StateDir:      dir,
		StateKey:      conversation.DefaultStateKey,
	}

	ctx := context.Background()
	rt, err := Bootstrap(ctx, cfg)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if err := rt.Conversations.SubmitMessage(ctx, "Rinvoq"); err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}
	threadID := rt.Conversations.ActiveThreadID()
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Bootstrap(ctx, cfg)
	if err != nil {
		t.Fatalf("Bootstrap() after restart error = %v", err)
	}
	defer reopened.Close(ctx)

	thread, err := reopened.Conversations.Thread(threadID)
	if err != nil {
		t.Fatalf("thread lost across restart: %v", err)
	}
	if len(thread.Messages) != 2 || thread.Messages[1].Text != "About Rinvoq" {
		t.Fatalf("unexpected messages %+v", thread.Messages)
	}

	resp := reopened.Service.Search(search.Query{Text: "rinvoq"})
	if resp.Total != 2 {
		t.Fatalf("expected both messages to be searchable after restart, got %d", resp.Total)
	}
}

func TestBootstrapUnknownStorage(t *testing.T) {
	_, err := Bootstrap(context.Background(), config.Config{Storage: "floppy"})
	if err == nil {
		t.Fatal("expected error for unknown storage")
	}
}
