package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medxplorer/api/internal/conversation"
)

type fakeThreads map[string]conversation.Thread

func (f fakeThreads) Thread(id string) (conversation.Thread, error) {
	thread, ok := f[id]
	if !ok {
		return conversation.Thread{}, conversation.ErrNotFound
	}
	return thread, nil
}

func sampleThread() conversation.Thread {
	ts := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	return conversation.Thread{
		ID:    "c_0123456789abcdef",
		Title: "New Chat",
		Messages: []conversation.Message{
			{ID: "m_1", Sender: conversation.SenderUser, Text: "Is <b>Rinvoq</b> safe?\nAsking for a friend", Timestamp: ts},
			{ID: "m_2", Sender: conversation.SenderAssistant, Text: "**Yes**, with monitoring.\n\n- check labs\n- <script>alert(1)</script>", Timestamp: ts.Add(time.Minute)},
		},
		LastUpdated: ts.Add(time.Minute),
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"New Chat 01234567", "New-Chat-01234567"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "transcript"},
		{"  spaced \t  out  ", "spaced-out"},
		{"Überblick Dosierung", "berblick-Dosierung"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"", FormatHTML, false},
		{"HTML", FormatHTML, false},
		{" pdf ", FormatPDF, false},
		{"docx", FormatDOCX, false},
		{"odt", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMarkdownToHTMLOmitsRawHTML(t *testing.T) {
	html := string(MarkdownToHTML("**bold** <script>alert(1)</script>"))

	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Fatalf("expected markdown emphasis, got %q", html)
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("raw HTML must not pass through, got %q", html)
	}
}

func TestPlainTextToHTMLEscapesAndKeepsLineBreaks(t *testing.T) {
	html := string(PlainTextToHTML("a <b>\r\nsecond"))

	if html != "<p>a &lt;b&gt;<br>second</p>" {
		t.Fatalf("unexpected html %q", html)
	}
}

func TestExportHTMLTranscript(t *testing.T) {
	svc := NewService(fakeThreads{"c_0123456789abcdef": sampleThread()})
	svc.now = func() time.Time { return time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) }

	result, err := svc.Export(context.Background(), Request{ThreadID: "c_0123456789abcdef", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if result.Filename != "New-Chat-01234567.html" {
		t.Fatalf("unexpected filename %q", result.Filename)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected mime type %q", result.MimeType)
	}

	html := string(result.Data)
	for _, want := range []string{
		"<title>New Chat</title>",
		"Is &lt;b&gt;Rinvoq&lt;/b&gt; safe?<br>Asking for a friend",
		"<strong>Yes</strong>, with monitoring.",
		"<li>check labs</li>",
		"Jun 1, 2025 09:30 UTC",
		"exported Jun 2, 2025 00:00 UTC",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("assistant raw HTML leaked into transcript")
	}
	if strings.Index(html, "Rinvoq") > strings.Index(html, "with monitoring") {
		t.Error("messages must keep chronological order")
	}
}

func TestExportEmptyThread(t *testing.T) {
	thread := conversation.Thread{ID: "c_1", Title: "New Chat", Messages: []conversation.Message{}}
	svc := NewService(fakeThreads{"c_1": thread})

	result, err := svc.Export(context.Background(), Request{ThreadID: "c_1"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(string(result.Data), "This conversation has no messages.") {
		t.Fatal("expected empty transcript notice")
	}
}

func TestExportUnknownThread(t *testing.T) {
	svc := NewService(fakeThreads{})

	_, err := svc.Export(context.Background(), Request{ThreadID: "c_missing", Format: FormatHTML})
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc := NewService(fakeThreads{"c_1": sampleThread()})

	_, err := svc.Export(context.Background(), Request{ThreadID: "c_1", Format: "odt"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExportDOCXWithoutPandoc(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	svc := NewService(fakeThreads{"c_1": sampleThread()})

	_, err := svc.Export(context.Background(), Request{ThreadID: "c_1", Format: FormatDOCX})
	if !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("expected ErrDOCXDependencyMissing, got %v", err)
	}
}

func TestExportPDFWithoutChrome(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	svc := NewService(fakeThreads{"c_1": sampleThread()})

	_, err := svc.Export(context.Background(), Request{ThreadID: "c_1", Format: FormatPDF})
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}
