package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"medxplorer/api/internal/conversation"
)

var transcriptTemplate = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("Jan 2, 2006 15:04 UTC")
	},
}).Parse(transcriptHTML))

// TemplateData holds data for transcript rendering
type TemplateData struct {
	Title      string
	ThreadID   string
	ExportedAt time.Time
	Messages   []TemplateMessage
}

type TemplateMessage struct {
	Sender    string
	Label     string
	Timestamp time.Time
	BodyHTML  template.HTML
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func templateMessage(msg conversation.Message) TemplateMessage {
	out := TemplateMessage{
		Sender:    string(msg.Sender),
		Timestamp: msg.Timestamp,
	}
	if msg.Sender == conversation.SenderAssistant {
		out.Label = "MedXplorer"
		out.BodyHTML = MarkdownToHTML(msg.Text)
	} else {
		out.Label = "You"
		out.BodyHTML = PlainTextToHTML(msg.Text)
	}
	return out
}

// MarkdownToHTML renders answer text as markdown. Raw HTML in the input is
// omitted by goldmark's default renderer.
func MarkdownToHTML(text string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return PlainTextToHTML(text)
	}
	return template.HTML(buf.String())
}

// PlainTextToHTML escapes text and keeps its line breaks.
func PlainTextToHTML(text string) template.HTML {
	escaped := template.HTMLEscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return template.HTML("<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>")
}

const transcriptHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1e293b; }
    h1 { border-bottom: 2px solid #38bdf8; padding-bottom: 0.5rem; }
    .meta { color: #64748b; font-size: 0.9em; margin-bottom: 2rem; }
    .message { padding: 0.75rem 1rem; margin: 1rem 0; border-radius: 8px; }
    .message.user { background: #e0f2fe; margin-left: 15%; }
    .message.assistant { background: #f1f5f9; margin-right: 15%; }
    .sender { font-weight: bold; font-size: 0.85em; }
    .time { color: #64748b; font-size: 0.8em; margin-left: 0.5rem; }
    .empty { color: #64748b; font-style: italic; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Conversation {{.ThreadID}} | exported {{formatTime .ExportedAt}}</div>
  {{if .Messages}}
  {{range .Messages}}
  <div class="message {{.Sender}}">
    <div><span class="sender">{{.Label}}</span><span class="time">{{formatTime .Timestamp}}</span></div>
    <div class="body">{{.BodyHTML}}</div>
  </div>
  {{end}}
  {{else}}
  <p class="empty">This conversation has no messages.</p>
  {{end}}
</body>
</html>`
