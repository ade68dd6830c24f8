// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/model"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports conversations to a self-contained HTML page.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

type htmlMessage struct {
	Role      string
	Label     string
	Timestamp string
	Thought   string
	Body      template.HTML
	Stats     string
}

type htmlPage struct {
	Title     string
	Theme     string
	Model     string
	Created   string
	Count     int
	Metadata  bool
	Messages  []htmlMessage
	Exported  string
	CreatedAt string
}

// Export converts a conversation to HTML.
func (e *HTMLExporter) Export(conv *model.Conversation) ([]byte, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}
	if len(conv.Messages) == 0 {
		return nil, ErrEmptyConversation
	}

	theme := e.options.Theme
	if theme != "light" {
		theme = "dark"
	}

	page := htmlPage{
		Title:     conv.Title,
		Theme:     theme,
		Model:     conversationModel(conv),
		Created:   formatTimestamp(conv.CreatedAt),
		CreatedAt: conv.CreatedAt.Format(time.RFC3339),
		Count:     len(conv.Messages),
		Metadata:  e.options.IncludeMetadata,
		Exported:  e.options.now().Format("January 2, 2006 at 3:04 PM"),
	}
	for _, msg := range conv.Messages {
		r := parseReply(msg, e.options)
		m := htmlMessage{
			Role:    string(msg.Role),
			Label:   msg.Role.DisplayName(),
			Thought: r.thought,
			Body:    formatContent(r.content),
			Stats:   r.stats,
		}
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			m.Timestamp = formatShortTimestamp(msg.Timestamp)
		}
		page.Messages = append(page.Messages, m)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// CONTENT FORMATTING
// =============================================================================

var (
	codeBlockRegex  = regexp.MustCompile("```([a-zA-Z0-9_+-]*)\n([\\s\\S]*?)```")
	inlineCodeRegex = regexp.MustCompile("`([^`\n]+)`")
)

// formatContent escapes content and turns fenced and inline code into
// markup. Everything else becomes paragraphs split on blank lines.
func formatContent(content string) template.HTML {
	var sb strings.Builder
	rest := content
	for {
		loc := codeBlockRegex.FindStringSubmatchIndex(rest)
		if loc == nil {
			writeParagraphs(&sb, rest)
			break
		}
		writeParagraphs(&sb, rest[:loc[0]])
		lang := rest[loc[2]:loc[3]]
		code := strings.TrimRight(rest[loc[4]:loc[5]], "\n")

		sb.WriteString(`<div class="code-block">`)
		if lang != "" {
			fmt.Fprintf(&sb, `<div class="code-lang">%s</div>`, html.EscapeString(lang))
		}
		fmt.Fprintf(&sb, `<pre><code class="language-%s">%s</code></pre></div>`,
			html.EscapeString(lang), html.EscapeString(code))
		sb.WriteString("\n")
		rest = rest[loc[1]:]
	}
	// Input is escaped piecewise above.
	return template.HTML(sb.String())
}

func writeParagraphs(sb *strings.Builder, text string) {
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		escaped := html.EscapeString(para)
		escaped = inlineCodeRegex.ReplaceAllString(escaped, `<code class="inline-code">$1</code>`)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
		fmt.Fprintf(sb, "<p>%s</p>\n", escaped)
	}
}

// =============================================================================
// PAGE TEMPLATE
// =============================================================================

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<meta name="generator" content="rigchat">
<meta name="date" content="{{.CreatedAt}}">
<title>{{.Title}}</title>
<style>
:root { --radius: 8px; }
body { margin: 0; font: 15px/1.6 -apple-system, "Segoe UI", Roboto, sans-serif; }
body.dark-theme { background: #1a1b26; color: #c0caf5; --panel: #24283b; --muted: #7982a9; --accent: #7aa2f7; --code: #16161e; }
body.light-theme { background: #f7f7fa; color: #1f2335; --panel: #ffffff; --muted: #6b7089; --accent: #2e5bd8; --code: #eef0f6; }
.container { max-width: 860px; margin: 0 auto; padding: 32px 20px; }
.header h1 { margin: 0 0 8px; font-size: 1.6em; }
.metadata { color: var(--muted); display: flex; flex-wrap: wrap; gap: 16px; font-size: .9em; }
.message { background: var(--panel); border-radius: var(--radius); padding: 14px 18px; margin: 16px 0; border-left: 3px solid var(--muted); }
.user-message { border-left-color: var(--accent); }
.message-header { display: flex; justify-content: space-between; font-weight: 600; margin-bottom: 6px; }
.timestamp, .message-stats { color: var(--muted); font-size: .85em; font-weight: normal; }
.thought { color: var(--muted); font-style: italic; border-left: 2px solid var(--muted); padding-left: 10px; margin: 6px 0; }
.code-block { background: var(--code); border-radius: var(--radius); margin: 10px 0; overflow-x: auto; }
.code-lang { color: var(--muted); font-size: .8em; padding: 6px 12px 0; }
pre { margin: 0; padding: 10px 12px; }
code { font-family: "JetBrains Mono", Menlo, Consolas, monospace; font-size: .92em; }
.inline-code { background: var(--code); padding: 1px 5px; border-radius: 4px; }
.footer { color: var(--muted); text-align: center; font-size: .85em; margin-top: 32px; }
</style>
</head>
<body class="{{.Theme}}-theme">
<div class="container">
{{- if .Metadata}}
<header class="header">
<h1>{{.Title}}</h1>
<div class="metadata">
{{- if .Model}}<span><strong>Model:</strong> {{.Model}}</span>{{end}}
<span><strong>Created:</strong> {{.Created}}</span>
<span><strong>Messages:</strong> {{.Count}}</span>
</div>
</header>
{{- end}}
<main class="conversation">
{{- range .Messages}}
<div class="message {{.Role}}-message">
<div class="message-header"><span class="role-label">{{.Label}}</span>{{if .Timestamp}}<span class="timestamp">{{.Timestamp}}</span>{{end}}</div>
{{- if .Thought}}
<div class="thought">{{.Thought}}</div>
{{- end}}
<div class="message-content">
{{.Body}}</div>
{{- if .Stats}}
<div class="message-stats">{{.Stats}}</div>
{{- end}}
</div>
{{- end}}
</main>
<footer class="footer"><p>Exported from <strong>rigchat</strong> on {{.Exported}}</p></footer>
</div>
</body>
</html>
`))
