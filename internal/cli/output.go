// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/rigchat/internal/annotate"
	"github.com/jeranaias/rigchat/internal/model"
)

// =============================================================================
// JSON OUTPUT
// =============================================================================

// JSONResponse is the envelope printed by --json.
type JSONResponse struct {
	Success   bool    `json:"success"`
	Command   string  `json:"command"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
}

// printJSON writes data wrapped in a JSONResponse.
func printJSON(w io.Writer, command string, data any) error {
	resp := JSONResponse{
		Success:   true,
		Command:   command,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// =============================================================================
// TABLES
// =============================================================================

// table lays out rows in columns measured in display cells.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		var sb strings.Builder
		for i, cell := range cells {
			if i > 0 {
				sb.WriteString("  ")
			}
			if i == len(cells)-1 {
				sb.WriteString(style(cell))
				continue
			}
			sb.WriteString(style(runewidth.FillRight(cell, widths[i])))
		}
		fmt.Fprintln(w, sb.String())
	}
	line(t.header, func(s string) string { return LabelStyle.Render(s) })
	for _, row := range t.rows {
		line(row, func(s string) string { return s })
	}
}

// relativeTime formats t relative to now for listings.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return t.Local().Format("2006-01-02")
}

// shortID keeps the first eight characters of an ID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// renderMarkdown renders content for a terminal of the given width and
// returns it unchanged when rendering fails.
func renderMarkdown(content string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}

// isTerminal reports whether w is an interactive stdout.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && f == os.Stdout && IsStdoutTTY()
}

// printReply writes an assistant reply split into thought, body and stats.
// Bodies are rendered as markdown on a terminal.
func printReply(w io.Writer, msg model.Message, render bool) {
	p := annotate.Parse(msg.Content)
	if p.Thought != nil {
		fmt.Fprintln(w, ThoughtStyle.Render("Thought: "+*p.Thought))
		fmt.Fprintln(w)
	}
	if render {
		fmt.Fprint(w, renderMarkdown(p.Content, GetTerminalWidth()-4))
	} else {
		fmt.Fprintln(w, p.Content)
	}

	meta := p.Metadata
	if meta == nil {
		meta = msg.Metadata
	} else if msg.Metadata != nil {
		meta = meta.Clone()
		meta.Model, meta.Provider = msg.Metadata.Model, msg.Metadata.Provider
	}
	if s := annotate.Summary(meta); s != "" {
		fmt.Fprintln(w, DimStyle.Render(s))
	}
}

// =============================================================================
// STREAM PRINTING
// =============================================================================

// streamPrinter turns accumulated-text callbacks into terminal output. It
// prints only the new suffix while the text grows and reprints the whole
// reply when a fragment rewrote earlier text.
type streamPrinter struct {
	w       io.Writer
	printed string
}

func (p *streamPrinter) update(content string) {
	if strings.HasPrefix(content, p.printed) {
		fmt.Fprint(p.w, content[len(p.printed):])
	} else {
		fmt.Fprint(p.w, "\n"+content)
	}
	p.printed = content
}

// finish ends the line if anything was printed.
func (p *streamPrinter) finish() {
	if p.printed != "" && !strings.HasSuffix(p.printed, "\n") {
		fmt.Fprintln(p.w)
	}
}
