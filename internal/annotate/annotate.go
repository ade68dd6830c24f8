// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package annotate splits raw assistant text into displayable content, an
// optional reasoning trace, and optional performance figures.
//
// Parse is pure: it keeps no state between calls, so it is safe to run on
// partial text on every redraw while a response is still streaming.
package annotate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jeranaias/rigchat/internal/model"
)

// ParsedResponse is the presentation view of one assistant message.
// Thought and Metadata are nil when their marker was not found.
type ParsedResponse struct {
	Content  string
	Thought  *string
	Metadata *model.Metadata
}

var (
	thoughtMarker = regexp.MustCompile(`(?i)^\s*thought for\s+(\d+(?:\.\d+)?)\s+seconds?[ \t]*:?[ \t]*`)

	metricsFooter = regexp.MustCompile(
		`(?i)(?:^|\s)(\d+(?:\.\d+)?)\s*tok/sec\s*•\s*(\d+)\s*tokens\s*•\s*(\d+(?:\.\d+)?)\s*s\s+to first token\s*•\s*stop reason:[ \t]*([^\n]*?)\s*$`)
)

// Parse extracts the thought block and metrics footer from text. When
// neither is present Content is text unchanged; otherwise Content is the
// remainder, trimmed.
func Parse(text string) ParsedResponse {
	content := text
	matched := false

	var thought *string
	if t, rest, ok := extractThought(content); ok {
		thought = &t
		content = rest
		matched = true
	}

	var meta *model.Metadata
	if m, rest, ok := extractMetrics(content); ok {
		meta = m
		content = rest
		matched = true
	}

	if !matched {
		return ParsedResponse{Content: text}
	}
	return ParsedResponse{
		Content:  strings.TrimSpace(content),
		Thought:  thought,
		Metadata: meta,
	}
}

// extractThought consumes the marker line, then following lines until a
// blank line or a line that opens with an uppercase letter.
func extractThought(text string) (thought, rest string, ok bool) {
	loc := thoughtMarker.FindStringIndex(text)
	if loc == nil {
		return "", text, false
	}

	remaining := text[loc[1]:]
	var captured []string
	first := true
	for {
		line, tail, more := strings.Cut(remaining, "\n")
		if !first && endsThought(line) {
			break
		}
		captured = append(captured, line)
		first = false
		if !more {
			remaining = ""
			break
		}
		remaining = tail
	}

	return strings.TrimSpace(strings.Join(captured, "\n")), remaining, true
}

func endsThought(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(line)
	return unicode.IsUpper(r)
}

func extractMetrics(text string) (*model.Metadata, string, bool) {
	m := metricsFooter.FindStringSubmatchIndex(text)
	if m == nil {
		return nil, text, false
	}
	group := func(i int) string { return text[m[2*i]:m[2*i+1]] }

	rate, err := strconv.ParseFloat(group(1), 64)
	if err != nil {
		return nil, text, false
	}
	tokens, err := strconv.Atoi(group(2))
	if err != nil {
		return nil, text, false
	}
	ttft, err := strconv.ParseFloat(group(3), 64)
	if err != nil {
		return nil, text, false
	}

	meta := &model.Metadata{
		Tokens: tokens,
		Performance: &model.Performance{
			TokensPerSecond:  rate,
			TimeToFirstToken: ttft,
			StopReason:       strings.TrimSpace(group(4)),
		},
	}
	return meta, text[:m[0]], true
}

// =============================================================================
// RENDERING
// =============================================================================

// Footer renders meta in the same shape Parse recognizes. It returns "" when
// meta carries no performance figures.
func Footer(meta *model.Metadata) string {
	if meta == nil || meta.Performance == nil {
		return ""
	}
	p := meta.Performance
	return fmt.Sprintf("%.2f tok/sec • %d tokens • %.2fs to first token • Stop reason: %s",
		p.TokensPerSecond, meta.Tokens, p.TimeToFirstToken, p.StopReason)
}

// Summary is a compact one-line form of meta for status bars.
func Summary(meta *model.Metadata) string {
	if meta == nil {
		return ""
	}
	var parts []string
	if meta.Model != "" {
		parts = append(parts, meta.Model)
	}
	if meta.Performance != nil {
		parts = append(parts,
			strconv.FormatFloat(meta.Performance.TokensPerSecond, 'f', 1, 64)+" tok/s",
			strconv.FormatFloat(meta.Performance.TimeToFirstToken, 'f', 2, 64)+"s TTFT")
	}
	if meta.Tokens > 0 {
		parts = append(parts, strconv.Itoa(meta.Tokens)+" tokens")
	}
	return strings.Join(parts, " · ")
}
