// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"fmt"
	"strings"
)

// MaxFrameSize bounds a single frame line.
const MaxFrameSize = 1 << 20

// Frame types sent by the streaming endpoint.
const (
	FrameMetadata = "metadata"
	FrameChunk    = "chunk"
	FrameDone     = "done"
	FrameError    = "error"
)

// Frame is the JSON body of one "data:" line.
type Frame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Message  string `json:"message,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// =============================================================================
// FRAME DECODER
// =============================================================================

// FrameDecoder turns raw reads into complete lines. Bytes are buffered
// until a newline arrives, so a frame split across reads (including inside
// a multi-byte character) is reassembled before anything is decoded.
type FrameDecoder struct {
	buf []byte
}

// Write appends p and returns every line it completed, without the line
// terminator.
func (d *FrameDecoder) Write(p []byte) ([]string, error) {
	d.buf = append(d.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(d.buf[:i], []byte{'\r'})))
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) > MaxFrameSize {
		d.buf = nil
		return lines, ErrFrameTooLarge
	}
	// Release the consumed prefix once the buffer drains.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines, nil
}

// Flush returns whatever is left once the stream has ended.
func (d *FrameDecoder) Flush() []string {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(bytes.TrimSuffix(d.buf, []byte{'\r'}))
	d.buf = nil
	return []string{line}
}

// framePayload extracts the payload of a "data:" line. Other lines
// (comments, event names, blank keep-alives) report false.
func framePayload(line string) (string, bool) {
	line = strings.TrimLeft(line, " \t")
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

// ChunkMode says how a chunk frame relates to the text received so far.
type ChunkMode string

const (
	// ChunkAuto replaces the text when a fragment is longer than it and
	// starts with it, and appends otherwise.
	ChunkAuto ChunkMode = "auto"

	// ChunkDelta always appends.
	ChunkDelta ChunkMode = "delta"

	// ChunkCumulative always replaces.
	ChunkCumulative ChunkMode = "cumulative"
)

// ParseChunkMode validates a configured mode. Empty means ChunkAuto.
func ParseChunkMode(s string) (ChunkMode, error) {
	switch m := ChunkMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ChunkAuto, nil
	case ChunkAuto, ChunkDelta, ChunkCumulative:
		return m, nil
	default:
		return "", fmt.Errorf("unknown chunk mode %q", s)
	}
}

// Accumulator assembles chunk fragments into the running reply.
type Accumulator struct {
	mode   ChunkMode
	text   string
	chunks int
}

// NewAccumulator returns an empty accumulator using mode.
func NewAccumulator(mode ChunkMode) *Accumulator {
	if mode == "" {
		mode = ChunkAuto
	}
	return &Accumulator{mode: mode}
}

// Add applies one fragment and returns the text so far.
func (a *Accumulator) Add(fragment string) string {
	a.chunks++
	switch a.mode {
	case ChunkCumulative:
		a.text = fragment
	case ChunkDelta:
		a.text += fragment
	default:
		// Only a strictly longer fragment can be a cumulative resend; an
		// equal one is a repeated delta token.
		if a.text != "" && len(fragment) > len(a.text) && strings.HasPrefix(fragment, a.text) {
			a.text = fragment
		} else {
			a.text += fragment
		}
	}
	return a.text
}

// Text returns the text so far.
func (a *Accumulator) Text() string { return a.text }

// Chunks returns how many fragments were added.
func (a *Accumulator) Chunks() int { return a.chunks }
