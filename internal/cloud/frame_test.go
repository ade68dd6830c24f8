// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameDecoder_SplitAtEveryBoundary(t *testing.T) {
	stream := "data: {\"type\":\"chunk\",\"content\":\"héllo\"}\r\n\r\n" +
		": keep-alive\n" +
		"data: {\"type\":\"done\"}\n"
	want := []string{
		`data: {"type":"chunk","content":"héllo"}`,
		"",
		": keep-alive",
		`data: {"type":"done"}`,
	}

	raw := []byte(stream)
	for cut := 0; cut <= len(raw); cut++ {
		var d FrameDecoder
		var got []string

		first, err := d.Write(raw[:cut])
		require.NoError(t, err)
		got = append(got, first...)
		second, err := d.Write(raw[cut:])
		require.NoError(t, err)
		got = append(got, second...)
		got = append(got, d.Flush()...)

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("cut at %d: lines mismatch (-want +got):\n%s", cut, diff)
		}
	}
}

func TestFrameDecoder_ByteAtATime(t *testing.T) {
	var d FrameDecoder
	var got []string
	for _, b := range []byte("data: a\ndata: b\n") {
		lines, err := d.Write([]byte{b})
		require.NoError(t, err)
		got = append(got, lines...)
	}
	assert.Equal(t, []string{"data: a", "data: b"}, got)
	assert.Nil(t, d.Flush())
}

func TestFrameDecoder_FlushRemainder(t *testing.T) {
	var d FrameDecoder
	lines, err := d.Write([]byte(`data: {"type":"done"}`))
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, []string{`data: {"type":"done"}`}, d.Flush())
	assert.Nil(t, d.Flush(), "second flush must be empty")
}

func TestFrameDecoder_TooLarge(t *testing.T) {
	var d FrameDecoder
	_, err := d.Write([]byte(strings.Repeat("x", MaxFrameSize+1)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFramePayload(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{`data: {"type":"done"}`, `{"type":"done"}`, true},
		{`data:{"type":"done"}`, `{"type":"done"}`, true},
		{`   data: x`, "x", true},
		{"data:", "", false},
		{"data:   ", "", false},
		{"event: message", "", false},
		{": comment", "", false},
		{"", "", false},
		{"metadata: x", "", false},
	}
	for _, tt := range tests {
		got, ok := framePayload(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("framePayload(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAccumulator(t *testing.T) {
	tests := []struct {
		name  string
		mode  ChunkMode
		parts []string
		want  string
	}{
		{"auto cumulative frames", ChunkAuto, []string{"Hel", "Hello"}, "Hello"},
		{"auto delta frames", ChunkAuto, []string{"Hel", "lo", " world"}, "Hello world"},
		{"auto mixed", ChunkAuto, []string{"Hel", "Hello", " there"}, "Hello there"},
		{"auto empty fragment", ChunkAuto, []string{"Hi", ""}, "Hi"},
		{"auto repeated token", ChunkAuto, []string{"1", "1", " apples"}, "11 apples"},
		{"auto repeated word", ChunkAuto, []string{"ha", "ha", "ha"}, "hahaha"},
		{"delta forces append", ChunkDelta, []string{"Hel", "Hello"}, "HelHello"},
		{"cumulative forces replace", ChunkCumulative, []string{"Hello", "Bye"}, "Bye"},
		{"default mode is auto", "", []string{"a", "ab"}, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator(tt.mode)
			for _, p := range tt.parts {
				acc.Add(p)
			}
			assert.Equal(t, tt.want, acc.Text())
			assert.Equal(t, len(tt.parts), acc.Chunks())
		})
	}
}

func TestParseChunkMode(t *testing.T) {
	for in, want := range map[string]ChunkMode{
		"":           ChunkAuto,
		"auto":       ChunkAuto,
		" Delta ":    ChunkDelta,
		"CUMULATIVE": ChunkCumulative,
	} {
		got, err := ParseChunkMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseChunkMode("sideways")
	assert.Error(t, err)
}
