// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/rigchat/internal/util"
)

// readBufferSize is the size of each read from the response body.
const readBufferSize = 4 * 1024

// ProgressFunc receives the full text assembled so far after each chunk.
type ProgressFunc func(accumulated string)

// StreamResult describes what a stream produced. It is meaningful even
// when StreamChat returns an error: Content then holds the partial text.
type StreamResult struct {
	Content  string
	Model    string
	Provider string

	// Frames counts chunk frames; Malformed counts lines that were not
	// valid frame JSON.
	Frames    int
	Malformed int

	TimeToFirstChunk time.Duration
	Duration         time.Duration

	// Done is set when the service sent its done frame.
	Done bool
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat sends req to the streaming endpoint and calls onProgress with
// the accumulated text after every chunk frame, in frame order, on the
// calling goroutine.
//
// Cancelling ctx stops the read loop before the next frame is dispatched
// and returns ErrCancelled with the partial result. A stream that ends
// without a done frame is treated as complete.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onProgress ProgressFunc) (res StreamResult, err error) {
	start := time.Now()
	if c.metrics != nil {
		c.metrics.StreamsInFlight.Inc()
		defer c.metrics.StreamsInFlight.Dec()
	}
	defer func() {
		res.Duration = time.Since(start)
		c.observeRequest("stream", err)
		if c.metrics != nil {
			c.metrics.StreamDuration.Observe(res.Duration.Seconds())
		}
	}()

	token, anon, err := c.credential()
	if err != nil {
		return res, err
	}
	path := pathChatStream
	if anon {
		path = pathChatStreamAnonymous
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return res, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return res, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, token)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamingClient.Do(httpReq)
	if err != nil {
		return res, requestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, handleErrorResponse(resp)
	}

	c.log.Debug().Str("path", path).Bool("anonymous", anon).Msg("stream opened")

	err = c.processStream(ctx, resp.Body, req, start, &res, onProgress)
	if err == nil && ctx.Err() != nil {
		// Cancellation that raced with completion still counts as cancelled.
		err = ErrCancelled
	}
	if err == nil && !res.Done {
		c.log.Warn().Int("frames", res.Frames).Msg("stream ended without done frame")
	}
	return res, err
}

// processStream reads body until a done or error frame, EOF, or
// cancellation.
func (c *Client) processStream(ctx context.Context, body io.Reader, req ChatRequest, start time.Time, res *StreamResult, onProgress ProgressFunc) error {
	var dec FrameDecoder
	acc := NewAccumulator(c.chunkMode)
	buf := make([]byte, readBufferSize)

	dispatch := func(lines []string) (bool, error) {
		for _, line := range lines {
			if ctx.Err() != nil {
				return true, ErrCancelled
			}
			done, err := c.handleLine(line, req, start, acc, res, onProgress)
			if done || err != nil {
				return true, err
			}
		}
		return false, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
		}

		n, readErr := body.Read(buf)
		if ctx.Err() != nil {
			return ErrCancelled
		}

		if n > 0 {
			lines, err := dec.Write(buf[:n])
			if stop, ferr := dispatch(lines); stop {
				return ferr
			}
			if err != nil {
				return &TransportError{Message: "malformed stream", Err: err}
			}
		}

		if errors.Is(readErr, io.EOF) {
			_, err := dispatch(dec.Flush())
			return err
		}
		if readErr != nil {
			return &TransportError{Message: "stream read failed", Err: readErr}
		}
	}
}

// handleLine applies one line. It reports done for a terminal frame.
func (c *Client) handleLine(line string, req ChatRequest, start time.Time, acc *Accumulator, res *StreamResult, onProgress ProgressFunc) (bool, error) {
	payload, ok := framePayload(line)
	if !ok {
		return false, nil
	}
	if payload == "[DONE]" {
		res.Done = true
		return true, nil
	}

	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		res.Malformed++
		c.countFrame("malformed")
		c.log.Debug().Err(err).Str("payload", util.TruncateRunes(payload, 120)).Msg("skipping malformed frame")
		return false, nil
	}
	c.countFrame(f.Type)

	switch f.Type {
	case FrameMetadata:
		res.Model, res.Provider = f.Model, f.Provider
		if req.OnMetadata != nil {
			req.OnMetadata(f.Model, f.Provider)
		}
	case FrameChunk:
		if res.Frames == 0 {
			res.TimeToFirstChunk = time.Since(start)
			if c.metrics != nil {
				c.metrics.TimeToFirstChunk.Observe(res.TimeToFirstChunk.Seconds())
			}
		}
		res.Frames++
		res.Content = acc.Add(f.Content)
		if onProgress != nil {
			onProgress(res.Content)
		}
	case FrameDone:
		res.Done = true
		return true, nil
	case FrameError:
		msg := f.Message
		if msg == "" {
			msg = f.Content
		}
		return true, &StreamError{Message: msg}
	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
	}
	return false, nil
}

func (c *Client) countFrame(kind string) {
	if c.metrics == nil {
		return
	}
	switch kind {
	case FrameMetadata, FrameChunk, FrameDone, FrameError, "malformed":
	default:
		kind = "unknown"
	}
	c.metrics.FramesTotal.WithLabelValues(kind).Inc()
}
