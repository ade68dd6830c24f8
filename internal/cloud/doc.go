// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the client for the rigchat chat service.
//
// The service exposes a streaming endpoint that answers with newline
// delimited "data:" frames, a non-streaming endpoint, model discovery and a
// health probe. This package owns the HTTP side of all of them.
//
// # Key Types
//
//   - Client: pooled HTTP client with rate limiting and retry support
//   - FrameDecoder: splits a byte stream into frame lines across reads
//   - Accumulator: assembles chunk fragments into the running reply
//   - StreamResult: what a stream produced, including partial text
//
// # Usage
//
// Stream a reply and watch it grow:
//
//	client, err := cloud.NewClient("http://localhost:8081",
//	    cloud.WithTokens(sessionManager))
//	res, err := client.StreamChat(ctx, cloud.ChatRequest{
//	    Provider: "ollama",
//	    Model:    "llama3.2:1b",
//	    Messages: []cloud.Message{cloud.NewUserMessage("Hello")},
//	}, func(text string) {
//	    fmt.Print("\r", text)
//	})
//
// # Errors
//
// Failures are typed: *TransportError for connection and HTTP problems,
// *AuthError for rejected or missing credentials, *StreamError for an error
// frame sent by the service. A cancelled context yields ErrCancelled, which
// is an outcome of its own and never a failure.
package cloud
