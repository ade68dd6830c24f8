// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server runs the local diagnostics endpoint enabled by
// --metrics-addr.
//
// Routes:
//
//	GET /metrics   Prometheus text format from the private registry
//	GET /healthz   {"status":"ok","state":...} from the status callback
//
// Every request passes through recovery, security headers and request
// logging middleware, composed with Chain.
package server
