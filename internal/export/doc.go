// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversations out as Markdown, HTML or JSON.
//
// Markdown and HTML are presentation formats: assistant replies pass
// through the response annotator, so reasoning segments and performance
// footers render as their own sections instead of raw text. JSON is the
// stored conversation unchanged.
//
// # Usage
//
//	exp, err := export.ForFormat("markdown", export.DefaultOptions())
//	path, err := export.ExportToFile(conv, exp, opts)
package export
