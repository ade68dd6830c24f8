// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the bearer credential used for authenticated chat
// requests and turns authentication failures into a logout.
//
// # Key Types
//
//   - Manager: stores the token (optionally on disk), tracks idle time and
//     notifies listeners on logout
//   - TokenSource / Invalidator: the narrow views the transport and the
//     orchestrator depend on
//
// # Usage
//
//	mgr, err := session.NewManager(session.Config{TokenPath: path}, log)
//	mgr.OnLogout(func(reason string) { fmt.Println("logged out:", reason) })
//	err = mgr.Login(token)
package session
