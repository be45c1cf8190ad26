// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package lease defines the shared lease record used as the arbitration point for
// leader election, the pure expiry/ownership rules over a lease snapshot, and the
// Backend interface every coordination store adapter implements.
package lease
