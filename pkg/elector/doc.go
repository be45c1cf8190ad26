// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package elector runs a leader election over a single shared lease.
//
// Every participating process creates one Elector with its own identity and the
// same lease name and namespace. Mutual exclusion comes from the backend's
// optimistic concurrency: a write to the lease fails when the record changed since
// it was read, so at most one contender can claim an expired or released lease.
//
// The elector combines three drivers:
//   - an acquisition loop (one immediate attempt, a bounded number of retries, then
//     a slow standby poll),
//   - a renewal timer that runs only while leading,
//   - a watch on the lease namespace that reacts to takeovers, releases and
//     deletions faster than either timer.
//
// Without a backend the elector runs standalone and appoints itself leader.
// Leadership changes are delivered to listeners registered with AddListener, in
// emission order, on a dedicated goroutine.
package elector
