// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
)

// EventType is the kind of change a Watcher reports.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
)

// Event is a single change to a lease in the watched namespace.
type Event struct {
	Type  EventType
	Lease *Lease
}

// Watcher is a long-lived subscription to lease changes.
//
// ResultChan is closed when the subscription ends, either because Stop was called,
// the watch context was cancelled or the transport failed. Err reports why it ended
// and is only meaningful after ResultChan is closed; nil means a graceful close.
type Watcher interface {
	ResultChan() <-chan Event
	Err() error
	Stop()
}

// Backend reads and writes lease records in a coordination store.
//
// Update must be atomic and versioned: it fails with ErrConflict when the stored
// record changed since the ResourceVersion carried by the argument was read. This is
// the only thing preventing two holders across processes.
type Backend interface {
	// Get returns the lease or an error wrapping ErrNotFound.
	Get(ctx context.Context, namespace, name string) (*Lease, error)
	// Create stores a new lease or fails with ErrAlreadyExists.
	Create(ctx context.Context, l *Lease) (*Lease, error)
	// Update replaces the lease, guarded by l.ResourceVersion.
	Update(ctx context.Context, l *Lease) (*Lease, error)
	// Watch subscribes to changes of every lease in namespace.
	Watch(ctx context.Context, namespace string) (Watcher, error)
}
