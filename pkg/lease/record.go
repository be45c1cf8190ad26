// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the value key-value backends store. Name, namespace and resource version
// are carried by the key and the store's revision.
type record struct {
	HolderIdentity       string     `json:"holderIdentity,omitempty"`
	LeaseDurationSeconds int32      `json:"leaseDurationSeconds,omitempty"`
	AcquireTime          *time.Time `json:"acquireTime,omitempty"`
	RenewTime            *time.Time `json:"renewTime,omitempty"`
}

// EncodeRecord serializes the mutable fields of l for a key-value store.
func EncodeRecord(l *Lease) ([]byte, error) {
	rec := record{
		HolderIdentity:       l.HolderIdentity,
		LeaseDurationSeconds: l.LeaseDurationSeconds,
	}
	if !l.AcquireTime.IsZero() {
		t := l.AcquireTime.UTC()
		rec.AcquireTime = &t
	}
	if !l.RenewTime.IsZero() {
		t := l.RenewTime.UTC()
		rec.RenewTime = &t
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode lease %s: %w", l.Key(), err)
	}
	return data, nil
}

// DecodeRecord rebuilds a lease from a stored value.
func DecodeRecord(namespace, name string, value []byte, resourceVersion string) (*Lease, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decode lease %s: %w", Key(namespace, name), err)
	}
	l := &Lease{
		Name:                 name,
		Namespace:            namespace,
		HolderIdentity:       rec.HolderIdentity,
		LeaseDurationSeconds: rec.LeaseDurationSeconds,
		ResourceVersion:      resourceVersion,
	}
	if rec.AcquireTime != nil {
		l.AcquireTime = *rec.AcquireTime
	}
	if rec.RenewTime != nil {
		l.RenewTime = *rec.RenewTime
	}
	return l, nil
}
