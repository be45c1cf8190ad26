// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package lease

import "errors"

var (
	// ErrNotFound is returned by Get when the lease record does not exist.
	ErrNotFound = errors.New("lease not found")
	// ErrAlreadyExists is returned by Create when another contender created the record first.
	ErrAlreadyExists = errors.New("lease already exists")
	// ErrConflict is returned by Update when the record changed since it was read.
	ErrConflict = errors.New("lease was modified concurrently")
)

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
