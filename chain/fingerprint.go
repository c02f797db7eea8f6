/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package chain

import (
	std_errors "errors"
)

// ErrFingerprintUnauthorized is returned by every FingerprintMutator
// operation.
var ErrFingerprintUnauthorized = std_errors.New(
	"fingerprint mutation not implemented: unauthorized")

// FingerprintMutator is the boundary to a fingerprint-mutation research
// harness. The harness is intentionally not implemented: every
// operation fails with ErrFingerprintUnauthorized, and this must remain
// so.
type FingerprintMutator struct{}

// NewFingerprintMutator returns the inert mutator.
func NewFingerprintMutator() *FingerprintMutator {
	return &FingerprintMutator{}
}

// Enabled always reports false.
func (mutator *FingerprintMutator) Enabled() bool {
	return false
}

// MutateClientHello always fails with ErrFingerprintUnauthorized.
func (mutator *FingerprintMutator) MutateClientHello(
	profile string, clientHello []byte) ([]byte, error) {
	return nil, ErrFingerprintUnauthorized
}
