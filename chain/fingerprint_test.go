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
	"testing"
)

func TestFingerprintMutatorUnauthorized(t *testing.T) {

	mutator := NewFingerprintMutator()

	if mutator.Enabled() {
		t.Fatalf("fingerprint mutation must not be enabled")
	}

	mutated, err := mutator.MutateClientHello("chrome", []byte{0x16, 0x03, 0x01})
	if mutated != nil {
		t.Fatalf("expected no mutated output")
	}
	if !std_errors.Is(err, ErrFingerprintUnauthorized) {
		t.Fatalf("expected ErrFingerprintUnauthorized, got %v", err)
	}
}
