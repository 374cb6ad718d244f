// Copyright 2025 The eigenswarm Authors
// This file is part of the eigenswarm library.
//
// The eigenswarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The eigenswarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the eigenswarm library. If not, see <http://www.gnu.org/licenses/>.

// Package errs provides the keeper-wide error taxonomy. Every error that
// crosses a component boundary is classified into one of six kinds; the
// HTTP layer maps kinds to status codes and the trade scheduler decides
// from the kind whether a failing cycle may continue.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	// Validation covers bad input: malformed ids, out-of-range config.
	// Nothing is persisted; HTTP 400.
	Validation Kind = iota

	// Auth covers missing or revoked API keys, signature mismatches and
	// ownership mismatches. HTTP 401 or 403.
	Auth

	// Payment covers failed verification, replayed proofs, short amounts
	// and wrong recipients. HTTP 400 or 409.
	Payment

	// Upstream covers RPC and facilitator failures. Transient ones are
	// retried before this surfaces; HTTP 502.
	Upstream

	// Revert is an on-chain revert of a keeper-sent transaction, decoded
	// where the router ABI permits. Terminal for that call only.
	Revert

	// Invariant is an internal accounting violation. The owning eigen is
	// suspended; this kind never continues a scheduler loop.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Auth:
		return "auth"
	case Payment:
		return "payment"
	case Upstream:
		return "upstream"
	case Revert:
		return "revert"
	case Invariant:
		return "invariant"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified error with a stable machine-readable code. Code
// values are part of the HTTP contract (e.g. "payment_consumed",
// "terminal_state") and must not change between releases.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and a stable code. A nil err yields an error
// whose message is the code alone.
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, code string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err, unwrapping as needed. Unclassified
// errors report Upstream: the safe default is "retry later", never
// "drop silently".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Upstream
}

// CodeOf reports the stable code of err, or "internal" for unclassified
// errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Recoverable reports whether a scheduler loop may continue after err.
// Everything except an Invariant violation skips the failing cycle and
// carries on; Invariant failures must suspend the eigen.
func Recoverable(err error) bool {
	return KindOf(err) != Invariant
}
