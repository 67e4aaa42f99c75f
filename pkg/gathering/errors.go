// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gathering holds the error vocabulary shared by every component.
//
// Errors carry a Kind so callers can map failures onto a synchronous
// rejection, a retry, or a terminal resource state without string
// matching.
package gathering

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller's policy decision.
type Kind string

const (
	// KindValidation - malformed input, unknown ids, field mismatches.
	// Rejected synchronously, never retried.
	KindValidation Kind = "validation"

	// KindPrecondition - state machine violation (e.g. resume a task
	// that is not paused). Rejected synchronously.
	KindPrecondition Kind = "precondition"

	// KindTransient - store or worker hiccup worth a bounded retry.
	KindTransient Kind = "transient"

	// KindPermanent - surfaced as a terminal node/task failure.
	KindPermanent Kind = "permanent"

	// KindCancelled - cooperative termination via cancel or timeout.
	KindCancelled Kind = "cancelled"
)

// Error is the typed error surfaced to API callers.
type Error struct {
	Kind    Kind
	Message string
	// Entity references the resource the error is about, e.g. "task/42".
	Entity string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidation creates a validation error.
func NewValidation(entity, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// NewPrecondition creates a precondition error.
func NewPrecondition(entity, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// NewTransient wraps a transient failure.
func NewTransient(entity string, err error) *Error {
	return &Error{Kind: KindTransient, Entity: entity, Message: err.Error(), Err: err}
}

// NewPermanent wraps a permanent failure.
func NewPermanent(entity string, err error) *Error {
	return &Error{Kind: KindPermanent, Entity: entity, Message: err.Error(), Err: err}
}

// KindOf returns the Kind of err, or KindPermanent for untyped errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindPermanent
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
