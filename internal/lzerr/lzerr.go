// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package lzerr defines the named error kinds propagated by the installer
// and (as documentation of the stub's own error kinds) the UEFI stub.
// Every error the reconciliation engine returns to its caller is wrapped in
// a *Error so that the top-level command can print a short tag plus a
// human summary, per spec.md's §7 error handling design.
package lzerr

import (
	"container/list"
	"errors"
	"fmt"
)

// Kind identifies one of the named error kinds from spec.md §7. Kinds are
// "Module:ErrorType" strings so a wrapped chain can be collapsed to a
// telemetry-friendly slice of names.
type Kind string

const (
	BootSpecParse      Kind = "Generation:BootSpecParse"
	SignFailed         Kind = "Signer:SignFailed"
	IOError            Kind = "Reconcile:IOError"
	InsufficientSpace  Kind = "Reconcile:InsufficientSpace"
	HashMismatch       Kind = "Reconcile:HashMismatch"
	SecretsHookFailed  Kind = "Reconcile:SecretsHookFailed"
	InvalidGeneration  Kind = "Generation:InvalidGeneration"
	PolicyViolation    Kind = "Reconcile:PolicyViolation"
	SectionMissing     Kind = "PEImage:SectionMissing"
	NotSigned          Kind = "Stub:NotSigned"
	SecurityViolation  Kind = "Stub:SecurityViolation"
	FilesystemError    Kind = "Stub:FilesystemError"
	AllocationFailed   Kind = "Stub:AllocationFailed"
)

// Error is a named, wrappable error. Kind() identifies the Kind so that
// callers (CLI exit-code mapping, telemetry, tests) can classify a failure
// without string-matching Error().
type Error struct {
	kind    Kind
	message string
	wrapped error
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{kind: kind, message: message, wrapped: err}
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s:\n%v", e.message, e.wrapped)
	}
	return e.message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// All walks a (possibly multierror-wrapped) error tree and returns every
// *Error found in it, in discovery order.
func All(err error) []*Error {
	if err == nil {
		return nil
	}

	var result []*Error
	queue := list.New()
	queue.PushBack(err)

	for queue.Len() > 0 {
		current := queue.Remove(queue.Front()).(error)

		if named, ok := current.(*Error); ok {
			result = append(result, named)
		}

		var children []error
		if multi, ok := current.(interface{ Unwrap() []error }); ok {
			children = multi.Unwrap()
		} else if child := errors.Unwrap(current); child != nil {
			children = []error{child}
		}

		for _, child := range children {
			queue.PushBack(child)
		}
	}

	return result
}

// Kinds returns the Kind of every *Error in err's tree, for telemetry span
// attributes.
func Kinds(err error) []string {
	named := All(err)
	if len(named) == 0 {
		return nil
	}
	kinds := make([]string, len(named))
	for i, e := range named {
		kinds[i] = string(e.kind)
	}
	return kinds
}
