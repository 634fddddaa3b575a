// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime errors so callers and the transport
// layer can react without string matching.
type ErrorKind string

const (
	// ErrNotFound means the addressed entity does not exist.
	ErrNotFound ErrorKind = "not_found"

	// ErrValidation means the input was rejected before any effect.
	ErrValidation ErrorKind = "validation"

	// ErrTimeout means a deadline elapsed before completion.
	ErrTimeout ErrorKind = "timeout"

	// ErrCapacity means a bounded resource refused new work.
	ErrCapacity ErrorKind = "capacity"

	// ErrDegraded means the component works with reduced guarantees.
	ErrDegraded ErrorKind = "degraded"

	// ErrInternal means an unexpected failure with no better class.
	ErrInternal ErrorKind = "internal"
)

// Error is a classified runtime error. It wraps an optional cause and
// participates in errors.Is/errors.As chains.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Message is the human-readable description.
	Message string

	// Err is the wrapped cause, when any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so sentinel-style checks like
// errors.Is(err, &Error{Kind: ErrNotFound}) work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error without losing its chain.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewNotFound builds a not_found error.
func NewNotFound(format string, args ...interface{}) *Error {
	return NewError(ErrNotFound, format, args...)
}

// NewValidation builds a validation error.
func NewValidation(format string, args ...interface{}) *Error {
	return NewError(ErrValidation, format, args...)
}

// NewTimeout builds a timeout error.
func NewTimeout(format string, args ...interface{}) *Error {
	return NewError(ErrTimeout, format, args...)
}

// NewCapacity builds a capacity error.
func NewCapacity(format string, args ...interface{}) *Error {
	return NewError(ErrCapacity, format, args...)
}

// NewDegraded builds a degraded error.
func NewDegraded(format string, args ...interface{}) *Error {
	return NewError(ErrDegraded, format, args...)
}

// NewInternal builds an internal error.
func NewInternal(format string, args ...interface{}) *Error {
	return NewError(ErrInternal, format, args...)
}

// KindOf walks the error chain and returns the first classified kind.
// Unclassified errors report ErrInternal; nil reports an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
