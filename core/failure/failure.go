// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package failure defines the error taxonomy shared by the pull and
// push orchestrators. The remote API client performs the initial
// classification; orchestrators decide continue-vs-abort from it.
package failure

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrTransient marks a failure that may succeed on retry: network
	// errors, timeouts, 429 and 5xx responses. The API client retries
	// these internally before surfacing them.
	ErrTransient = errors.ConstError("transient failure")

	// ErrPermanentItem marks a failure scoped to a single object, such
	// as a validation rejection. The owning run records it and carries
	// on with the remaining items.
	ErrPermanentItem = errors.ConstError("permanent item failure")

	// ErrFatal marks a failure that aborts the current run:
	// authentication failure, container enumeration failure, snapshot
	// I/O failure.
	ErrFatal = errors.ConstError("fatal failure")

	// ErrMissingDependency marks a referenced identity that is absent
	// from the graph. It is reported, never fabricated or dropped.
	ErrMissingDependency = errors.ConstError("missing dependency")
)

// Class identifies one of the taxonomy buckets.
type Class string

const (
	Transient         Class = "transient"
	PermanentItem     Class = "permanent-item"
	Fatal             Class = "fatal"
	MissingDependency Class = "missing-dependency"
	Unclassified      Class = "unclassified"
)

// Classify reports which taxonomy bucket err belongs to. Errors that
// reach an orchestrator without a classification are treated as
// Unclassified and handled like PermanentItem by callers.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Unclassified
	case errors.Is(err, ErrFatal):
		return Fatal
	case errors.Is(err, ErrTransient):
		return Transient
	case errors.Is(err, ErrPermanentItem):
		return PermanentItem
	case errors.Is(err, ErrMissingDependency):
		return MissingDependency
	}
	return Unclassified
}

// Transientf returns a new error carrying the Transient class.
func Transientf(format string, args ...any) error {
	return fmt.Errorf(format+"%w", append(args, errors.Hide(ErrTransient))...)
}

// PermanentItemf returns a new error carrying the PermanentItem class.
func PermanentItemf(format string, args ...any) error {
	return fmt.Errorf(format+"%w", append(args, errors.Hide(ErrPermanentItem))...)
}

// Fatalf returns a new error carrying the Fatal class.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf(format+"%w", append(args, errors.Hide(ErrFatal))...)
}

// MissingDependencyf returns a new error carrying the
// MissingDependency class.
func MissingDependencyf(format string, args ...any) error {
	return fmt.Errorf(format+"%w", append(args, errors.Hide(ErrMissingDependency))...)
}

// Wrap attaches class to err, preserving the original error chain.
func Wrap(err error, class Class) error {
	if err == nil {
		return nil
	}
	switch class {
	case Transient:
		return fmt.Errorf("%w%w", err, errors.Hide(ErrTransient))
	case PermanentItem:
		return fmt.Errorf("%w%w", err, errors.Hide(ErrPermanentItem))
	case Fatal:
		return fmt.Errorf("%w%w", err, errors.Hide(ErrFatal))
	case MissingDependency:
		return fmt.Errorf("%w%w", err, errors.Hide(ErrMissingDependency))
	}
	return err
}
