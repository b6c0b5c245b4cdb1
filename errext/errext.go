// Package errext contains the error kinds shared by the frame tree, the
// polling engine and the navigation code.
package errext

import (
	"context"
	"errors"
)

// NonRetriable is implemented by errors that must abort any polling loop
// instead of triggering another attempt.
type NonRetriable interface {
	error
	NonRetriable() bool
}

// IsNonRetriable reports whether err must be propagated out of a retry loop.
// Context cancellation counts as non-retriable since it only happens when the
// surrounding scope was closed.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	var nr NonRetriable
	if errors.As(err, &nr) && nr.NonRetriable() {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// sentinel is a constant error value.
type sentinel string

func (s sentinel) Error() string { return string(s) }

// fatal is a constant error value that aborts polling.
type fatal string

func (f fatal) Error() string { return string(f) }

func (fatal) NonRetriable() bool { return true }

const (
	// ErrFrameDetached is the reason used when a frame was removed from the tree.
	ErrFrameDetached = fatal("frame was detached")

	// ErrTargetClosed is the reason used when the owning page was closed.
	ErrTargetClosed = fatal("target page, context or browser has been closed")

	// ErrSessionClosed is returned by collaborators whose protocol session is gone.
	ErrSessionClosed = fatal("protocol session closed")

	// ErrContextDestroyed is the reason an execution context was torn down by a navigation.
	ErrContextDestroyed = sentinel("execution context was destroyed, most likely because of a navigation")

	// ErrElementNotAttached is returned when an element got disconnected from
	// the DOM in between resolving and acting on it.
	ErrElementNotAttached = sentinel("element is not attached to the DOM")

	// ErrElementNotActionable is returned by actionability checks that did not pass yet.
	ErrElementNotActionable = sentinel("element is not actionable")
)
