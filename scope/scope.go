// Package scope implements closeable cancellation boundaries and the
// progress handle that operations racing against them receive.
//
// A page owns an "open" scope closed when the page goes away, each frame
// owns a "detached" scope closed when the frame leaves the tree, and
// timeouts are scopes that close themselves. Operations race against any
// number of them with Race.
package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liuxd6825/pageframes/errext"
)

// ClosedError is the close reason used when Close is called with nil.
type ClosedError struct {
	Scope string
}

func (e *ClosedError) Error() string {
	if e.Scope == "" {
		return "scope closed"
	}
	return fmt.Sprintf("%s scope closed", e.Scope)
}

// NonRetriable implements errext.NonRetriable.
func (e *ClosedError) NonRetriable() bool { return true }

// Scope is a cooperative cancellation boundary. The zero value is not
// usable; a nil *Scope never closes.
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// New returns an open scope.
func New(name string) *Scope {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Scope{name: name, ctx: ctx, cancel: cancel}
}

// WithTimeout returns a scope that closes itself with an
// *errext.TimeoutError after d. A non-positive d never times out.
func WithTimeout(operation string, d time.Duration) *Scope {
	s := New("timeout")
	if d <= 0 {
		return s
	}
	reason := &errext.TimeoutError{Operation: operation, Timeout: d}
	s.mu.Lock()
	s.timer = time.AfterFunc(d, func() { s.Close(reason) })
	s.mu.Unlock()
	return s
}

// Name returns the name given at construction.
func (s *Scope) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Close closes the scope with reason and reports whether this call closed
// it. Only the first call has an effect.
func (s *Scope) Close(reason error) bool {
	if s == nil {
		return false
	}
	if reason == nil {
		reason = &ClosedError{Scope: s.name}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.closed {
		return false
	}
	s.closed = true
	s.cancel(reason)
	return true
}

// Done is closed when the scope closes. It is nil for a nil scope.
func (s *Scope) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ctx.Done()
}

// Err returns the close reason, or nil while the scope is open.
func (s *Scope) Err() error {
	if s == nil || s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

// IsClosed reports whether the scope was closed.
func (s *Scope) IsClosed() bool {
	return s.Err() != nil
}

func (s *Scope) String() string {
	if s == nil {
		return "scope(nil)"
	}
	state := "open"
	if s.IsClosed() {
		state = "closed"
	}
	return fmt.Sprintf("scope(%s, %s)", s.name, state)
}
