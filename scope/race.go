package scope

import (
	"context"
	"errors"

	"github.com/liuxd6825/pageframes/log"
)

// Race runs op and returns its result, or the close reason of the first of
// scopes to close, whichever comes first. Nil scopes are ignored.
func Race[T any](op func(*Progress) (T, error), scopes ...*Scope) (T, error) {
	return RaceWithLog(nil, "", op, scopes...)
}

// ErrWouldWait is returned by the waits of an Immediate operation instead of
// blocking.
var ErrWouldWait = errors.New("operation would wait")

// RaceWithLog is Race with progress lines written to logger under api.
func RaceWithLog[T any](
	logger *log.Logger, api string, op func(*Progress) (T, error), scopes ...*Scope,
) (T, error) {
	return race(newProgress(logger, api), op, scopes)
}

// Immediate is RaceWithLog for an operation that must not block: Wait and
// Sleep fail with ErrWouldWait where they would otherwise wait.
func Immediate[T any](
	logger *log.Logger, api string, op func(*Progress) (T, error), scopes ...*Scope,
) (T, error) {
	p := newProgress(logger, api)
	p.immediate = true
	return race(p, op, scopes)
}

func race[T any](p *Progress, op func(*Progress) (T, error), scopes []*Scope) (T, error) {
	var zero T

	for _, s := range scopes {
		if s == nil {
			continue
		}
		if err := s.Err(); err != nil {
			p.abort()
			p.cancel(err)
			return zero, err
		}
		s := s
		stop := context.AfterFunc(s.ctx, func() {
			p.cancel(context.Cause(s.ctx))
		})
		defer stop()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(p)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		p.finish()
		return r.v, r.err
	case <-p.ctx.Done():
	}

	err := p.Err()
	p.Logf("aborted: %v", err)
	p.abort()
	return zero, err
}
