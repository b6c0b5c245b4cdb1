// Package retry is the bounded backoff polling loop behind every action and
// assertion.
package retry

import (
	"errors"
	"time"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/scope"
)

// Continue is returned by a step to request another attempt.
var Continue = errors.New("continue polling")

var (
	// ActionSchedule is the delay schedule of selector waits and actions.
	ActionSchedule = []time.Duration{
		0,
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		500 * time.Millisecond,
	}

	// ExpectSchedule is the delay schedule of assertions after their
	// immediate first attempt.
	ExpectSchedule = []time.Duration{
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
	}
)

// Delay returns the wait before the attempt with the given index. The first
// attempt never waits and the last entry of schedule repeats.
func Delay(schedule []time.Duration, attempt int) time.Duration {
	if attempt <= 0 || len(schedule) == 0 {
		return 0
	}
	i := attempt - 1
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

// Poll calls step until it returns something other than Continue or a
// retriable error. Waits race against p, so a closed scope ends the loop
// right away with its close reason.
func Poll[T any](p *scope.Progress, schedule []time.Duration, step func(*scope.Progress) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := p.Err(); err != nil {
			return zero, err
		}
		if d := Delay(schedule, attempt); d > 0 {
			if err := p.Sleep(d); err != nil {
				return zero, err
			}
		}

		v, err := step(p)
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, Continue):
		case errext.IsNonRetriable(err):
			if perr := p.Err(); perr != nil {
				return zero, perr
			}
			return zero, err
		default:
			p.Logf("retrying after: %v", err)
		}
	}
}

// Run races Poll against scopes.
func Run[T any](schedule []time.Duration, step func(*scope.Progress) (T, error), scopes ...*scope.Scope) (T, error) {
	return scope.Race(func(p *scope.Progress) (T, error) {
		return Poll(p, schedule, step)
	}, scopes...)
}
