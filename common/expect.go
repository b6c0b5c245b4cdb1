/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/retry"
	"github.com/liuxd6825/pageframes/scope"
)

// ExpectResult is the outcome of Frame.Expect. A failed assertion is not an
// error: Matches equals IsNot of the params and Received holds the last
// value observed.
type ExpectResult struct {
	Matches  bool
	Received any
	TimedOut bool
	Log      []string
}

// expectState collects what the attempts of one Expect call observed. The
// attempts may outlive the call when a scope closes, hence the lock.
type expectState struct {
	mu          sync.Mutex
	received    any
	hasReceived bool
	log         []string
}

func (s *expectState) logf(p *scope.Progress, format string, args ...any) {
	p.Logf(format, args...)
	s.mu.Lock()
	s.log = append(s.log, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *expectState) setReceived(v any) {
	s.mu.Lock()
	s.received, s.hasReceived = v, true
	s.mu.Unlock()
}

func (s *expectState) failure(params ExpectParams, err error) *ExpectResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &ExpectResult{
		Matches:  params.IsNot,
		TimedOut: errext.IsTimeout(err),
		Log:      append([]string(nil), s.log...),
	}
	if s.hasReceived {
		r.Received = s.received
	}
	return r
}

func (s *expectState) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Expect evaluates the assertion params against the elements matching
// selector, or against the document when selector is empty, until it holds
// or opts.Timeout elapses.
func (f *Frame) Expect(
	s *scope.Scope, selector string, params ExpectParams, opts *FrameExpectOptions,
) (*ExpectResult, error) {
	if opts == nil {
		opts = &FrameExpectOptions{}
	}
	span := f.manager.startSpan(f, "expect",
		attribute.String("expect.expression", params.Expression),
		attribute.Bool("expect.not", params.IsNot),
	)
	res, err := f.expect(s, selector, params, f.actionTimeout(opts.Timeout))
	if res != nil {
		span.SetAttributes(
			attribute.Bool("expect.matches", res.Matches),
			attribute.Bool("expect.timed_out", res.TimedOut),
		)
	}
	f.manager.endSpan(f, "expect", span, err)

	return res, err
}

func (f *Frame) expect(s *scope.Scope, selector string, params ExpectParams, timeout time.Duration) (*ExpectResult, error) {
	st := &expectState{}

	// One non-waiting attempt outside the timeout, so a condition that already
	// holds is reported even with a tiny timeout.
	res, err := scope.Immediate(f.logger, "Frame:expect", func(p *scope.Progress) (*ExpectResult, error) {
		return f.expectOnce(p, selector, params, st)
	}, s, f.detachedScope, f.manager.openScope)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, retry.Continue), errors.Is(err, scope.ErrWouldWait):
	case isExpectFatal(err):
		return nil, err
	default:
		f.logger.Debugf("Frame:expect", "fid:%v selector:%q one-shot: %v", f.ID(), selector, err)
	}

	ts := scope.WithTimeout("expect", timeout)
	defer ts.Close(nil)

	res, err = scope.RaceWithLog(f.logger, "Frame:expect", func(p *scope.Progress) (*ExpectResult, error) {
		st.logf(p, "waiting for %s", describeExpectTarget(selector, params))
		return retry.Poll(p, retry.ExpectSchedule, func(p *scope.Progress) (*ExpectResult, error) {
			return f.expectOnce(p, selector, params, st)
		})
	}, s, ts, f.detachedScope, f.manager.openScope)
	if err == nil {
		return res, nil
	}
	if isExpectFatal(err) {
		return nil, err
	}
	return st.failure(params, err), nil
}

// expectOnce runs one assertion attempt. It returns retry.Continue while the
// assertion does not hold.
func (f *Frame) expectOnce(
	p *scope.Progress, selector string, params ExpectParams, st *expectState,
) (*ExpectResult, error) {
	ec, parsed, err := f.resolveExpectTarget(p, selector, params)
	if err != nil {
		return nil, err
	}
	ev, err := ec.Expect(p.Context(), parsed, params)
	if err != nil {
		return nil, err
	}
	if ev.Log != "" {
		st.logf(p, "%s", ev.Log)
	}
	if ev.Matches == params.IsNot {
		received := ev.Received
		if ev.MissingReceived {
			received = notFoundReceived
		}
		st.setReceived(received)
		if !ev.MissingReceived && !isSlice(received) {
			st.logf(p, "  unexpected value %q", renderUnexpectedValue(params.Expression, received))
		}
		return nil, retry.Continue
	}

	return &ExpectResult{Matches: ev.Matches, Received: ev.Received, Log: st.callLog()}, nil
}

func (f *Frame) resolveExpectTarget(
	p *scope.Progress, selector string, params ExpectParams,
) (ExecutionContext, *Selector, error) {
	world := expectWorld(params)
	if selector == "" {
		ec, err := f.context(p, world)
		return ec, nil, err
	}

	rs, err := f.manager.selectors.Resolve(p, f, selector, true)
	if err != nil {
		return nil, nil, err
	}
	if rs == nil {
		// nothing to resolve into yet, evaluate against this frame
		parsed, err := ParseSelector(selector)
		if err != nil {
			return nil, nil, err
		}
		ec, err := f.context(p, world)
		return ec, parsed, err
	}
	if world == UtilityWorld && rs.Context != nil {
		return rs.Context, rs.Parsed, nil
	}
	ec, err := rs.Frame.context(p, world)
	return ec, rs.Parsed, err
}

func expectWorld(params ExpectParams) World {
	if params.Expression == "to.have.property" {
		return MainWorld
	}
	return UtilityWorld
}

// isExpectFatal reports the errors Expect raises instead of turning them into
// a failed result.
func isExpectFatal(err error) bool {
	var (
		eerr *errext.EvaluationError
		serr *errext.InvalidSelectorError
		cerr *scope.ClosedError
	)
	switch {
	case errors.As(err, &eerr), errors.As(err, &serr), errors.As(err, &cerr):
		return true
	case errors.Is(err, errext.ErrFrameDetached),
		errors.Is(err, errext.ErrTargetClosed),
		errors.Is(err, errext.ErrSessionClosed),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

func describeExpectTarget(selector string, params ExpectParams) string {
	not := ""
	if params.IsNot {
		not = "not "
	}
	if selector == "" {
		return fmt.Sprintf("document %s%s", not, params.Expression)
	}
	return fmt.Sprintf("%q %s%s", selector, not, params.Expression)
}

var unexpectedValueNames = map[string][2]string{
	"to.be.checked":   {"checked", "unchecked"},
	"to.be.unchecked": {"unchecked", "checked"},
	"to.be.visible":   {"visible", "hidden"},
	"to.be.hidden":    {"hidden", "visible"},
	"to.be.enabled":   {"enabled", "disabled"},
	"to.be.disabled":  {"disabled", "enabled"},
	"to.be.editable":  {"editable", "readonly"},
	"to.be.readonly":  {"readonly", "editable"},
	"to.be.empty":     {"empty", "not empty"},
	"to.be.focused":   {"focused", "not focused"},
}

func renderUnexpectedValue(expression string, received any) string {
	if names, ok := unexpectedValueNames[expression]; ok {
		if b, _ := received.(bool); b {
			return names[0]
		}
		return names[1]
	}
	return fmt.Sprint(received)
}

func isSlice(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
