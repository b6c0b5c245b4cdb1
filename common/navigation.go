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
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel/attribute"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/scope"
)

// redirectedNavigation is the completion of a navigation issued internally
// to replace an aborted one.
type redirectedNavigation struct {
	url  string
	done chan struct{}
	resp *Response
	err  error
}

func (r *redirectedNavigation) wait(p *scope.Progress) (*Response, error) {
	if _, err := scope.Wait(p, r.done); err != nil {
		return nil, err
	}
	return r.resp, r.err
}

// runFrameOp runs op as the frame operation api. It is settled by the
// caller scope s, a timeout scope, the frame detaching, or the page closing.
func runFrameOp[T any](
	f *Frame, s *scope.Scope, api string, timeout time.Duration, op func(*scope.Progress) (T, error),
) (T, error) {
	return runFrameOpWithHint(f, s, api, timeout, "", op)
}

// runFrameOpWithHint is runFrameOp with hint attached to a timeout error.
func runFrameOpWithHint[T any](
	f *Frame, s *scope.Scope, api string, timeout time.Duration, hint string, op func(*scope.Progress) (T, error),
) (T, error) {
	span := f.manager.startSpan(f, api, attribute.Int64("timeout.ms", timeout.Milliseconds()))
	ts := scope.WithTimeout(api, timeout)
	defer ts.Close(nil)

	v, err := scope.RaceWithLog(f.logger, "Frame:"+api, func(p *scope.Progress) (T, error) {
		span.SetAttributes(attribute.String("call.id", p.ID()))
		return op(p)
	}, s, ts, f.detachedScope, f.manager.openScope)
	if hint != "" && errext.IsTimeout(err) {
		err = errext.WithHint(err, hint)
	}
	f.manager.endSpan(f, api, span, err)

	return v, err
}

// Goto navigates the frame to url and waits for opts.WaitUntil. It returns
// the response of the main resource, or nil for same-document navigations.
func (f *Frame) Goto(s *scope.Scope, url string, opts *FrameGotoOptions) (*Response, error) {
	if opts == nil {
		opts = NewFrameGotoOptions("", 0)
	}
	f.logger.Debugf("Frame:Goto", "fid:%v url:%q", f.ID(), url)

	timeout := pick(opts.Timeout, f.manager.timeoutSettings.navigationTimeout())
	hint := fmt.Sprintf("navigating to %q, waiting until %q", url, opts.WaitUntil)
	return runFrameOpWithHint(f, s, "goto", timeout, hint, func(p *scope.Progress) (*Response, error) {
		return f.raceNavigationAction(p, func(p *scope.Progress) (*Response, error) {
			return f.gotoAction(p, url, opts.Referer, opts.WaitUntil)
		})
	})
}

// raceNavigationAction runs action and, when it failed because its document
// was aborted in favour of an internally redirected navigation, waits for
// that navigation instead.
func (f *Frame) raceNavigationAction(
	p *scope.Progress, action func(*scope.Progress) (*Response, error),
) (*Response, error) {
	resp, err := action(p)

	var nerr *errext.NavigationAbortedError
	if err == nil || !errors.As(err, &nerr) || nerr.DocumentID == "" {
		return resp, err
	}
	f.manager.mu.RLock()
	rn := f.redirectedNavigations[nerr.DocumentID]
	f.manager.mu.RUnlock()
	if rn == nil {
		return resp, err
	}
	p.Logf("waiting for redirected navigation to %q", rn.url)

	return rn.wait(p)
}

func (f *Frame) gotoAction(
	p *scope.Progress, url, referer string, waitUntil LifecycleEvent,
) (*Response, error) {
	p.Logf("navigating to %q, waiting until %q", url, waitUntil)

	// subscribe first, the commit may arrive before the command returns
	sub := f.events.on(EventFrameNavigation)
	defer sub.Close()

	newDocumentID, err := f.manager.navigator.NavigateFrame(p.Context(), f, url, referer)
	if err != nil {
		return nil, fmt.Errorf("navigating frame to %q: %w", url, err)
	}

	var event *NavigationEvent
	if newDocumentID != "" {
		event, err = waitForNavigationEvent(p, sub, func(e *NavigationEvent) bool {
			// the requested document, or any other document that committed
			// in its place
			return e.newDocument != nil && (e.newDocument.documentID == newDocumentID || e.err == nil)
		})
		if err != nil {
			return nil, err
		}
		if id := event.newDocument.documentID; id != newDocumentID {
			p.Logf("navigation to %q was superseded by document %s at %q", url, id, event.url)
		}
		if event.err != nil {
			return nil, event.err
		}
	} else {
		event, err = waitForNavigationEvent(p, sub, func(e *NavigationEvent) bool {
			return e.newDocument == nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := f.waitForLifecycle(p, waitUntil); err != nil {
		return nil, err
	}

	req := event.newDocument.Request()
	if req == nil {
		return nil, nil
	}
	return req.finalRequest().waitForResponse(p)
}

// RedirectNavigation replaces the navigation of documentID with one to url.
// Goto calls waiting for documentID continue with the new navigation
// instead of failing when documentID aborts.
func (f *Frame) RedirectNavigation(url, documentID, referer string) {
	f.logger.Debugf("Frame:RedirectNavigation", "fid:%v docid:%s url:%q", f.ID(), documentID, url)

	rn := &redirectedNavigation{url: url, done: make(chan struct{})}
	f.manager.mu.Lock()
	// settled redirects stay registered until the next redirect
	for id, prev := range f.redirectedNavigations {
		select {
		case <-prev.done:
			delete(f.redirectedNavigations, id)
		default:
		}
	}
	f.redirectedNavigations[documentID] = rn
	f.manager.unlock()

	go func() {
		defer close(rn.done)

		rn.resp, rn.err = scope.RaceWithLog(f.logger, "Frame:redirectNavigation",
			func(p *scope.Progress) (*Response, error) {
				return f.gotoAction(p, url, referer, LifecycleEventLoad)
			}, f.detachedScope, f.manager.openScope)
	}()
}

// WaitForNavigation waits for the next public navigation of the frame,
// optionally one to a URL matching opts.URL, and then for opts.WaitUntil.
func (f *Frame) WaitForNavigation(s *scope.Scope, opts *FrameWaitForNavigationOptions) (*Response, error) {
	if opts == nil {
		opts = NewFrameWaitForNavigationOptions(0)
	}
	var matcher glob.Glob
	if opts.URL != "" {
		g, err := glob.Compile(opts.URL, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling url pattern %q: %w", opts.URL, err)
		}
		matcher = g
	}

	sub := f.events.on(EventFrameNavigation)
	defer sub.Close()

	timeout := pick(opts.Timeout, f.manager.timeoutSettings.navigationTimeout())
	hint := fmt.Sprintf("waiting for navigation until %q", opts.WaitUntil)
	return runFrameOpWithHint(f, s, "waitForNavigation", timeout, hint, func(p *scope.Progress) (*Response, error) {
		p.Logf("waiting for navigation until %q", opts.WaitUntil)

		event, err := waitForNavigationEvent(p, sub, func(e *NavigationEvent) bool {
			if !e.isPublic {
				return false
			}
			// any failed navigation results in an error
			if e.err != nil || matcher == nil {
				return true
			}
			p.Logf("navigated to %q", e.url)
			return matcher.Match(e.url)
		})
		if err != nil {
			return nil, err
		}
		if event.err != nil {
			return nil, event.err
		}
		if err := f.waitForLifecycle(p, opts.WaitUntil); err != nil {
			return nil, err
		}

		req := event.newDocument.Request()
		if req == nil {
			return nil, nil
		}
		return req.finalRequest().waitForResponse(p)
	})
}

// WaitForLoadState waits until state fired for the current document.
func (f *Frame) WaitForLoadState(s *scope.Scope, state LifecycleEvent, opts *FrameWaitForLoadStateOptions) error {
	if opts == nil {
		opts = &FrameWaitForLoadStateOptions{}
	}
	timeout := pick(opts.Timeout, f.manager.timeoutSettings.navigationTimeout())
	_, err := runFrameOp(f, s, "waitForLoadState", timeout, func(p *scope.Progress) (struct{}, error) {
		p.Logf("waiting for load state %q", state)
		return struct{}{}, f.waitForLifecycle(p, state)
	})
	return err
}

// waitForLifecycle returns once event fired for the current document.
func (f *Frame) waitForLifecycle(p *scope.Progress, event LifecycleEvent) error {
	f.manager.mu.RLock()
	if f.lifecycleEvents[event] {
		f.manager.mu.RUnlock()
		return nil
	}
	// subscribed under the lock, so no addition can slip in between
	sub := f.events.on(EventFrameAddLifecycle)
	f.manager.mu.RUnlock()
	defer sub.Close()

	_, err := waitForEvent(p, sub, func(ev Event) bool {
		le, ok := ev.Data.(LifecycleEvent)
		return ok && le == event
	})
	return err
}
