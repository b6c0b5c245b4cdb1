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
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/log"
	"github.com/liuxd6825/pageframes/scope"
)

type navigateFunc func(ctx context.Context, f *Frame, url, referer string) (string, error)

type fakeNavigator struct {
	mu       sync.Mutex
	urls     []string
	navigate navigateFunc
}

func (n *fakeNavigator) NavigateFrame(ctx context.Context, f *Frame, url, referer string) (string, error) {
	n.mu.Lock()
	n.urls = append(n.urls, url)
	fn := n.navigate
	n.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(ctx, f, url, referer)
}

func (n *fakeNavigator) setNavigate(fn navigateFunc) {
	n.mu.Lock()
	n.navigate = fn
	n.mu.Unlock()
}

func (n *fakeNavigator) navigated() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls...)
}

// fakeContext answers queries with a swappable function, so tests can
// change what the page looks like while an action polls.
type fakeContext struct {
	world World

	mu        sync.Mutex
	query     func(parsed *Selector, strict bool) (*QueryResult, error)
	expect    func(parsed *Selector, params ExpectParams) (*ExpectEvaluation, error)
	evaluate  func(expression string) (any, error)
	destroyed error
	queries   int
}

func newFakeContext(world World) *fakeContext {
	return &fakeContext{world: world}
}

func (c *fakeContext) World() World { return c.world }

func (c *fakeContext) Evaluate(_ context.Context, expression string, _ ...any) (any, error) {
	c.mu.Lock()
	fn := c.evaluate
	c.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(expression)
}

func (c *fakeContext) QuerySelector(_ context.Context, parsed *Selector, strict bool) (*QueryResult, error) {
	c.mu.Lock()
	c.queries++
	fn := c.query
	c.mu.Unlock()
	if fn == nil {
		return &QueryResult{}, nil
	}
	return fn(parsed, strict)
}

func (c *fakeContext) Expect(_ context.Context, parsed *Selector, params ExpectParams) (*ExpectEvaluation, error) {
	c.mu.Lock()
	fn := c.expect
	c.mu.Unlock()
	if fn == nil {
		return &ExpectEvaluation{}, nil
	}
	return fn(parsed, params)
}

func (c *fakeContext) AdoptElement(_ context.Context, el ElementHandle) (ElementHandle, error) {
	fe, ok := el.(*fakeElement)
	if !ok {
		return nil, errext.ErrElementNotAttached
	}
	return &fakeElement{ec: c, perform: fe.perform, actionable: fe.actionable}, nil
}

func (c *fakeContext) ContextDestroyed(reason error) {
	c.mu.Lock()
	c.destroyed = reason
	c.mu.Unlock()
}

func (c *fakeContext) destroyedReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeContext) setQuery(fn func(parsed *Selector, strict bool) (*QueryResult, error)) {
	c.mu.Lock()
	c.query = fn
	c.mu.Unlock()
}

func (c *fakeContext) setExpect(fn func(parsed *Selector, params ExpectParams) (*ExpectEvaluation, error)) {
	c.mu.Lock()
	c.expect = fn
	c.mu.Unlock()
}

type fakeElement struct {
	ec         *fakeContext
	actionable func(states []string) error
	perform    func(op ElementOperation) (any, error)

	mu       sync.Mutex
	ops      []ElementOperation
	disposed int
}

func (e *fakeElement) ExecutionContext() ExecutionContext { return e.ec }

func (e *fakeElement) CheckActionability(_ context.Context, states []string, force bool) error {
	if force || e.actionable == nil {
		return nil
	}
	return e.actionable(states)
}

func (e *fakeElement) Perform(_ context.Context, op ElementOperation) (any, error) {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
	if e.perform == nil {
		return nil, nil
	}
	return e.perform(op)
}

func (e *fakeElement) Dispose() {
	e.mu.Lock()
	e.disposed++
	e.mu.Unlock()
}

func (e *fakeElement) performed() []ElementOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ElementOperation(nil), e.ops...)
}

// attachedResult reports el as the single, visible match.
func attachedResult(el *fakeElement) func(*Selector, bool) (*QueryResult, error) {
	return func(*Selector, bool) (*QueryResult, error) {
		return &QueryResult{Log: "<button>", Count: 1, Attached: true, Visible: true, Element: el}, nil
	}
}

type fakeSelectors struct {
	resolve func(p *scope.Progress, frame *Frame, selector string, strict bool) (*ResolvedSelector, error)
}

func (s fakeSelectors) Resolve(p *scope.Progress, frame *Frame, selector string, strict bool) (*ResolvedSelector, error) {
	return s.resolve(p, frame, selector, strict)
}

func newTestFrameManager(t *testing.T, opts ...FrameManagerOption) (*FrameManager, *fakeNavigator) {
	t.Helper()

	nav := &fakeNavigator{}
	m := NewFrameManager(nav, NewTimeoutSettings(nil), log.NewNullLogger(), opts...)
	t.Cleanup(func() { m.Close(nil) })

	return m, nav
}

// newTestPage returns a manager with a committed main frame that has both
// of its execution contexts.
func newTestPage(t *testing.T, opts ...FrameManagerOption) (*FrameManager, *fakeNavigator, *Frame, *fakeContext) {
	t.Helper()

	m, nav := newTestFrameManager(t, opts...)
	main := m.FrameAttached("main", "")
	m.FrameCommittedNewDocument("main", "https://example.com/", "", "doc0", true)

	utility := newFakeContext(UtilityWorld)
	m.ExecutionContextCreated("main", newFakeContext(MainWorld))
	m.ExecutionContextCreated("main", utility)

	return m, nav, main, utility
}

// frameIDs returns the ids of frames in order.
func frameIDs(frames []*Frame) []cdp.FrameID {
	ids := make([]cdp.FrameID, 0, len(frames))
	for _, f := range frames {
		ids = append(ids, f.ID())
	}
	return ids
}

// eventually waits for cond, failing t after a generous deadline.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// testProgress runs fn with a progress bound to a five second timeout.
func testProgress[T any](t *testing.T, fn func(p *scope.Progress) (T, error)) (T, error) {
	t.Helper()

	ts := scope.WithTimeout(t.Name(), 5*time.Second)
	defer ts.Close(nil)
	return scope.Race(fn, ts)
}

// newTestRequest builds a request of frameID. Document requests load the
// document with id, like navigation requests do.
func newTestRequest(t *testing.T, frameID cdp.FrameID, id string, document bool, redirectedFrom *Request) *Request {
	t.Helper()

	ev := &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		FrameID:   frameID,
		Type:      network.ResourceTypeXHR,
		Request:   &network.Request{URL: "https://example.com/" + id, Method: "GET"},
	}
	if document {
		ev.LoaderID = cdp.LoaderID(id)
		ev.Type = network.ResourceTypeDocument
	}
	req, err := NewRequest(ev, redirectedFrom)
	require.NoError(t, err)

	return req
}

func newTestResponse(req *Request, status int64) *Response {
	return NewResponse(req, &network.Response{URL: req.URL(), Status: status, StatusText: "OK"}, nil)
}

func (c *fakeContext) setEvaluate(fn func(expression string) (any, error)) {
	c.mu.Lock()
	c.evaluate = fn
	c.mu.Unlock()
}

func subscriberCount(e *eventEmitter) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// navCalls makes NavigateFrame report every url on the returned channel and
// answer with the document id docs holds for it.
func (n *fakeNavigator) navCalls(docs map[string]string) <-chan string {
	calls := make(chan string, 16)
	n.setNavigate(func(_ context.Context, _ *Frame, url, _ string) (string, error) {
		calls <- url
		return docs[url], nil
	})
	return calls
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out receiving")
	}
	var zero T
	return zero
}
