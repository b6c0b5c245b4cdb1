package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/scope"
)

type gotoResult struct {
	resp *Response
	err  error
}

func goAsync(fn func() (*Response, error)) <-chan gotoResult {
	done := make(chan gotoResult, 1)
	go func() {
		resp, err := fn()
		done <- gotoResult{resp, err}
	}()
	return done
}

func TestFrameGoto(t *testing.T) {
	t.Parallel()

	t.Run("synchronous_commit", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		req := newTestRequest(t, "main", "doc1", true, nil)
		nav.setNavigate(func(_ context.Context, f *Frame, url, _ string) (string, error) {
			// everything happens before the command returns
			m.RequestStarted(req)
			m.FrameCommittedNewDocument(f.ID(), url, "", "doc1", false)
			m.FrameLifecycleEvent(f.ID(), LifecycleEventDOMContentLoad)
			m.FrameLifecycleEvent(f.ID(), LifecycleEventLoad)
			m.RequestReceivedResponse(newTestResponse(req, 200))
			m.RequestFinished(req)
			return "doc1", nil
		})

		resp, err := main.Goto(nil, "https://example.com/doc1", nil)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, int64(200), resp.Status())
		assert.Equal(t, "https://example.com/doc1", main.URL())
		assert.Equal(t, []string{"https://example.com/doc1"}, nav.navigated())
	})
	t.Run("waits_until_lifecycle", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		calls := nav.navCalls(map[string]string{"https://example.com/a": "doc1"})

		opts := NewFrameGotoOptions("", 0)
		opts.WaitUntil = LifecycleEventDOMContentLoad
		done := goAsync(func() (*Response, error) {
			return main.Goto(nil, "https://example.com/a", opts)
		})
		recv(t, calls)

		req := newTestRequest(t, "main", "doc1", true, nil)
		m.RequestStarted(req)
		m.FrameCommittedNewDocument("main", "https://example.com/a", "", "doc1", false)
		m.RequestReceivedResponse(newTestResponse(req, 201))

		select {
		case <-done:
			t.Fatal("goto resolved before domcontentloaded")
		case <-time.After(50 * time.Millisecond):
		}

		m.FrameLifecycleEvent("main", LifecycleEventDOMContentLoad)
		res := recv(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, int64(201), res.resp.Status())
	})
	t.Run("superseded_by_faster_navigation", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		calls := nav.navCalls(map[string]string{"https://example.com/slow": "slow"})

		done := goAsync(func() (*Response, error) {
			return main.Goto(nil, "https://example.com/slow", nil)
		})
		recv(t, calls)

		slow := newTestRequest(t, "main", "slow", true, nil)
		m.RequestStarted(slow)
		fast := newTestRequest(t, "main", "fast", true, nil)
		m.RequestStarted(fast)
		m.FrameRequestedNavigation("main", "fast")
		// the slow document loses and aborts, unnoticed
		m.FrameAbortedNavigation("main", "net::ERR_ABORTED", "slow")
		m.FrameCommittedNewDocument("main", "https://example.com/fast", "", "fast", false)
		m.FrameLifecycleEvent("main", LifecycleEventLoad)
		m.RequestReceivedResponse(newTestResponse(fast, 200))

		res := recv(t, done)
		require.NoError(t, res.err)
		require.NotNil(t, res.resp)
		assert.Equal(t, "https://example.com/fast", res.resp.URL())
	})
	t.Run("aborted", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		calls := nav.navCalls(map[string]string{"https://example.com/a": "doc1"})

		done := goAsync(func() (*Response, error) {
			return main.Goto(nil, "https://example.com/a", nil)
		})
		recv(t, calls)
		m.FrameRequestedNavigation("main", "doc1")
		m.FrameAbortedNavigation("main", "net::ERR_CONNECTION_REFUSED", "doc1")

		res := recv(t, done)
		var nerr *errext.NavigationAbortedError
		require.ErrorAs(t, res.err, &nerr)
		assert.Equal(t, "doc1", nerr.DocumentID)
		assert.Equal(t, "net::ERR_CONNECTION_REFUSED", nerr.Message)
	})
	t.Run("navigate_error", func(t *testing.T) {
		t.Parallel()

		_, nav, main, _ := newTestPage(t)
		nav.setNavigate(func(context.Context, *Frame, string, string) (string, error) {
			return "", errext.NewNavigationAbortedError("", "net::ERR_NAME_NOT_RESOLVED")
		})
		_, err := main.Goto(nil, "https://nope.invalid/", nil)
		var nerr *errext.NavigationAbortedError
		require.ErrorAs(t, err, &nerr)
		assert.Contains(t, err.Error(), "net::ERR_NAME_NOT_RESOLVED")
	})
	t.Run("same_document", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		m.FrameLifecycleEvent("main", LifecycleEventLoad)
		nav.setNavigate(func(_ context.Context, f *Frame, url, _ string) (string, error) {
			m.FrameCommittedSameDocument(f.ID(), url)
			return "", nil
		})

		resp, err := main.Goto(nil, "https://example.com/#top", nil)
		require.NoError(t, err)
		assert.Nil(t, resp)
		assert.Equal(t, "https://example.com/#top", main.URL())
	})
	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		_, nav, main, _ := newTestPage(t)
		nav.navCalls(map[string]string{"https://example.com/a": "doc1"})

		opts := NewFrameGotoOptions("", 30*time.Millisecond)
		_, err := main.Goto(nil, "https://example.com/a", opts)
		require.Error(t, err)
		assert.True(t, errext.IsTimeout(err))
		var herr errext.HasHint
		require.ErrorAs(t, err, &herr)
		assert.Contains(t, herr.Hint(), `waiting until "load"`)
	})
	t.Run("default_navigation_timeout", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		m.TimeoutSettings().SetDefaultNavigationTimeout(20 * time.Millisecond)
		nav.navCalls(map[string]string{"https://example.com/a": "doc1"})

		_, err := main.Goto(nil, "https://example.com/a", nil)
		assert.True(t, errext.IsTimeout(err))
	})
	t.Run("frame_detached", func(t *testing.T) {
		t.Parallel()

		m, nav, _, _ := newTestPage(t)
		child := m.FrameAttached("child", "main")
		calls := nav.navCalls(map[string]string{"https://example.com/c": "c1"})

		done := goAsync(func() (*Response, error) {
			return child.Goto(nil, "https://example.com/c", nil)
		})
		recv(t, calls)
		m.FrameDetached("child")

		res := recv(t, done)
		assert.ErrorIs(t, res.err, errext.ErrFrameDetached)
	})
	t.Run("caller_scope_closed", func(t *testing.T) {
		t.Parallel()

		_, nav, main, _ := newTestPage(t)
		calls := nav.navCalls(map[string]string{"https://example.com/a": "doc1"})

		caller := scope.New("caller")
		done := goAsync(func() (*Response, error) {
			return main.Goto(caller, "https://example.com/a", nil)
		})
		recv(t, calls)
		stop := errors.New("stopped by test")
		caller.Close(stop)

		res := recv(t, done)
		assert.ErrorIs(t, res.err, stop)
	})
	t.Run("redirected_navigation", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		calls := nav.navCalls(map[string]string{
			"https://example.com/a": "doc1",
			"https://example.com/b": "doc2",
		})

		done := goAsync(func() (*Response, error) {
			return main.Goto(nil, "https://example.com/a", nil)
		})
		assert.Equal(t, "https://example.com/a", recv(t, calls))
		m.FrameRequestedNavigation("main", "doc1")

		main.RedirectNavigation("https://example.com/b", "doc1", "")
		assert.Equal(t, "https://example.com/b", recv(t, calls))

		sub := main.Subscribe(EventFrameNavigation)
		defer sub.Close()
		m.FrameAbortedNavigation("main", "redirected", "doc1")
		ev, ok := sub.TryNext()
		require.True(t, ok)
		assert.False(t, ev.Data.(*NavigationEvent).IsPublic()) //nolint:forcetypeassert

		req := newTestRequest(t, "main", "doc2", true, nil)
		m.RequestStarted(req)
		m.FrameCommittedNewDocument("main", "https://example.com/b", "", "doc2", false)
		m.FrameLifecycleEvent("main", LifecycleEventLoad)
		m.RequestReceivedResponse(newTestResponse(req, 200))

		res := recv(t, done)
		require.NoError(t, res.err)
		require.NotNil(t, res.resp)
		assert.Equal(t, "https://example.com/b", res.resp.URL())
	})
	t.Run("follows_http_redirects", func(t *testing.T) {
		t.Parallel()

		m, nav, main, _ := newTestPage(t)
		calls := nav.navCalls(map[string]string{"https://example.com/doc1": "doc1"})

		done := goAsync(func() (*Response, error) {
			return main.Goto(nil, "https://example.com/doc1", nil)
		})
		recv(t, calls)

		first := newTestRequest(t, "main", "doc1", true, nil)
		m.RequestStarted(first)
		m.RequestReceivedResponse(newTestResponse(first, 302))
		second := newTestRequest(t, "main", "doc1-final", false, first)
		m.RequestStarted(second)
		m.FrameCommittedNewDocument("main", "https://example.com/doc1-final", "", "doc1", false)
		m.FrameLifecycleEvent("main", LifecycleEventLoad)
		m.RequestReceivedResponse(newTestResponse(second, 200))

		res := recv(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, int64(200), res.resp.Status())
		assert.Same(t, first, second.RedirectedFrom())
	})
}

func TestFrameWaitForNavigation(t *testing.T) {
	t.Parallel()

	t.Run("url_glob", func(t *testing.T) {
		t.Parallel()

		m, _, main, _ := newTestPage(t)
		before := subscriberCount(&main.events)

		opts := NewFrameWaitForNavigationOptions(0)
		opts.URL = "https://example.com/target*"
		opts.WaitUntil = LifecycleEventCommit
		done := goAsync(func() (*Response, error) {
			return main.WaitForNavigation(nil, opts)
		})
		eventually(t, func() bool { return subscriberCount(&main.events) > before }, "not subscribed")

		m.FrameCommittedNewDocument("main", "https://example.com/other", "", "doc1", false)
		select {
		case <-done:
			t.Fatal("resolved on a navigation not matching the pattern")
		case <-time.After(30 * time.Millisecond):
		}

		req := newTestRequest(t, "main", "doc2", true, nil)
		m.RequestStarted(req)
		m.FrameCommittedNewDocument("main", "https://example.com/target?q=1", "", "doc2", false)
		m.RequestReceivedResponse(newTestResponse(req, 200))

		res := recv(t, done)
		require.NoError(t, res.err)
		assert.Same(t, req, res.resp.Request())
	})
	t.Run("ignores_internal_aborts", func(t *testing.T) {
		t.Parallel()

		m, _, main, _ := newTestPage(t)
		before := subscriberCount(&main.events)
		m.FrameRequestedNavigation("main", "doc1")
		main.redirectedNavigations["doc1"] = &redirectedNavigation{done: make(chan struct{})}

		opts := NewFrameWaitForNavigationOptions(0)
		opts.WaitUntil = LifecycleEventCommit
		done := goAsync(func() (*Response, error) {
			return main.WaitForNavigation(nil, opts)
		})
		eventually(t, func() bool { return subscriberCount(&main.events) > before }, "not subscribed")

		m.FrameAbortedNavigation("main", "redirected", "doc1")
		m.FrameCommittedSameDocument("main", "https://example.com/#b")

		res := recv(t, done)
		require.NoError(t, res.err)
		assert.Nil(t, res.resp)
	})
	t.Run("invalid_pattern", func(t *testing.T) {
		t.Parallel()

		_, _, main, _ := newTestPage(t)
		opts := NewFrameWaitForNavigationOptions(0)
		opts.URL = "https://example.com/[a"
		_, err := main.WaitForNavigation(nil, opts)
		assert.ErrorContains(t, err, "compiling url pattern")
	})
}

func TestFrameWaitForLoadState(t *testing.T) {
	t.Parallel()

	m, _, main, _ := newTestPage(t)
	// commit has fired already
	require.NoError(t, main.WaitForLoadState(nil, LifecycleEventCommit, nil))

	errc := make(chan error, 1)
	go func() {
		errc <- main.WaitForLoadState(nil, LifecycleEventLoad, nil)
	}()
	m.FrameLifecycleEvent("main", LifecycleEventLoad)
	require.NoError(t, recv(t, errc))

	err := main.WaitForLoadState(nil, LifecycleEventDOMContentLoad,
		&FrameWaitForLoadStateOptions{Timeout: 20 * time.Millisecond})
	assert.True(t, errext.IsTimeout(err))
}
