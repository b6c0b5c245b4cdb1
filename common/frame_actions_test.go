package common

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/scope"
)

func TestFrameClick(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		el := &fakeElement{ec: utility}
		utility.setQuery(attachedResult(el))

		require.NoError(t, main.Click(nil, "button", nil))
		ops := el.performed()
		require.Len(t, ops, 1)
		assert.Equal(t, ElementActionClick, ops[0].Action)
		assert.Equal(t, 1, el.disposed)
	})
	t.Run("waits_for_element", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		el := &fakeElement{ec: utility}
		var queries atomic.Int32
		utility.setQuery(func(parsed *Selector, strict bool) (*QueryResult, error) {
			if queries.Add(1) < 3 {
				return &QueryResult{}, nil
			}
			return attachedResult(el)(parsed, strict)
		})

		require.NoError(t, main.Click(nil, "button", nil))
		assert.Equal(t, int32(3), queries.Load())
		assert.Len(t, el.performed(), 1)
	})
	t.Run("retries_detached_element", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		var attempts atomic.Int32
		el := &fakeElement{ec: utility, perform: func(ElementOperation) (any, error) {
			if attempts.Add(1) == 1 {
				return nil, errext.ErrElementNotAttached
			}
			return nil, nil
		}}
		utility.setQuery(attachedResult(el))

		require.NoError(t, main.Click(nil, "button", nil))
		assert.Equal(t, int32(2), attempts.Load())
		assert.Equal(t, 2, el.disposed)
	})
	t.Run("waits_for_actionability", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		var checks atomic.Int32
		el := &fakeElement{ec: utility, actionable: func(states []string) error {
			assert.Equal(t, []string{"visible", "enabled", "stable", "receivesEvents"}, states)
			if checks.Add(1) < 3 {
				return errext.ErrElementNotActionable
			}
			return nil
		}}
		utility.setQuery(attachedResult(el))

		require.NoError(t, main.Click(nil, "button", nil))
		assert.Equal(t, int32(3), checks.Load())
	})
	t.Run("force", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		el := &fakeElement{ec: utility, actionable: func([]string) error {
			return errext.ErrElementNotActionable
		}}
		utility.setQuery(attachedResult(el))

		opts := NewFrameActionOptions(0)
		opts.Force = true
		require.NoError(t, main.Click(nil, "button", opts))
	})
	t.Run("strict_mode_violation", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		utility.setQuery(func(_ *Selector, strict bool) (*QueryResult, error) {
			assert.True(t, strict)
			return nil, &errext.StrictModeViolationError{Selector: "button", Count: 2}
		})

		opts := NewFrameActionOptions(0)
		opts.Strict = true
		err := main.Click(nil, "button", opts)
		var serr *errext.StrictModeViolationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, 2, serr.Count)
	})
	t.Run("invalid_selector", func(t *testing.T) {
		t.Parallel()

		_, _, main, _ := newTestPage(t)
		err := main.Click(nil, "'unterminated", nil)
		var serr *errext.InvalidSelectorError
		require.ErrorAs(t, err, &serr)
	})
	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		_, _, main, _ := newTestPage(t)
		opts := NewFrameActionOptions(30 * time.Millisecond)
		err := main.Click(nil, "button", opts)
		assert.True(t, errext.IsTimeout(err))
	})
	t.Run("default_timeout", func(t *testing.T) {
		t.Parallel()

		m, _, main, _ := newTestPage(t)
		m.TimeoutSettings().SetDefaultTimeout(20 * time.Millisecond)
		assert.True(t, errext.IsTimeout(main.Click(nil, "button", nil)))
	})
	t.Run("evaluation_error", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		utility.setQuery(func(*Selector, bool) (*QueryResult, error) {
			return nil, &errext.EvaluationError{Message: "boom"}
		})
		var eerr *errext.EvaluationError
		require.ErrorAs(t, main.Click(nil, "button", nil), &eerr)
	})
	t.Run("resolved_in_other_frame", func(t *testing.T) {
		t.Parallel()

		var child *Frame
		childUtility := newFakeContext(UtilityWorld)
		sels := fakeSelectors{resolve: func(_ *scope.Progress, _ *Frame, selector string, _ bool) (*ResolvedSelector, error) {
			parsed, err := ParseSelector(selector)
			if err != nil {
				return nil, err
			}
			return &ResolvedSelector{Frame: child, Context: childUtility, Parsed: parsed}, nil
		}}
		m, _, main, _ := newTestPage(t, WithSelectors(sels))
		child = m.FrameAttached("child", "main")
		m.ExecutionContextCreated("child", childUtility)
		el := &fakeElement{ec: childUtility}
		childUtility.setQuery(attachedResult(el))

		require.NoError(t, main.Click(nil, "iframe >> button", nil))
		assert.Len(t, el.performed(), 1)
	})
}

func TestFrameInputActions(t *testing.T) {
	t.Parallel()

	_, _, main, utility := newTestPage(t)
	el := &fakeElement{ec: utility, perform: func(op ElementOperation) (any, error) {
		if op.Action == ElementActionSelectOption {
			return op.Values[:1], nil
		}
		return nil, nil
	}}
	utility.setQuery(attachedResult(el))

	opts := NewFrameActionOptions(0)
	opts.Delay = 5 * time.Millisecond
	require.NoError(t, main.Fill(nil, "input", "hello", nil))
	require.NoError(t, main.Type(nil, "input", "world", opts))
	require.NoError(t, main.Press(nil, "input", "Enter", nil))
	require.NoError(t, main.Hover(nil, "input", nil))
	require.NoError(t, main.Tap(nil, "input", nil))
	require.NoError(t, main.Dblclick(nil, "input", nil))
	require.NoError(t, main.SetInputFiles(nil, "input", []string{"a.txt"}, nil))
	selected, err := main.SelectOption(nil, "select", []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, selected)

	ops := el.performed()
	require.Len(t, ops, 8)
	assert.Equal(t, ElementOperation{Action: ElementActionFill, Value: "hello"}, ops[0])
	assert.Equal(t, ElementOperation{Action: ElementActionType, Value: "world", Delay: 5 * time.Millisecond}, ops[1])
	assert.Equal(t, ElementOperation{Action: ElementActionPress, Value: "Enter"}, ops[2])
	assert.Equal(t, ElementActionHover, ops[3].Action)
	assert.Equal(t, ElementActionTap, ops[4].Action)
	assert.Equal(t, ElementActionDblclick, ops[5].Action)
	assert.Equal(t, []string{"a.txt"}, ops[6].Files)
	assert.Equal(t, []string{"a", "b"}, ops[7].Values)
}

func TestFrameSetChecked(t *testing.T) {
	t.Parallel()

	checkbox := func(utility *fakeContext, checked *atomic.Bool, toggles bool) *fakeElement {
		return &fakeElement{ec: utility, perform: func(op ElementOperation) (any, error) {
			switch op.Action {
			case ElementActionState:
				return checked.Load(), nil
			case ElementActionClick:
				if toggles {
					checked.Store(!checked.Load())
				}
			}
			return nil, nil
		}}
	}

	t.Run("check", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		var checked atomic.Bool
		el := checkbox(utility, &checked, true)
		utility.setQuery(attachedResult(el))

		require.NoError(t, main.Check(nil, "#box", nil))
		assert.True(t, checked.Load())
		// already checked, no click
		require.NoError(t, main.Check(nil, "#box", nil))
		clicks := 0
		for _, op := range el.performed() {
			if op.Action == ElementActionClick {
				clicks++
			}
		}
		assert.Equal(t, 1, clicks)

		require.NoError(t, main.Uncheck(nil, "#box", nil))
		assert.False(t, checked.Load())
	})
	t.Run("state_unchanged", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		var checked atomic.Bool
		utility.setQuery(attachedResult(checkbox(utility, &checked, false)))

		err := main.Check(nil, "#box", nil)
		assert.ErrorContains(t, err, "did not change its state")
	})
}

func TestFrameStateQueries(t *testing.T) {
	t.Parallel()

	t.Run("visibility_does_not_wait", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		visible, err := main.IsVisible(nil, "button", nil)
		require.NoError(t, err)
		assert.False(t, visible)
		hidden, err := main.IsHidden(nil, "button", nil)
		require.NoError(t, err)
		assert.True(t, hidden)

		utility.setQuery(attachedResult(&fakeElement{ec: utility}))
		visible, err = main.IsVisible(nil, "button", nil)
		require.NoError(t, err)
		assert.True(t, visible)
	})
	t.Run("element_states", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		states := map[string]bool{"enabled": true, "disabled": false, "editable": true, "checked": false}
		utility.setQuery(attachedResult(&fakeElement{ec: utility, perform: func(op ElementOperation) (any, error) {
			return states[op.Value], nil
		}}))

		for _, tt := range []struct {
			name string
			fn   func(*scope.Scope, string, *FrameBaseOptions) (bool, error)
			want bool
		}{
			{"enabled", main.IsEnabled, true},
			{"disabled", main.IsDisabled, false},
			{"editable", main.IsEditable, true},
			{"checked", main.IsChecked, false},
		} {
			got, err := tt.fn(nil, "input", nil)
			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.want, got, tt.name)
		}
	})
}

func TestFrameContentAccessors(t *testing.T) {
	t.Parallel()

	_, _, main, utility := newTestPage(t)
	utility.setQuery(attachedResult(&fakeElement{ec: utility, perform: func(op ElementOperation) (any, error) {
		switch op.Action {
		case ElementActionTextContent:
			return "text", nil
		case ElementActionInnerText:
			return "inner text", nil
		case ElementActionInnerHTML:
			return "<b>html</b>", nil
		case ElementActionAttribute:
			if op.Value == "href" {
				return "/next", nil
			}
			return nil, nil
		case ElementActionInputValue:
			return "value", nil
		}
		return nil, nil
	}}))

	text, ok, err := main.TextContent(nil, "p", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "text", text)

	inner, err := main.InnerText(nil, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "inner text", inner)

	html, err := main.InnerHTML(nil, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "<b>html</b>", html)

	href, ok, err := main.GetAttribute(nil, "a", "href", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/next", href)
	_, ok, err = main.GetAttribute(nil, "a", "title", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := main.InputValue(nil, "input", nil)
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	ec, err := testProgress(t, main.MainContext)
	require.NoError(t, err)
	ec.(*fakeContext).setEvaluate(func(expression string) (any, error) { //nolint:forcetypeassert
		assert.Equal(t, "document.title", expression)
		return "Example Domain", nil
	})
	title, err := main.Title(nil)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", title)
}

func TestFrameWaitForSelector(t *testing.T) {
	t.Parallel()

	t.Run("visible_adopts_into_main_world", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		utility.setQuery(attachedResult(&fakeElement{ec: utility}))

		el, err := main.WaitForSelector(nil, "button", nil)
		require.NoError(t, err)
		require.NotNil(t, el)
		mainCtx, err := testProgress(t, main.MainContext)
		require.NoError(t, err)
		assert.Same(t, mainCtx, el.ExecutionContext())
	})
	t.Run("hidden_without_match", func(t *testing.T) {
		t.Parallel()

		_, _, main, _ := newTestPage(t)
		opts := NewFrameWaitForSelectorOptions(0)
		opts.State = ElementStateHidden
		el, err := main.WaitForSelector(nil, "button", opts)
		require.NoError(t, err)
		assert.Nil(t, el)
	})
	t.Run("detached_after_removal", func(t *testing.T) {
		t.Parallel()

		_, _, main, utility := newTestPage(t)
		utility.setQuery(attachedResult(&fakeElement{ec: utility}))

		opts := NewFrameWaitForSelectorOptions(0)
		opts.State = ElementStateDetached
		done := make(chan error, 1)
		go func() {
			_, err := main.WaitForSelector(nil, "button", opts)
			done <- err
		}()
		eventually(t, func() bool {
			utility.mu.Lock()
			defer utility.mu.Unlock()
			return utility.queries > 1
		}, "selector was not polled")

		utility.setQuery(nil)
		require.NoError(t, recv(t, done))
	})
	t.Run("invalid_state", func(t *testing.T) {
		t.Parallel()

		_, _, main, _ := newTestPage(t)
		opts := NewFrameWaitForSelectorOptions(0)
		opts.State = "gone"
		_, err := main.WaitForSelector(nil, "button", opts)
		assert.ErrorContains(t, err, `invalid state "gone"`)
	})
}
