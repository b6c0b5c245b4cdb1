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

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/retry"
	"github.com/liuxd6825/pageframes/scope"
)

// actionability states checked before pointer actions
var (
	pointerStates = []string{"visible", "enabled", "stable", "receivesEvents"}
	hoverStates   = []string{"visible", "stable", "receivesEvents"}
	fillStates    = []string{"visible", "enabled", "editable"}
	selectStates  = []string{"visible", "enabled"}
)

func (f *Frame) actionTimeout(override time.Duration) time.Duration {
	return pick(override, f.manager.timeoutSettings.timeout())
}

// WaitForSelector waits for selector to reach opts.State. It returns the
// matched element adopted into the main world of its frame, or nil when
// waiting for detached or hidden.
func (f *Frame) WaitForSelector(
	s *scope.Scope, selector string, opts *FrameWaitForSelectorOptions,
) (ElementHandle, error) {
	if opts == nil {
		opts = NewFrameWaitForSelectorOptions(0)
	}
	state := opts.State
	if state == "" {
		state = ElementStateVisible
	}
	if err := validateElementState(state); err != nil {
		return nil, err
	}

	return runFrameOp(f, s, "waitForSelector", f.actionTimeout(opts.Timeout),
		func(p *scope.Progress) (ElementHandle, error) {
			p.Logf("waiting for %q to be %s", selector, state)
			return f.waitForSelector(p, selector, state, opts.Strict)
		})
}

func (f *Frame) waitForSelector(p *scope.Progress, selector, state string, strict bool) (ElementHandle, error) {
	return retry.Poll(p, retry.ActionSchedule, func(p *scope.Progress) (ElementHandle, error) {
		rs, err := f.manager.selectors.Resolve(p, f, selector, strict)
		if err != nil {
			return nil, err
		}
		if rs == nil {
			if state == ElementStateDetached || state == ElementStateHidden {
				return nil, nil
			}
			return nil, retry.Continue
		}

		res, err := rs.Context.QuerySelector(p.Context(), rs.Parsed, strict)
		if err != nil {
			return nil, err
		}
		var matched bool
		switch state {
		case ElementStateAttached:
			matched = res.Attached
		case ElementStateDetached:
			matched = !res.Attached
		case ElementStateVisible:
			matched = res.Visible
		case ElementStateHidden:
			matched = !res.Visible
		}
		if !matched || res.Element == nil || state == ElementStateDetached || state == ElementStateHidden {
			if res.Element != nil {
				res.Element.Dispose()
			}
			if matched {
				return nil, nil
			}
			if res.Log != "" {
				p.Logf("%q resolved to %s", selector, res.Log)
			}
			return nil, retry.Continue
		}

		el := res.Element
		main, err := rs.Frame.MainContext(p)
		if err != nil {
			el.Dispose()
			return nil, err
		}
		if el.ExecutionContext() == main {
			return el, nil
		}
		adopted, err := main.AdoptElement(p.Context(), el)
		el.Dispose()
		if err != nil {
			p.Logf("adopting element: %v", err)
			return nil, retry.Continue
		}
		return adopted, nil
	})
}

// retryWithProgressIfNotConnected resolves selector to a single element and
// runs action on it. Whenever the element got disconnected in between it
// starts over from resolving.
func (f *Frame) retryWithProgressIfNotConnected(
	p *scope.Progress, selector string, strict bool,
	action func(*scope.Progress, ElementHandle) (any, error),
) (any, error) {
	return retry.Poll(p, retry.ActionSchedule, func(p *scope.Progress) (any, error) {
		rs, err := f.manager.selectors.Resolve(p, f, selector, strict)
		if err != nil {
			return nil, err
		}
		if rs == nil {
			return nil, retry.Continue
		}
		res, err := rs.Context.QuerySelector(p.Context(), rs.Parsed, strict)
		if err != nil {
			return nil, err
		}
		if !res.Attached || res.Element == nil {
			return nil, retry.Continue
		}
		el := res.Element
		defer el.Dispose()
		p.Logf("%q resolved to %s", selector, res.Log)

		v, err := action(p, el)
		if errors.Is(err, errext.ErrElementNotAttached) {
			p.Logf("element was detached from the DOM, retrying")
			return nil, retry.Continue
		}
		return v, err
	})
}

// performAction waits for el to be actionable and performs op, holding the
// result back until the navigations op started are done.
func (f *Frame) performAction(
	p *scope.Progress, el ElementHandle, opts *FrameActionOptions, states []string, op ElementOperation,
) (any, error) {
	if len(states) > 0 {
		if opts.Force {
			p.Logf("skipping actionability checks")
		} else {
			p.Logf("waiting for element to be %v", states)
		}
		if err := el.CheckActionability(p.Context(), states, opts.Force); err != nil {
			return nil, err
		}
	}
	if op.Delay == 0 {
		op.Delay = opts.Delay
	}
	p.Logf("performing %s action", op.Action)
	v, err := waitForSignalsCreatedBy(f.manager, p, opts.NoWaitAfter, func() (any, error) {
		return el.Perform(p.Context(), op)
	})
	if err == nil {
		p.Logf("%s action done", op.Action)
	}
	return v, err
}

func (f *Frame) act(
	s *scope.Scope, api, selector string, opts *FrameActionOptions, states []string, op ElementOperation,
) (any, error) {
	if opts == nil {
		opts = NewFrameActionOptions(0)
	}
	return runFrameOp(f, s, api, f.actionTimeout(opts.Timeout), func(p *scope.Progress) (any, error) {
		return f.retryWithProgressIfNotConnected(p, selector, opts.Strict,
			func(p *scope.Progress, el ElementHandle) (any, error) {
				return f.performAction(p, el, opts, states, op)
			})
	})
}

// Click clicks the element matching selector.
func (f *Frame) Click(s *scope.Scope, selector string, opts *FrameActionOptions) error {
	_, err := f.act(s, "click", selector, opts, pointerStates, ElementOperation{Action: ElementActionClick})
	return err
}

// Dblclick double clicks the element matching selector.
func (f *Frame) Dblclick(s *scope.Scope, selector string, opts *FrameActionOptions) error {
	_, err := f.act(s, "dblclick", selector, opts, pointerStates, ElementOperation{Action: ElementActionDblclick})
	return err
}

// Tap taps the element matching selector.
func (f *Frame) Tap(s *scope.Scope, selector string, opts *FrameActionOptions) error {
	_, err := f.act(s, "tap", selector, opts, pointerStates, ElementOperation{Action: ElementActionTap})
	return err
}

// Hover moves the pointer over the element matching selector.
func (f *Frame) Hover(s *scope.Scope, selector string, opts *FrameActionOptions) error {
	_, err := f.act(s, "hover", selector, opts, hoverStates, ElementOperation{Action: ElementActionHover})
	return err
}

// Fill replaces the value of the input matching selector.
func (f *Frame) Fill(s *scope.Scope, selector, value string, opts *FrameActionOptions) error {
	_, err := f.act(s, "fill", selector, opts, fillStates, ElementOperation{Action: ElementActionFill, Value: value})
	return err
}

// Type focuses the element matching selector and types text into it.
func (f *Frame) Type(s *scope.Scope, selector, text string, opts *FrameActionOptions) error {
	_, err := f.act(s, "type", selector, opts, nil, ElementOperation{Action: ElementActionType, Value: text})
	return err
}

// Press focuses the element matching selector and presses key.
func (f *Frame) Press(s *scope.Scope, selector, key string, opts *FrameActionOptions) error {
	_, err := f.act(s, "press", selector, opts, nil, ElementOperation{Action: ElementActionPress, Value: key})
	return err
}

// SelectOption selects values in the select element matching selector and
// returns the values that ended up selected.
func (f *Frame) SelectOption(s *scope.Scope, selector string, values []string, opts *FrameActionOptions) ([]string, error) {
	v, err := f.act(s, "selectOption", selector, opts, selectStates,
		ElementOperation{Action: ElementActionSelectOption, Values: values})
	if err != nil {
		return nil, err
	}
	switch selected := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return selected, nil
	}
	return nil, fmt.Errorf("selectOption: unexpected result type %T", v)
}

// SetInputFiles sets the files of the file input matching selector.
func (f *Frame) SetInputFiles(s *scope.Scope, selector string, files []string, opts *FrameActionOptions) error {
	_, err := f.act(s, "setInputFiles", selector, opts, nil,
		ElementOperation{Action: ElementActionSetFiles, Files: files})
	return err
}

// Check checks the checkbox or radio matching selector.
func (f *Frame) Check(s *scope.Scope, selector string, opts *FrameActionOptions) error {
	return f.setChecked(s, "check", selector, true, opts)
}

// Uncheck unchecks the checkbox matching selector.
func (f *Frame) Uncheck(s *scope.Scope, selector string, opts *FrameActionOptions) error {
	return f.setChecked(s, "uncheck", selector, false, opts)
}

func (f *Frame) setChecked(s *scope.Scope, api, selector string, checked bool, opts *FrameActionOptions) error {
	if opts == nil {
		opts = NewFrameActionOptions(0)
	}
	_, err := runFrameOp(f, s, api, f.actionTimeout(opts.Timeout), func(p *scope.Progress) (any, error) {
		return f.retryWithProgressIfNotConnected(p, selector, opts.Strict,
			func(p *scope.Progress, el ElementHandle) (any, error) {
				state, err := elementState(p, el, "checked")
				if err != nil {
					return nil, err
				}
				if state == checked {
					return nil, nil
				}
				if _, err := f.performAction(p, el, opts, pointerStates,
					ElementOperation{Action: ElementActionClick}); err != nil {
					return nil, err
				}
				if state, err = elementState(p, el, "checked"); err != nil {
					return nil, err
				}
				if state != checked {
					return nil, &errext.EvaluationError{Message: "clicking the checkbox did not change its state"}
				}
				return nil, nil
			})
	})
	return err
}

func elementState(p *scope.Progress, el ElementHandle, state string) (bool, error) {
	v, err := el.Perform(p.Context(), ElementOperation{Action: ElementActionState, Value: state})
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("element state %q: unexpected result type %T", state, v)
	}
	return b, nil
}

// callOnElementOnceMatches waits for selector to match and runs op on the
// element.
func (f *Frame) callOnElementOnceMatches(
	s *scope.Scope, api, selector string, opts *FrameBaseOptions, op ElementOperation,
) (any, error) {
	if opts == nil {
		opts = &FrameBaseOptions{}
	}
	return runFrameOp(f, s, api, f.actionTimeout(opts.Timeout), func(p *scope.Progress) (any, error) {
		p.Logf("waiting for %q", selector)
		return f.retryWithProgressIfNotConnected(p, selector, opts.Strict,
			func(p *scope.Progress, el ElementHandle) (any, error) {
				return el.Perform(p.Context(), op)
			})
	})
}

func (f *Frame) checkElementState(s *scope.Scope, api, selector, state string, opts *FrameBaseOptions) (bool, error) {
	v, err := f.callOnElementOnceMatches(s, api, selector, opts,
		ElementOperation{Action: ElementActionState, Value: state})
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected result type %T", api, v)
	}
	return b, nil
}

// IsVisible reports whether selector matches a visible element right now.
// It does not wait for the element to appear.
func (f *Frame) IsVisible(s *scope.Scope, selector string, opts *FrameBaseOptions) (bool, error) {
	if opts == nil {
		opts = &FrameBaseOptions{}
	}
	return runFrameOp(f, s, "isVisible", f.actionTimeout(opts.Timeout), func(p *scope.Progress) (bool, error) {
		rs, err := f.manager.selectors.Resolve(p, f, selector, opts.Strict)
		if err != nil || rs == nil {
			return false, err
		}
		res, err := rs.Context.QuerySelector(p.Context(), rs.Parsed, opts.Strict)
		if err != nil {
			return false, err
		}
		if res.Element != nil {
			res.Element.Dispose()
		}
		return res.Visible, nil
	})
}

// IsHidden is the negation of IsVisible.
func (f *Frame) IsHidden(s *scope.Scope, selector string, opts *FrameBaseOptions) (bool, error) {
	visible, err := f.IsVisible(s, selector, opts)
	return !visible && err == nil, err
}

// IsEnabled waits for selector and reports whether the element is enabled.
func (f *Frame) IsEnabled(s *scope.Scope, selector string, opts *FrameBaseOptions) (bool, error) {
	return f.checkElementState(s, "isEnabled", selector, "enabled", opts)
}

// IsDisabled waits for selector and reports whether the element is disabled.
func (f *Frame) IsDisabled(s *scope.Scope, selector string, opts *FrameBaseOptions) (bool, error) {
	return f.checkElementState(s, "isDisabled", selector, "disabled", opts)
}

// IsEditable waits for selector and reports whether the element is editable.
func (f *Frame) IsEditable(s *scope.Scope, selector string, opts *FrameBaseOptions) (bool, error) {
	return f.checkElementState(s, "isEditable", selector, "editable", opts)
}

// IsChecked waits for selector and reports whether the element is checked.
func (f *Frame) IsChecked(s *scope.Scope, selector string, opts *FrameBaseOptions) (bool, error) {
	return f.checkElementState(s, "isChecked", selector, "checked", opts)
}

func (f *Frame) content(
	s *scope.Scope, api, selector string, opts *FrameBaseOptions, op ElementOperation,
) (string, bool, error) {
	v, err := f.callOnElementOnceMatches(s, api, selector, opts, op)
	if err != nil {
		return "", false, err
	}
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	}
	return "", false, fmt.Errorf("%s: unexpected result type %T", api, v)
}

// TextContent returns the text content of the element matching selector.
// The boolean is false when the element has no text content.
func (f *Frame) TextContent(s *scope.Scope, selector string, opts *FrameBaseOptions) (string, bool, error) {
	return f.content(s, "textContent", selector, opts, ElementOperation{Action: ElementActionTextContent})
}

// InnerText returns the rendered text of the element matching selector.
func (f *Frame) InnerText(s *scope.Scope, selector string, opts *FrameBaseOptions) (string, error) {
	v, _, err := f.content(s, "innerText", selector, opts, ElementOperation{Action: ElementActionInnerText})
	return v, err
}

// InnerHTML returns the inner HTML of the element matching selector.
func (f *Frame) InnerHTML(s *scope.Scope, selector string, opts *FrameBaseOptions) (string, error) {
	v, _, err := f.content(s, "innerHTML", selector, opts, ElementOperation{Action: ElementActionInnerHTML})
	return v, err
}

// GetAttribute returns the value of attribute name of the element matching
// selector. The boolean is false when the attribute is not set.
func (f *Frame) GetAttribute(s *scope.Scope, selector, name string, opts *FrameBaseOptions) (string, bool, error) {
	return f.content(s, "getAttribute", selector, opts, ElementOperation{Action: ElementActionAttribute, Value: name})
}

// InputValue returns the value of the input element matching selector.
func (f *Frame) InputValue(s *scope.Scope, selector string, opts *FrameBaseOptions) (string, error) {
	v, _, err := f.content(s, "inputValue", selector, opts, ElementOperation{Action: ElementActionInputValue})
	return v, err
}

// Title returns the title of the document loaded in the frame.
func (f *Frame) Title(s *scope.Scope) (string, error) {
	return runFrameOp(f, s, "title", f.actionTimeout(0), func(p *scope.Progress) (string, error) {
		ec, err := f.MainContext(p)
		if err != nil {
			return "", err
		}
		v, err := ec.Evaluate(p.Context(), "document.title")
		if err != nil {
			return "", err
		}
		title, _ := v.(string)
		return title, nil
	})
}
