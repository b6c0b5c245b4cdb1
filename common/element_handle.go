package common

import (
	"context"
	"time"
)

// ElementAction names an operation performed on an element.
type ElementAction string

const (
	ElementActionClick        ElementAction = "click"
	ElementActionDblclick     ElementAction = "dblclick"
	ElementActionFill         ElementAction = "fill"
	ElementActionType         ElementAction = "type"
	ElementActionPress        ElementAction = "press"
	ElementActionHover        ElementAction = "hover"
	ElementActionTap          ElementAction = "tap"
	ElementActionSelectOption ElementAction = "selectOption"
	ElementActionSetFiles     ElementAction = "setInputFiles"

	// read-only operations

	ElementActionState       ElementAction = "state"
	ElementActionTextContent ElementAction = "textContent"
	ElementActionInnerText   ElementAction = "innerText"
	ElementActionInnerHTML   ElementAction = "innerHTML"
	ElementActionAttribute   ElementAction = "getAttribute"
	ElementActionInputValue  ElementAction = "inputValue"
)

// ElementOperation is an action with its arguments.
type ElementOperation struct {
	Action ElementAction
	// Value is the text, key, element state or attribute name the action
	// takes.
	Value  string
	Values []string
	Files  []string
	Delay  time.Duration
}

// ElementHandle is a reference to a DOM element owned by an execution
// context. Perform and CheckActionability return errext.ErrElementNotAttached
// once the element left the DOM.
type ElementHandle interface {
	ExecutionContext() ExecutionContext
	// CheckActionability verifies the element is in every one of states
	// ("visible", "enabled", "stable", "editable", "receivesEvents").
	// It returns errext.ErrElementNotActionable while it is not.
	CheckActionability(ctx context.Context, states []string, force bool) error
	Perform(ctx context.Context, op ElementOperation) (any, error)
	Dispose()
}
