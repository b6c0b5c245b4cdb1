package errext

import "fmt"

// EvaluationError is a script error raised while evaluating in a page.
type EvaluationError struct {
	Message string
	Stack   string
}

func (e *EvaluationError) Error() string {
	return "evaluating in page: " + e.Message
}

// NonRetriable implements NonRetriable.
func (e *EvaluationError) NonRetriable() bool { return true }

// StackTrace returns the in-page stack trace if there is one, the message
// otherwise.
func (e *EvaluationError) StackTrace() string {
	if e.Stack == "" {
		return e.Message
	}
	return e.Stack
}

// InvalidSelectorError is returned for selectors that cannot be parsed.
type InvalidSelectorError struct {
	Selector string
	Message  string
}

func (e *InvalidSelectorError) Error() string {
	return fmt.Sprintf("invalid selector %q: %s", e.Selector, e.Message)
}

// NonRetriable implements NonRetriable.
func (e *InvalidSelectorError) NonRetriable() bool { return true }

// StrictModeViolationError is returned when a strict selector matched more
// than one element.
type StrictModeViolationError struct {
	Selector string
	Count    int
}

func (e *StrictModeViolationError) Error() string {
	return fmt.Sprintf("strict mode violation: %q resolved to %d elements", e.Selector, e.Count)
}

// NonRetriable implements NonRetriable.
func (e *StrictModeViolationError) NonRetriable() bool { return true }
