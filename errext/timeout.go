package errext

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is the close reason of a timeout scope.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	op := e.Operation
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("%s: timeout %s exceeded", op, e.Timeout)
}

// NonRetriable makes a timeout end any polling loop it reaches.
func (e *TimeoutError) NonRetriable() bool { return true }

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
