package errext

// NavigationAbortedError is the error carried by a navigation event when the
// pending document never committed.
type NavigationAbortedError struct {
	DocumentID string
	Message    string
}

func (e *NavigationAbortedError) Error() string {
	return e.Message
}

// NewNavigationAbortedError returns a *NavigationAbortedError for documentID.
func NewNavigationAbortedError(documentID, message string) *NavigationAbortedError {
	return &NavigationAbortedError{DocumentID: documentID, Message: message}
}
