package errext

import (
	"errors"
)

// Format renders err as a message and a map of log fields. Evaluation errors
// are rendered with their in-page stack, hints end up in the "hint" field and
// the document id of an aborted navigation in "documentID".
func Format(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}

	errText := err.Error()
	var eerr *EvaluationError
	if errors.As(err, &eerr) {
		errText = eerr.StackTrace()
	}

	fields := make(map[string]any)
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}
	var nerr *NavigationAbortedError
	if errors.As(err, &nerr) && nerr.DocumentID != "" {
		fields["documentID"] = nerr.DocumentID
	}
	if IsTimeout(err) {
		fields["timedOut"] = true
	}

	return errText, fields
}
