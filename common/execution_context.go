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
	"strings"
)

// QueryResult is what querying a selector in a context reports.
type QueryResult struct {
	// Log is a human readable description of the match, if any.
	Log string
	// Count is the number of matched elements.
	Count    int
	Attached bool
	Visible  bool
	// Element is the first match. It is nil when Attached is false.
	Element ElementHandle
}

// ExpectParams describe an assertion evaluated in the page.
type ExpectParams struct {
	// Expression names the assertion, e.g. "to.be.visible" or "to.have.text".
	Expression   string
	IsNot        bool
	Expected     any
	UseInnerText bool
}

// IsArray reports whether the assertion applies to all matched elements
// rather than requiring a single one.
func (p ExpectParams) IsArray() bool {
	return p.Expression == "to.have.count" || strings.HasSuffix(p.Expression, ".array")
}

// ExpectEvaluation is the outcome of one assertion attempt.
type ExpectEvaluation struct {
	Log      string
	Matches  bool
	Received any
	// MissingReceived is set when no element matched, so Received is
	// meaningless.
	MissingReceived bool
}

// ExecutionContext is an evaluation realm of a frame bound to one document.
// It is implemented by the in-page evaluation engine.
type ExecutionContext interface {
	World() World
	// Evaluate runs expression with args and returns its value.
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	// QuerySelector evaluates parsed and reports the first match. Strict
	// queries fail with *errext.StrictModeViolationError on several matches.
	QuerySelector(ctx context.Context, parsed *Selector, strict bool) (*QueryResult, error)
	// Expect evaluates an assertion against the elements matched by parsed,
	// or against the document when parsed is nil.
	Expect(ctx context.Context, parsed *Selector, params ExpectParams) (*ExpectEvaluation, error)
	// AdoptElement moves el into this context.
	AdoptElement(ctx context.Context, el ElementHandle) (ElementHandle, error)
	// ContextDestroyed rejects pending evaluations with reason.
	ContextDestroyed(reason error)
}

// contextSlot pairs the live context of a world with a channel closed once
// a context is available or the slot is destroyed for good.
type contextSlot struct {
	context         ExecutionContext
	ready           chan struct{}
	resolved        bool
	destroyedReason error
}

func newContextSlot() *contextSlot {
	return &contextSlot{ready: make(chan struct{})}
}

func (s *contextSlot) resolve() {
	if !s.resolved {
		s.resolved = true
		close(s.ready)
	}
}
