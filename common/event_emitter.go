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

	"github.com/liuxd6825/pageframes/scope"
)

// Event as emitted by an eventEmitter.
type Event struct {
	Type string
	Data any
}

// NavigationEvent is emitted on a frame when a navigation commits, commits
// within the same document, or aborts.
type NavigationEvent struct {
	newDocument *DocumentInfo
	url         string
	name        string
	err         error
	isPublic    bool
}

// URL is the frame URL after the navigation.
func (e *NavigationEvent) URL() string { return e.url }

// Name is the frame name after the navigation.
func (e *NavigationEvent) Name() string { return e.name }

// NewDocument is nil for same-document navigations.
func (e *NavigationEvent) NewDocument() *DocumentInfo { return e.newDocument }

// Err is set when the navigation was aborted.
func (e *NavigationEvent) Err() error { return e.err }

// IsPublic reports whether API level waiters observe this event.
func (e *NavigationEvent) IsPublic() bool { return e.isPublic }

// eventEmitter fans events out to subscriptions in registration order.
// Emitting never blocks and never runs subscriber code.
type eventEmitter struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (e *eventEmitter) on(events ...string) *Subscription {
	s := &Subscription{
		emitter: e,
		ready:   make(chan struct{}, 1),
	}
	if len(events) > 0 {
		s.events = make(map[string]struct{}, len(events))
		for _, ev := range events {
			s.events[ev] = struct{}{}
		}
	}

	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	return s
}

func (e *eventEmitter) off(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s2 := range e.subs {
		if s2 == s {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

func (e *eventEmitter) emit(typ string, data any) {
	ev := Event{Type: typ, Data: data}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subs {
		if s.wants(typ) {
			s.push(ev)
		}
	}
}

// Subscription is a FIFO queue of the events a listener registered for.
// Events emitted after the subscription was created are buffered until read.
type Subscription struct {
	emitter *eventEmitter
	events  map[string]struct{}

	mu     sync.Mutex
	queue  []Event
	ready  chan struct{}
	closed bool
}

func (s *Subscription) wants(typ string) bool {
	if s.events == nil {
		return true
	}
	_, ok := s.events[typ]
	return ok
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest buffered event without waiting.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

// Next pops the oldest event, waiting for one if none is buffered.
func (s *Subscription) Next(p *scope.Progress) (Event, error) {
	if p.Immediate() {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		return Event{}, scope.ErrWouldWait
	}
	return s.NextContext(p.Context())
}

// NextContext is Next bounded by a plain context.
func (s *Subscription) NextContext(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return Event{}, context.Cause(ctx)
		}
	}
}

// Close unregisters the subscription and drops buffered events.
func (s *Subscription) Close() {
	s.emitter.off(s)

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

// waitForEvent reads events from sub until one satisfies pred.
func waitForEvent(p *scope.Progress, sub *Subscription, pred func(Event) bool) (Event, error) {
	for {
		ev, err := sub.Next(p)
		if err != nil {
			return Event{}, err
		}
		if pred(ev) {
			return ev, nil
		}
	}
}

// waitForNavigationEvent reads navigation events from sub until one
// satisfies pred.
func waitForNavigationEvent(
	p *scope.Progress, sub *Subscription, pred func(*NavigationEvent) bool,
) (*NavigationEvent, error) {
	ev, err := waitForEvent(p, sub, func(ev Event) bool {
		ne, ok := ev.Data.(*NavigationEvent)
		return ok && pred(ne)
	})
	if err != nil {
		return nil, err
	}
	return ev.Data.(*NavigationEvent), nil //nolint:forcetypeassert
}
