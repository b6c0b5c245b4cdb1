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
	"sync"

	"github.com/liuxd6825/pageframes/log"
	"github.com/liuxd6825/pageframes/scope"
)

// Barrier holds an action back until the top-level navigations it triggered
// are publicly done.
type Barrier struct {
	logger *log.Logger

	mu     sync.Mutex
	count  int
	done   chan struct{}
	closed bool
}

// NewBarrier creates a new instance of a barrier, holding one retain for
// the action itself.
func NewBarrier(logger *log.Logger) *Barrier {
	return &Barrier{
		logger: logger,
		count:  1,
		done:   make(chan struct{}),
	}
}

// addFrameNavigation retains the barrier until the next public navigation
// event of frame, or until the frame or its page goes away. It is called by
// the frame manager with its lock held.
func (b *Barrier) addFrameNavigation(frame *Frame) {
	if frame.parent != 0 {
		return // We only care about top-frame navigation
	}
	b.retain()

	sub := frame.events.on(EventFrameNavigation)
	go func() {
		defer b.release()
		defer sub.Close()

		_, _ = scope.Race(func(p *scope.Progress) (*NavigationEvent, error) {
			ne, err := waitForNavigationEvent(p, sub, func(ne *NavigationEvent) bool {
				return ne.isPublic
			})
			if err == nil && ne.err == nil {
				b.logger.Debugf("Barrier:addFrameNavigation", "navigated to %q", ne.url)
			}
			return ne, err
		}, frame.detachedScope, frame.manager.openScope)
	}()
}

func (b *Barrier) retain() {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
}

func (b *Barrier) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count--
	if b.count == 0 && !b.closed {
		b.closed = true
		close(b.done)
	}
}

// Wait releases the retain of the action and blocks until every navigation
// the barrier observed is done.
func (b *Barrier) Wait(p *scope.Progress) error {
	b.release()
	_, err := scope.Wait(p, b.done)
	return err
}

// waitForSignalsCreatedBy runs action and, unless noWaitAfter is set, waits
// for the navigations it triggered before returning its result.
func waitForSignalsCreatedBy[T any](
	m *FrameManager, p *scope.Progress, noWaitAfter bool, action func() (T, error),
) (T, error) {
	if noWaitAfter {
		return action()
	}

	b := NewBarrier(m.logger)
	m.mu.Lock()
	m.addBarrierLocked(b)
	m.unlock()
	p.CleanupWhenAborted(func() { m.removeBarrier(b) })

	v, err := action()
	if err != nil {
		m.removeBarrier(b)
		return v, err
	}
	err = b.Wait(p)
	m.removeBarrier(b)
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
