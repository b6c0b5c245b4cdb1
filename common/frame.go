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
	"fmt"
	"sort"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/log"
	"github.com/liuxd6825/pageframes/scope"
)

// frameRef addresses a frame record in its manager. Refs are never reused,
// so a frame re-attached under a known id gets a new identity.
type frameRef uint64

// Frame represents a frame in an HTML document. All of its mutable state is
// guarded by the owning FrameManager's lock.
type Frame struct {
	manager *FrameManager
	logger  *log.Logger

	ref      frameRef
	id       cdp.FrameID
	parent   frameRef
	children []frameRef

	url  string
	name string

	currentDocument *DocumentInfo
	pendingDocument *DocumentInfo

	lifecycleEvents  map[LifecycleEvent]bool
	inflightRequests map[*Request]struct{}

	networkIdleTimer   *time.Timer
	networkIdleTimerID uint64
	networkIdleSelf    bool

	contexts [worldCount]*contextSlot

	detached      bool
	detachedScope *scope.Scope

	redirectedNavigations map[string]*redirectedNavigation

	events eventEmitter
}

func newFrame(m *FrameManager, ref frameRef, id cdp.FrameID, parent frameRef) *Frame {
	f := &Frame{
		manager:               m,
		logger:                m.logger,
		ref:                   ref,
		id:                    id,
		parent:                parent,
		currentDocument:       &DocumentInfo{},
		lifecycleEvents:       make(map[LifecycleEvent]bool),
		inflightRequests:      make(map[*Request]struct{}),
		detachedScope:         scope.New("frame"),
		redirectedNavigations: make(map[string]*redirectedNavigation),
	}
	for w := range f.contexts {
		f.contexts[w] = newContextSlot()
	}

	m.logger.Debugf("NewFrame", "fmid:%d fid:%v ref:%d pref:%d", m.ID(), id, ref, parent)

	return f
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.id
}

// Name returns the frame name.
func (f *Frame) Name() string {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.name
}

// URL returns the frame URL.
func (f *Frame) URL() string {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.url
}

// ParentFrame returns the parent frame, if one exists.
func (f *Frame) ParentFrame() *Frame {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.manager.arena[f.parent]
}

// ChildFrames returns the live child frames in attach order.
func (f *Frame) ChildFrames() []*Frame {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.childFramesLocked()
}

func (f *Frame) childFramesLocked() []*Frame {
	l := make([]*Frame, 0, len(f.children))
	for _, ref := range f.children {
		if c := f.manager.arena[ref]; c != nil {
			l = append(l, c)
		}
	}
	return l
}

// IsDetached returns whether the frame is detached or not.
func (f *Frame) IsDetached() bool {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.detached
}

// DetachedScope closes with errext.ErrFrameDetached once the frame is
// removed from the tree.
func (f *Frame) DetachedScope() *scope.Scope {
	return f.detachedScope
}

// HasLifecycleEvent reports whether event fired for the current document.
func (f *Frame) HasLifecycleEvent(event LifecycleEvent) bool {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.lifecycleEvents[event]
}

// LifecycleEvents returns the fired lifecycle events in milestone order.
func (f *Frame) LifecycleEvents() []LifecycleEvent {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	events := make([]LifecycleEvent, 0, len(f.lifecycleEvents))
	for e := range f.lifecycleEvents {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].milestone() < events[j].milestone() })
	return events
}

// CurrentDocumentID returns the id of the committed document.
func (f *Frame) CurrentDocumentID() string {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return f.currentDocument.ID()
}

// PendingDocumentID returns the id of the document being navigated to and
// whether a navigation is pending at all.
func (f *Frame) PendingDocumentID() (string, bool) {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	if f.pendingDocument == nil {
		return "", false
	}
	return f.pendingDocument.documentID, true
}

// InflightRequests returns how many tracked requests are in flight.
func (f *Frame) InflightRequests() int {
	f.manager.mu.RLock()
	defer f.manager.mu.RUnlock()
	return len(f.inflightRequests)
}

// Subscribe registers for frame events (EventFrameNavigation,
// EventFrameAddLifecycle, EventFrameRemoveLifecycle). No types means all.
func (f *Frame) Subscribe(events ...string) *Subscription {
	return f.events.on(events...)
}

func (f *Frame) isMainFrameLocked() bool {
	return f.parent == 0 && f.manager.mainRef == f.ref
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%v)", f.ID())
}

// MainContext waits for the execution context of the main world.
func (f *Frame) MainContext(p *scope.Progress) (ExecutionContext, error) {
	return f.context(p, MainWorld)
}

// UtilityContext waits for the execution context of the utility world.
func (f *Frame) UtilityContext(p *scope.Progress) (ExecutionContext, error) {
	return f.context(p, UtilityWorld)
}

// context returns the live context of world, waiting for one to be created.
// A detached frame yields its destruction reason instead.
func (f *Frame) context(p *scope.Progress, world World) (ExecutionContext, error) {
	if !world.valid() {
		return nil, fmt.Errorf("unknown world %v", world)
	}
	for {
		f.manager.mu.RLock()
		slot := f.contexts[world]
		ec, reason, ready := slot.context, slot.destroyedReason, slot.ready
		f.manager.mu.RUnlock()

		switch {
		case ec != nil:
			return ec, nil
		case reason != nil:
			return nil, reason
		}
		if _, err := scope.Wait(p, ready); err != nil {
			return nil, err
		}
	}
}

// setContextLocked installs ec in its world, destroying any context still
// live there. A nil ec empties the slot until the next creation.
func (f *Frame) setContextLocked(world World, ec ExecutionContext) {
	slot := f.contexts[world]
	if ec == nil {
		if slot.resolved {
			f.contexts[world] = newContextSlot()
		}
		return
	}
	slot.context = ec
	slot.resolve()
}

// onDetached stops idle tracking, closes the detached scope and rejects
// context waiters. The caller removes the frame from the arena.
func (f *Frame) onDetachedLocked() {
	f.stopNetworkIdleTimerLocked()
	f.detached = true
	f.detachedScope.Close(errext.ErrFrameDetached)
	for w, slot := range f.contexts {
		if ec := slot.context; ec != nil {
			f.manager.afterUnlock(func() { ec.ContextDestroyed(errext.ErrFrameDetached) })
		}
		if slot.resolved {
			slot = newContextSlot()
			f.contexts[w] = slot
		}
		slot.destroyedReason = errext.ErrFrameDetached
		slot.resolve()
	}
	if parent := f.manager.arena[f.parent]; parent != nil {
		parent.removeChildLocked(f.ref)
	}
}

func (f *Frame) removeChildLocked(ref frameRef) {
	for i, c := range f.children {
		if c == ref {
			f.children = append(f.children[:i], f.children[i+1:]...)
			return
		}
	}
}

func (f *Frame) onLifecycleEventLocked(event LifecycleEvent) {
	if f.lifecycleEvents[event] {
		return
	}
	f.lifecycleEvents[event] = true
	f.events.emit(EventFrameAddLifecycle, event)

	if !f.isMainFrameLocked() {
		return
	}
	switch event {
	case LifecycleEventLoad:
		f.manager.events.emit(EventPageLoad, f)
	case LifecycleEventDOMContentLoad:
		f.manager.events.emit(EventPageDOMContentLoaded, f)
	}
}

// clearLifecycleLocked resets the lifecycle of a freshly committed document.
// Only the request loading the new document stays tracked.
func (f *Frame) clearLifecycleLocked() {
	for event := range f.lifecycleEvents {
		f.events.emit(EventFrameRemoveLifecycle, event)
	}
	f.lifecycleEvents = make(map[LifecycleEvent]bool)

	keep := f.currentDocument.request
	for req := range f.inflightRequests {
		if req != keep {
			delete(f.inflightRequests, req)
		}
	}
	f.stopNetworkIdleTimerLocked()
	if len(f.inflightRequests) == 0 {
		f.startNetworkIdleTimerLocked()
	}
	f.manager.recalculateNetworkIdleLocked(f)
	f.onLifecycleEventLocked(LifecycleEventCommit)
}

func (f *Frame) startNetworkIdleTimerLocked() {
	if f.networkIdleTimer != nil {
		return
	}
	if f.lifecycleEvents[LifecycleEventNetworkIdle] || f.detached {
		return
	}
	id := f.networkIdleTimerID
	f.networkIdleTimer = time.AfterFunc(f.manager.idleWindow, func() {
		f.manager.mu.Lock()
		defer f.manager.unlock()
		if f.networkIdleTimerID != id || f.detached {
			return
		}
		f.networkIdleTimer = nil
		f.networkIdleSelf = true
		f.manager.logger.Debugf("Frame:networkIdleTimer", "fmid:%d fid:%v", f.manager.ID(), f.id)
		f.manager.recalculateNetworkIdleLocked(nil)
	})
}

func (f *Frame) stopNetworkIdleTimerLocked() {
	if f.networkIdleTimer != nil {
		f.networkIdleTimer.Stop()
		f.networkIdleTimer = nil
	}
	f.networkIdleTimerID++
	f.networkIdleSelf = false
}

// recalculateNetworkIdleLocked derives networkidle bottom-up: a frame is
// idle when it is itself idle and every child already holds networkidle.
// Only allowRemove may lose a networkidle it already fired.
func (f *Frame) recalculateNetworkIdleLocked(allowRemove *Frame) {
	idle := f.networkIdleSelf
	for _, child := range f.childFramesLocked() {
		child.recalculateNetworkIdleLocked(allowRemove)
		if !child.lifecycleEvents[LifecycleEventNetworkIdle] {
			idle = false
		}
	}
	fired := f.lifecycleEvents[LifecycleEventNetworkIdle]
	if idle && !fired {
		f.logger.Debugf("Frame:recalculateNetworkIdle:add", "fmid:%d fid:%v furl:%s", f.manager.ID(), f.id, f.url)
		f.onLifecycleEventLocked(LifecycleEventNetworkIdle)
	}
	if !idle && fired && f == allowRemove {
		delete(f.lifecycleEvents, LifecycleEventNetworkIdle)
		f.events.emit(EventFrameRemoveLifecycle, LifecycleEventNetworkIdle)
	}
}
