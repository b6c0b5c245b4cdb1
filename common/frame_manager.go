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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/log"
	"github.com/liuxd6825/pageframes/scope"
)

// Navigator issues navigation commands to the browser. NavigateFrame returns
// the id of the new document, or "" when the navigation stays within the
// current document.
type Navigator interface {
	NavigateFrame(ctx context.Context, frame *Frame, url, referer string) (newDocumentID string, err error)
}

// FrameManager manages all frames in a page and their life-cycles. It applies
// the frame and network events of the browser in delivery order; every
// application runs to completion under one lock so readers never observe a
// half applied event.
type FrameManager struct {
	navigator       Navigator
	selectors       Selectors
	responses       *ResponseRegistry
	timeoutSettings *TimeoutSettings
	idleWindow      time.Duration
	openScope       *scope.Scope
	tracer          trace.Tracer

	mu       sync.RWMutex
	arena    map[frameRef]*Frame
	byID     map[cdp.FrameID]frameRef
	nextRef  frameRef
	mainRef  frameRef
	barriers []*Barrier
	deferred []func()

	events eventEmitter

	logger *log.Logger
	id     int64
}

// frameManagerID is used for giving a unique ID to a frame manager.
var frameManagerID int64 //nolint:gochecknoglobals

// FrameManagerOption configures a FrameManager.
type FrameManagerOption func(*FrameManager)

// WithNetworkIdleWindow sets how long a frame must be without in-flight
// requests before it is considered network idle.
func WithNetworkIdleWindow(d time.Duration) FrameManagerOption {
	return func(m *FrameManager) {
		if d > 0 {
			m.idleWindow = d
		}
	}
}

// WithResponseRegistry registers every received response in r.
func WithResponseRegistry(r *ResponseRegistry) FrameManagerOption {
	return func(m *FrameManager) { m.responses = r }
}

// WithSelectors replaces the default FrameSelectors.
func WithSelectors(s Selectors) FrameManagerOption {
	return func(m *FrameManager) { m.selectors = s }
}

// NewFrameManager creates a new HTML document frame manager.
func NewFrameManager(
	nav Navigator,
	ts *TimeoutSettings,
	l *log.Logger,
	opts ...FrameManagerOption,
) *FrameManager {
	if ts == nil {
		ts = NewTimeoutSettings(nil)
	}
	m := &FrameManager{
		navigator:       nav,
		selectors:       FrameSelectors{},
		timeoutSettings: ts,
		idleWindow:      LifeCycleNetworkIdleTimeout,
		openScope:       scope.New("page"),
		arena:           make(map[frameRef]*Frame),
		byID:            make(map[cdp.FrameID]frameRef),
		logger:          l,
		id:              atomic.AddInt64(&frameManagerID, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger.Debugf("FrameManager:New", "fmid:%d", m.ID())

	return m
}

// ID returns the unique ID of a frame manager value.
func (m *FrameManager) ID() int64 {
	return m.id
}

// OpenScope is closed when the page goes away.
func (m *FrameManager) OpenScope() *scope.Scope {
	return m.openScope
}

// TimeoutSettings returns the default timeouts of the page.
func (m *FrameManager) TimeoutSettings() *TimeoutSettings {
	return m.timeoutSettings
}

// Responses returns the response registry, if any.
func (m *FrameManager) Responses() *ResponseRegistry {
	return m.responses
}

// Subscribe registers for page level events (EventPage*). No types means all.
func (m *FrameManager) Subscribe(events ...string) *Subscription {
	return m.events.on(events...)
}

// Close closes the page scope with reason, settling every operation racing
// against it, and stops idle tracking.
func (m *FrameManager) Close(reason error) {
	m.logger.Debugf("FrameManager:Close", "fmid:%d", m.ID())

	if reason == nil {
		reason = errext.ErrTargetClosed
	}
	m.openScope.Close(reason)

	m.mu.Lock()
	defer m.unlock()
	for _, f := range m.arena {
		f.stopNetworkIdleTimerLocked()
	}
}

// afterUnlock queues fn to run once the manager lock is released. It must
// be called with the lock held.
func (m *FrameManager) afterUnlock(fn func()) {
	m.deferred = append(m.deferred, fn)
}

// unlock releases the write lock and runs the calls queued meanwhile.
func (m *FrameManager) unlock() {
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
}

// MainFrame returns the main frame, if attached.
func (m *FrameManager) MainFrame() *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.arena[m.mainRef]
}

// Frame returns the live frame with id.
func (m *FrameManager) Frame(id cdp.FrameID) (*Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := m.frameLocked(id)
	return f, f != nil
}

func (m *FrameManager) frameLocked(id cdp.FrameID) *Frame {
	ref, ok := m.byID[id]
	if !ok {
		return nil
	}
	return m.arena[ref]
}

// Frames returns all live frames in pre-order, starting at the main frame.
func (m *FrameManager) Frames() []*Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var frames []*Frame
	var walk func(f *Frame)
	walk = func(f *Frame) {
		frames = append(frames, f)
		for _, c := range f.childFramesLocked() {
			walk(c)
		}
	}
	if main := m.arena[m.mainRef]; main != nil {
		walk(main)
	}
	return frames
}

func (m *FrameManager) addBarrierLocked(b *Barrier) {
	m.logger.Debugf("FrameManager:addBarrier", "fmid:%d", m.ID())
	m.barriers = append(m.barriers, b)
}

func (m *FrameManager) removeBarrier(b *Barrier) {
	m.logger.Debugf("FrameManager:removeBarrier", "fmid:%d", m.ID())

	m.mu.Lock()
	defer m.unlock()
	for i, b2 := range m.barriers {
		if b == b2 {
			m.barriers = append(m.barriers[:i], m.barriers[i+1:]...)
			return
		}
	}
}

// FrameAttached records a new frame. A frame without a parent is the main
// frame; when one already exists it is re-identified under frameID so it
// keeps its identity across cross-process navigations.
func (m *FrameManager) FrameAttached(frameID, parentFrameID cdp.FrameID) *Frame {
	m.logger.Debugf("FrameManager:frameAttached", "fmid:%d fid:%v pfid:%v",
		m.ID(), frameID, parentFrameID)

	m.mu.Lock()
	defer m.unlock()

	if parentFrameID == "" {
		if main := m.arena[m.mainRef]; main != nil {
			m.logger.Debugf("FrameManager:frameAttached:reassignMainFrameID",
				"fmid:%d fid:%v oldfid:%v", m.ID(), frameID, main.id)

			if m.byID[main.id] == main.ref {
				delete(m.byID, main.id)
			}
			main.id = frameID
			m.byID[frameID] = main.ref
			return main
		}
		f := m.newFrameLocked(frameID, 0)
		m.mainRef = f.ref
		return f
	}

	if f := m.frameLocked(frameID); f != nil {
		m.logger.Debugf("FrameManager:frameAttached:return",
			"fmid:%d fid:%v pfid:%v frame already attached",
			m.ID(), frameID, parentFrameID)
		return f
	}
	parent := m.frameLocked(parentFrameID)
	if parent == nil {
		m.logger.Debugf("FrameManager:frameAttached:return",
			"fmid:%d fid:%v pfid:%v cannot find parent frame",
			m.ID(), frameID, parentFrameID)
		return nil
	}
	f := m.newFrameLocked(frameID, parent.ref)
	parent.children = append(parent.children, f.ref)

	m.logger.Debugf("FrameManager:frameAttached:emit:EventPageFrameAttached",
		"fmid:%d fid:%v pfid:%v", m.ID(), frameID, parentFrameID)
	m.events.emit(EventPageFrameAttached, f)

	return f
}

func (m *FrameManager) newFrameLocked(id cdp.FrameID, parent frameRef) *Frame {
	m.nextRef++
	f := newFrame(m, m.nextRef, id, parent)
	m.arena[f.ref] = f
	m.byID[id] = f.ref
	return f
}

// FrameDetached removes the frame and its whole subtree.
func (m *FrameManager) FrameDetached(frameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameDetached", "fmid:%d fid:%v", m.ID(), frameID)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil {
		m.logger.Debugf("FrameManager:frameDetached:return",
			"fmid:%d fid:%v cannot find frame", m.ID(), frameID)
		return
	}
	m.removeFramesRecursivelyLocked(f)
	m.recalculateNetworkIdleLocked(nil)
}

func (m *FrameManager) removeChildFramesRecursivelyLocked(f *Frame) {
	for _, c := range f.childFramesLocked() {
		m.removeFramesRecursivelyLocked(c)
	}
}

func (m *FrameManager) removeFramesRecursivelyLocked(f *Frame) {
	m.removeChildFramesRecursivelyLocked(f)

	m.logger.Debugf("FrameManager:removeFramesRecursively",
		"fmid:%d fid:%v ref:%d", m.ID(), f.id, f.ref)

	f.onDetachedLocked()
	delete(m.arena, f.ref)
	if m.byID[f.id] == f.ref {
		delete(m.byID, f.id)
	}
	if m.mainRef == f.ref {
		m.mainRef = 0
	}
	if !m.openScope.IsClosed() {
		m.events.emit(EventPageFrameDetached, f)
	}
}

// FrameRequestedNavigation registers the intent of frameID to navigate to
// documentID, which may still be unknown.
func (m *FrameManager) FrameRequestedNavigation(frameID cdp.FrameID, documentID string) {
	m.logger.Debugf("FrameManager:frameRequestedNavigation",
		"fmid:%d fid:%v docid:%s", m.ID(), frameID, documentID)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil {
		return
	}
	for _, b := range m.barriers {
		b.addFrameNavigation(f)
	}
	if f.pendingDocument != nil && (documentID == "" || f.pendingDocument.documentID == documentID) {
		// do not override a known document or its request
		return
	}
	var req *Request
	if documentID != "" {
		for r := range f.inflightRequests {
			if r.documentID == documentID {
				req = r
				break
			}
		}
	}
	f.pendingDocument = &DocumentInfo{documentID: documentID, request: req}
}

// FrameCommittedNewDocument applies the commit of a new document in frameID.
func (m *FrameManager) FrameCommittedNewDocument(
	frameID cdp.FrameID, url, name, documentID string, initial bool,
) {
	m.logger.Debugf("FrameManager:frameCommittedNewDocument",
		"fmid:%d fid:%v docid:%s fname:%s furl:%s initial:%t",
		m.ID(), frameID, documentID, name, url, initial)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil {
		m.logger.Debugf("FrameManager:frameCommittedNewDocument:return",
			"fmid:%d fid:%v cannot find frame", m.ID(), frameID)
		return
	}
	m.removeChildFramesRecursivelyLocked(f)
	f.url = url
	f.name = name

	var keepPending *DocumentInfo
	if pending := f.pendingDocument; pending != nil {
		if pending.documentID == "" {
			pending.documentID = documentID
		}
		if pending.documentID == documentID {
			// Committing a pending document.
			f.currentDocument = pending
		} else {
			// A newer navigation was requested before the older one
			// committed, e.g. an error page arriving after the next
			// request was sent. Commit, but keep waiting for the newer one.
			keepPending = pending
			f.currentDocument = &DocumentInfo{documentID: documentID}
		}
		f.pendingDocument = nil
	} else {
		f.currentDocument = &DocumentInfo{documentID: documentID}
	}

	f.clearLifecycleLocked()

	m.logger.Debugf("FrameManager:frameCommittedNewDocument:emit:EventFrameNavigation",
		"fmid:%d fid:%v docid:%s", m.ID(), frameID, documentID)
	f.events.emit(EventFrameNavigation, &NavigationEvent{
		newDocument: f.currentDocument,
		url:         url,
		name:        name,
		isPublic:    true,
	})
	if !initial {
		m.events.emit(EventPageFrameNavigated, f)
	}

	f.pendingDocument = keepPending
}

// FrameCommittedSameDocument applies a navigation within the current
// document, e.g. a history push or a fragment change.
func (m *FrameManager) FrameCommittedSameDocument(frameID cdp.FrameID, url string) {
	m.logger.Debugf("FrameManager:frameCommittedSameDocument",
		"fmid:%d fid:%v furl:%s", m.ID(), frameID, url)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil {
		return
	}
	if p := f.pendingDocument; p != nil && p.documentID == "" && p.request == nil {
		f.pendingDocument = nil
	}
	f.url = url
	f.events.emit(EventFrameNavigation, &NavigationEvent{
		url:      url,
		name:     f.name,
		isPublic: true,
	})
	m.events.emit(EventPageFrameNavigated, f)
}

// FrameAbortedNavigation aborts the pending navigation of frameID. An empty
// documentID aborts whatever navigation is pending.
func (m *FrameManager) FrameAbortedNavigation(frameID cdp.FrameID, errorText, documentID string) {
	m.logger.Debugf("FrameManager:frameAbortedNavigation",
		"fmid:%d fid:%v err:%s docid:%s", m.ID(), frameID, errorText, documentID)

	m.mu.Lock()
	defer m.unlock()

	m.frameAbortedNavigationLocked(m.frameLocked(frameID), errorText, documentID)
}

func (m *FrameManager) frameAbortedNavigationLocked(f *Frame, errorText, documentID string) {
	if f == nil || f.pendingDocument == nil {
		return
	}
	if documentID != "" && f.pendingDocument.documentID != documentID {
		return
	}
	_, redirected := f.redirectedNavigations[documentID]

	m.logger.Debugf("FrameManager:frameAbortedNavigation:emit:EventFrameNavigation",
		"fmid:%d fid:%v err:%s docid:%s redirected:%t",
		m.ID(), f.id, errorText, documentID, redirected)

	ne := &NavigationEvent{
		newDocument: f.pendingDocument,
		url:         f.url,
		name:        f.name,
		err:         errext.NewNavigationAbortedError(documentID, errorText),
		isPublic:    !(documentID != "" && redirected),
	}
	f.pendingDocument = nil
	f.events.emit(EventFrameNavigation, ne)
}

// FrameLifecycleEvent records that event fired for the current document of
// frameID.
func (m *FrameManager) FrameLifecycleEvent(frameID cdp.FrameID, event LifecycleEvent) {
	m.logger.Debugf("FrameManager:frameLifecycleEvent",
		"fmid:%d fid:%v event:%s", m.ID(), frameID, event)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil {
		return
	}
	f.onLifecycleEventLocked(event)
	m.recalculateNetworkIdleLocked(nil)
}

func (m *FrameManager) recalculateNetworkIdleLocked(allowRemove *Frame) {
	if main := m.arena[m.mainRef]; main != nil {
		main.recalculateNetworkIdleLocked(allowRemove)
	}
}

// RequestStarted starts tracking req in its frame. A navigation request
// becomes the pending document of the frame.
func (m *FrameManager) RequestStarted(req *Request) {
	m.logger.Debugf("FrameManager:requestStarted",
		"fmid:%d fid:%v rid:%s docid:%s url:%s",
		m.ID(), req.frameID, req.requestID, req.documentID, req.url)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(req.frameID)
	if f == nil {
		return
	}
	req.setFrame(f)
	f.inflightRequests[req] = struct{}{}
	if len(f.inflightRequests) == 1 {
		f.stopNetworkIdleTimerLocked()
	}
	if req.documentID != "" {
		f.pendingDocument = &DocumentInfo{documentID: req.documentID, request: req}
	}
	m.events.emit(EventPageRequest, req)
}

// RequestReceivedResponse records resp for its request.
func (m *FrameManager) RequestReceivedResponse(resp *Response) {
	req := resp.Request()
	m.logger.Debugf("FrameManager:requestReceivedResponse",
		"fmid:%d rid:%s status:%d", m.ID(), req.requestID, resp.status)

	req.setResponse(resp)
	m.responses.Register(resp)
	m.events.emit(EventPageResponse, resp)
}

// RequestFinished stops tracking req.
func (m *FrameManager) RequestFinished(req *Request) {
	m.logger.Debugf("FrameManager:requestFinished",
		"fmid:%d rid:%s", m.ID(), req.requestID)

	m.mu.Lock()
	defer m.unlock()

	m.inflightRequestFinishedLocked(req)
	req.setFinished()
	m.events.emit(EventPageRequestFinished, req)
}

// RequestFailed stops tracking req and aborts the pending navigation it was
// loading. canceled marks requests the browser dropped.
func (m *FrameManager) RequestFailed(req *Request, errorText string, canceled bool) {
	m.logger.Debugf("FrameManager:requestFailed",
		"fmid:%d rid:%s err:%s canceled:%t", m.ID(), req.requestID, errorText, canceled)

	m.mu.Lock()
	defer m.unlock()

	m.inflightRequestFinishedLocked(req)
	req.setFailed(errorText)

	if f := m.frameLocked(req.frameID); f != nil && f.pendingDocument != nil && f.pendingDocument.request == req {
		if canceled {
			errorText += "; maybe frame was detached?"
		}
		m.frameAbortedNavigationLocked(f, errorText, f.pendingDocument.documentID)
	}
	m.events.emit(EventPageRequestFailed, req)
}

func (m *FrameManager) inflightRequestFinishedLocked(req *Request) {
	f := m.frameLocked(req.frameID)
	if f == nil {
		return
	}
	if _, ok := f.inflightRequests[req]; !ok {
		return
	}
	delete(f.inflightRequests, req)
	if len(f.inflightRequests) == 0 {
		f.startNetworkIdleTimerLocked()
	}
}

// ExecutionContextCreated installs ec as the context of its world. A context
// still live in that world is destroyed first.
func (m *FrameManager) ExecutionContextCreated(frameID cdp.FrameID, ec ExecutionContext) {
	world := ec.World()
	m.logger.Debugf("FrameManager:executionContextCreated",
		"fmid:%d fid:%v world:%s", m.ID(), frameID, world)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil || !world.valid() {
		return
	}
	if old := f.contexts[world].context; old != nil {
		m.afterUnlock(func() { old.ContextDestroyed(errext.ErrContextDestroyed) })
		f.setContextLocked(world, nil)
	}
	f.setContextLocked(world, ec)
}

// ExecutionContextDestroyed empties the world slot of ec until a new context
// is created. It is ignored for detached frames, whose waiters already got
// the detach reason.
func (m *FrameManager) ExecutionContextDestroyed(frameID cdp.FrameID, ec ExecutionContext) {
	world := ec.World()
	m.logger.Debugf("FrameManager:executionContextDestroyed",
		"fmid:%d fid:%v world:%s", m.ID(), frameID, world)

	m.mu.Lock()
	defer m.unlock()

	f := m.frameLocked(frameID)
	if f == nil || f.detached || !world.valid() || f.contexts[world].context != ec {
		return
	}
	m.afterUnlock(func() { ec.ContextDestroyed(errext.ErrContextDestroyed) })
	f.setContextLocked(world, nil)
}

func (m *FrameManager) String() string {
	return fmt.Sprintf("FrameManager(%d)", m.id)
}
