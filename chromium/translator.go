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

// Package chromium feeds the frame and network events of a Chromium page
// target into a common.FrameManager and navigates frames over CDP.
package chromium

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/pageframes/common"
	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/log"
)

// UtilityWorldName is the name of the isolated world the evaluation engine
// creates in every frame for its own queries.
const UtilityWorldName = "__pageframes_utility_world__"

// ContextFactory builds the evaluation context for a runtime execution
// context of frameID. Returning nil leaves the context untracked.
type ContextFactory func(desc *runtime.ExecutionContextDescription, frameID cdp.FrameID, world common.World) common.ExecutionContext

type trackedContext struct {
	frameID cdp.FrameID
	ec      common.ExecutionContext
}

// EventTranslator applies the CDP events of one page target to a
// FrameManager, in the order they are handed to Handle.
type EventTranslator struct {
	fm         *common.FrameManager
	logger     *log.Logger
	newContext ContextFactory

	mu       sync.Mutex
	requests map[network.RequestID]*common.Request
	contexts map[runtime.ExecutionContextID]trackedContext
}

// NewEventTranslator returns a translator feeding fm. newContext may be nil,
// in which case execution contexts are not tracked.
func NewEventTranslator(fm *common.FrameManager, logger *log.Logger, newContext ContextFactory) *EventTranslator {
	return &EventTranslator{
		fm:         fm,
		logger:     logger,
		newContext: newContext,
		requests:   make(map[network.RequestID]*common.Request),
		contexts:   make(map[runtime.ExecutionContextID]trackedContext),
	}
}

// Handle dispatches one CDP event. It has the signature chromedp.ListenTarget
// expects.
func (t *EventTranslator) Handle(ev any) {
	switch ev := ev.(type) {
	case *page.EventFrameAttached:
		t.fm.FrameAttached(ev.FrameID, ev.ParentFrameID)
	case *page.EventFrameDetached:
		t.onFrameDetached(ev)
	case *page.EventFrameNavigated:
		t.onFrameNavigated(ev.Frame, false)
	case *page.EventFrameRequestedNavigation:
		if ev.Disposition == page.ClientNavigationDispositionCurrentTab {
			t.fm.FrameRequestedNavigation(ev.FrameID, "")
		}
	case *page.EventNavigatedWithinDocument:
		t.fm.FrameCommittedSameDocument(ev.FrameID, ev.URL)
	case *page.EventLifecycleEvent:
		t.onLifecycleEvent(ev)
	case *network.EventRequestWillBeSent:
		t.onRequest(ev)
	case *network.EventResponseReceived:
		t.onResponseReceived(ev)
	case *network.EventLoadingFinished:
		if req := t.takeRequest(ev.RequestID); req != nil {
			t.fm.RequestFinished(req)
		}
	case *network.EventLoadingFailed:
		if req := t.takeRequest(ev.RequestID); req != nil {
			t.fm.RequestFailed(req, ev.ErrorText, ev.Canceled)
		}
	case *runtime.EventExecutionContextCreated:
		t.onExecutionContextCreated(ev.Context)
	case *runtime.EventExecutionContextDestroyed:
		t.onExecutionContextDestroyed(ev.ExecutionContextID)
	case *runtime.EventExecutionContextsCleared:
		t.onExecutionContextsCleared()
	case *inspector.EventDetached:
		t.logger.Debugf("EventTranslator:onDetached", "reason:%s", ev.Reason)
		t.fm.Close(errext.ErrTargetClosed)
	case *inspector.EventTargetCrashed:
		t.logger.Warnf("EventTranslator:onTargetCrashed", "page crashed")
		t.fm.Close(errext.ErrTargetClosed)
	}
}

// HandleFrameTree applies a frame tree as returned by Page.getFrameTree. The
// documents in it are treated as initial ones.
func (t *EventTranslator) HandleFrameTree(tree *page.FrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	t.logger.Debugf("EventTranslator:handleFrameTree", "fid:%v pfid:%v", tree.Frame.ID, tree.Frame.ParentID)

	if tree.Frame.ParentID != "" {
		t.fm.FrameAttached(tree.Frame.ID, tree.Frame.ParentID)
	}
	t.onFrameNavigated(tree.Frame, true)
	for _, child := range tree.ChildFrames {
		t.HandleFrameTree(child)
	}
}

func (t *EventTranslator) onFrameDetached(ev *page.EventFrameDetached) {
	if ev.Reason == page.FrameDetachedReasonSwap {
		// the frame lives on in another process
		t.logger.Debugf("EventTranslator:onFrameDetached", "fid:%v swapped", ev.FrameID)
		return
	}
	t.fm.FrameDetached(ev.FrameID)
}

func (t *EventTranslator) onFrameNavigated(frame *cdp.Frame, initial bool) {
	if frame == nil {
		return
	}
	if frame.ParentID == "" {
		if _, ok := t.fm.Frame(frame.ID); !ok {
			// new or re-identified main frame
			t.fm.FrameAttached(frame.ID, "")
		}
	}
	t.fm.FrameCommittedNewDocument(frame.ID, frame.URL+frame.URLFragment, frame.Name, frame.LoaderID.String(), initial)
}

func (t *EventTranslator) onLifecycleEvent(ev *page.EventLifecycleEvent) {
	switch ev.Name {
	case "DOMContentLoaded":
		t.fm.FrameLifecycleEvent(ev.FrameID, common.LifecycleEventDOMContentLoad)
	case "load":
		t.fm.FrameLifecycleEvent(ev.FrameID, common.LifecycleEventLoad)
	default:
		// commit follows from the navigation, networkidle is tracked by
		// the frame manager itself
	}
}

func (t *EventTranslator) onRequest(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil || isInternalURL(ev.Request.URL) {
		return
	}

	var redirectedFrom *common.Request
	if ev.RedirectResponse != nil {
		if prev := t.takeRequest(ev.RequestID); prev != nil {
			t.fm.RequestReceivedResponse(common.NewResponse(prev, ev.RedirectResponse, ev.Timestamp))
			t.fm.RequestFinished(prev)
			redirectedFrom = prev
		}
	}

	req, err := common.NewRequest(ev, redirectedFrom)
	if err != nil {
		t.logger.Errorf("EventTranslator:onRequest", "rid:%s: %v", ev.RequestID, err)
		return
	}
	t.mu.Lock()
	t.requests[ev.RequestID] = req
	t.mu.Unlock()

	t.fm.RequestStarted(req)
}

func (t *EventTranslator) onResponseReceived(ev *network.EventResponseReceived) {
	t.mu.Lock()
	req := t.requests[ev.RequestID]
	t.mu.Unlock()
	if req == nil {
		return
	}
	t.fm.RequestReceivedResponse(common.NewResponse(req, ev.Response, ev.Timestamp))
}

func (t *EventTranslator) takeRequest(id network.RequestID) *common.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	req := t.requests[id]
	delete(t.requests, id)
	return req
}

func (t *EventTranslator) onExecutionContextCreated(desc *runtime.ExecutionContextDescription) {
	if desc == nil || t.newContext == nil {
		return
	}
	auxData := []byte(desc.AuxData)
	if !gjson.ValidBytes(auxData) {
		t.logger.Errorf("EventTranslator:onExecutionContextCreated",
			"ectxid:%d invalid aux data: %q", desc.ID, auxData)
		return
	}
	frameID := cdp.FrameID(gjson.GetBytes(auxData, "frameId").String())

	var world common.World
	switch {
	case gjson.GetBytes(auxData, "isDefault").Bool():
		world = common.MainWorld
	case desc.Name == UtilityWorldName:
		world = common.UtilityWorld
	default:
		return
	}
	ec := t.newContext(desc, frameID, world)
	if ec == nil {
		return
	}
	t.logger.Debugf("EventTranslator:onExecutionContextCreated",
		"ectxid:%d fid:%v world:%s", desc.ID, frameID, world)

	t.mu.Lock()
	t.contexts[desc.ID] = trackedContext{frameID: frameID, ec: ec}
	t.mu.Unlock()

	t.fm.ExecutionContextCreated(frameID, ec)
}

func (t *EventTranslator) onExecutionContextDestroyed(id runtime.ExecutionContextID) {
	t.mu.Lock()
	tc, ok := t.contexts[id]
	delete(t.contexts, id)
	t.mu.Unlock()
	if ok {
		t.fm.ExecutionContextDestroyed(tc.frameID, tc.ec)
	}
}

func (t *EventTranslator) onExecutionContextsCleared() {
	t.mu.Lock()
	cleared := t.contexts
	t.contexts = make(map[runtime.ExecutionContextID]trackedContext)
	t.mu.Unlock()

	for _, tc := range cleared {
		t.fm.ExecutionContextDestroyed(tc.frameID, tc.ec)
	}
}

func isInternalURL(u string) bool {
	return strings.HasPrefix(u, "data:") || strings.HasPrefix(u, "blob:")
}
