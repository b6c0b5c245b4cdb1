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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/liuxd6825/pageframes/scope"
)

// DocumentInfo identifies a committed or pending document of a frame.
type DocumentInfo struct {
	documentID string
	request    *Request
}

// ID returns the document id. It is empty until the browser assigned one.
func (d *DocumentInfo) ID() string {
	if d == nil {
		return ""
	}
	return d.documentID
}

// Request returns the navigation request that loads the document, if known.
func (d *DocumentInfo) Request() *Request {
	if d == nil {
		return nil
	}
	return d.request
}

// Request represents a network request made within a page.
type Request struct {
	requestID           network.RequestID
	frameID             cdp.FrameID
	documentID          string
	url                 *url.URL
	method              string
	headers             map[string][]string
	resourceType        string
	isNavigationRequest bool
	timestamp           time.Time

	redirectedFrom *Request

	mu           sync.Mutex
	frame        *Frame
	redirectedTo *Request
	response     *Response
	errorText    string
	settled      bool
	settledCh    chan struct{}
}

// NewRequest creates a request from a Network.requestWillBeSent event.
// redirectedFrom is the request this one is a redirect of, if any.
func NewRequest(event *network.EventRequestWillBeSent, redirectedFrom *Request) (*Request, error) {
	if event == nil || event.Request == nil {
		return nil, fmt.Errorf("creating request: missing request payload")
	}

	u, err := url.Parse(event.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}

	isNavigation := string(event.RequestID) == string(event.LoaderID) &&
		event.Type == network.ResourceTypeDocument
	documentID := ""
	if isNavigation {
		documentID = event.LoaderID.String()
	}

	r := &Request{
		requestID:           event.RequestID,
		frameID:             event.FrameID,
		documentID:          documentID,
		url:                 u,
		method:              event.Request.Method,
		headers:             make(map[string][]string),
		resourceType:        event.Type.String(),
		isNavigationRequest: isNavigation,
		redirectedFrom:      redirectedFrom,
		settledCh:           make(chan struct{}),
	}
	if event.Timestamp != nil {
		r.timestamp = event.Timestamp.Time()
	}
	for n, v := range event.Request.Headers {
		if s, ok := v.(string); ok {
			r.headers[n] = append(r.headers[n], s)
		}
	}
	if redirectedFrom != nil {
		redirectedFrom.mu.Lock()
		redirectedFrom.redirectedTo = r
		redirectedFrom.mu.Unlock()
	}

	return r, nil
}

// ID returns the protocol request id.
func (r *Request) ID() network.RequestID { return r.requestID }

// FrameID returns the id of the frame that issued the request.
func (r *Request) FrameID() cdp.FrameID { return r.frameID }

// DocumentID returns the id of the document a navigation request loads.
func (r *Request) DocumentID() string { return r.documentID }

// URL returns the request URL.
func (r *Request) URL() string { return r.url.String() }

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// ResourceType returns the protocol resource type.
func (r *Request) ResourceType() string { return r.resourceType }

// IsNavigationRequest returns whether this was a navigation request or not.
func (r *Request) IsNavigationRequest() bool { return r.isNavigationRequest }

// Timestamp returns when the request was sent.
func (r *Request) Timestamp() time.Time { return r.timestamp }

// Headers returns the request headers.
func (r *Request) Headers() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[strings.ToLower(n)] = strings.Join(v, ",")
	}
	return headers
}

// Frame returns the frame within which the request was made.
func (r *Request) Frame() *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

func (r *Request) setFrame(f *Frame) {
	r.mu.Lock()
	r.frame = f
	r.mu.Unlock()
}

// RedirectedFrom returns the request this one is a redirect of.
func (r *Request) RedirectedFrom() *Request { return r.redirectedFrom }

// RedirectedTo returns the redirect issued for this request, if any.
func (r *Request) RedirectedTo() *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirectedTo
}

// Failure returns the error text of a failed request.
func (r *Request) Failure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorText
}

// Response returns the response received so far, if any.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

func (r *Request) finalRequest() *Request {
	req := r
	for {
		next := req.RedirectedTo()
		if next == nil {
			return req
		}
		req = next
	}
}

func (r *Request) setResponse(resp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.response = resp
	r.settleLocked()
}

func (r *Request) setFailed(errorText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorText = errorText
	r.settleLocked()
}

func (r *Request) setFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settleLocked()
}

func (r *Request) settleLocked() {
	if !r.settled {
		r.settled = true
		close(r.settledCh)
	}
}

// waitForResponse waits until the request received a response or ended
// without one, in which case the response is nil.
func (r *Request) waitForResponse(p *scope.Progress) (*Response, error) {
	if _, err := scope.Wait(p, r.settledCh); err != nil {
		return nil, err
	}
	return r.Response(), nil
}

// Response represents a network response of a Request.
type Response struct {
	request    *Request
	url        string
	status     int64
	statusText string
	protocol   string
	headers    map[string][]string
	timestamp  time.Time
}

// NewResponse creates a response of req from a protocol response.
func NewResponse(req *Request, resp *network.Response, timestamp *cdp.MonotonicTime) *Response {
	r := &Response{
		request:    req,
		url:        resp.URL,
		status:     resp.Status,
		statusText: resp.StatusText,
		protocol:   resp.Protocol,
		headers:    make(map[string][]string),
	}
	if timestamp != nil {
		r.timestamp = timestamp.Time()
	}
	for n, v := range resp.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		r.headers[n] = append(r.headers[n], s)
	}
	return r
}

// Request returns the request this is a response of.
func (r *Response) Request() *Request { return r.request }

// URL returns the response URL.
func (r *Response) URL() string { return r.url }

// Status returns the HTTP status code.
func (r *Response) Status() int64 { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// Protocol returns the protocol used, e.g. "h2".
func (r *Response) Protocol() string { return r.protocol }

// Ok reports whether the status is 2xx.
func (r *Response) Ok() bool { return r.status == 0 || (r.status >= 200 && r.status < 300) }

// Timestamp returns when the response was received.
func (r *Response) Timestamp() time.Time { return r.timestamp }

// HeaderValue returns the value of header name, joined with commas.
func (r *Response) HeaderValue(name string) (string, bool) {
	for n, v := range r.headers {
		if strings.EqualFold(n, name) {
			return strings.Join(v, ","), true
		}
	}
	return "", false
}

// ResponseRegistry looks responses up by request id across every page of a
// browser. It is owned by whoever builds the frame managers and passed to
// them explicitly.
type ResponseRegistry struct {
	mu        sync.RWMutex
	responses map[network.RequestID]*Response
}

// NewResponseRegistry returns an empty registry.
func NewResponseRegistry() *ResponseRegistry {
	return &ResponseRegistry{responses: make(map[network.RequestID]*Response)}
}

// Register stores resp under its request id.
func (r *ResponseRegistry) Register(resp *Response) {
	if r == nil || resp == nil || resp.request == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[resp.request.requestID] = resp
}

// Lookup returns the response registered for id.
func (r *ResponseRegistry) Lookup(id network.RequestID) (*Response, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	resp, ok := r.responses[id]
	return resp, ok
}

// Remove forgets the response registered for id.
func (r *ResponseRegistry) Remove(id network.RequestID) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.responses, id)
}

// Len returns the number of registered responses.
func (r *ResponseRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.responses)
}
