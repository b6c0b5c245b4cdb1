package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liuxd6825/pageframes/log"
)

type progressState int

const (
	progressRunning progressState = iota
	progressFinished
	progressAborted
)

// Progress is handed to an operation running inside Race. Its context is
// cancelled as soon as any of the raced scopes closes or the operation
// returns.
type Progress struct {
	id     string
	api    string
	logger *log.Logger

	ctx       context.Context
	cancel    context.CancelCauseFunc
	immediate bool

	mu       sync.Mutex
	state    progressState
	callLog  []string
	cleanups []func()
}

func newProgress(logger *log.Logger, api string) *Progress {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Progress{
		id:     uuid.NewString(),
		api:    api,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the unique id of this call.
func (p *Progress) ID() string { return p.id }

// API returns the name of the operation this progress belongs to.
func (p *Progress) API() string { return p.api }

// Immediate reports whether the operation runs through Immediate and must
// not wait.
func (p *Progress) Immediate() bool { return p.immediate }

// Context is cancelled with the close reason of the first closed scope.
func (p *Progress) Context() context.Context { return p.ctx }

// Done is closed once the operation must stop.
func (p *Progress) Done() <-chan struct{} { return p.ctx.Done() }

// Err returns why the operation must stop, or nil while it may continue.
func (p *Progress) Err() error {
	if p.ctx.Err() == nil {
		return nil
	}
	return context.Cause(p.ctx)
}

// Logf records a progress line. It never affects control flow.
func (p *Progress) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	p.mu.Lock()
	p.callLog = append(p.callLog, line)
	p.mu.Unlock()
	p.logger.Debugf("Progress:"+p.api, "pid:%s %s", p.id, line)
}

// CallLog returns the lines recorded with Logf so far.
func (p *Progress) CallLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.callLog...)
}

// CleanupWhenAborted registers fn to run exactly once if the operation is
// abandoned because a scope closed. fn runs right away when that already
// happened, and never when the operation completes normally.
func (p *Progress) CleanupWhenAborted(fn func()) {
	p.mu.Lock()
	switch p.state {
	case progressRunning:
		p.cleanups = append(p.cleanups, fn)
		p.mu.Unlock()
	case progressAborted:
		p.mu.Unlock()
		fn()
	default:
		p.mu.Unlock()
	}
}

// Sleep waits for d or until the operation must stop, whichever is first.
func (p *Progress) Sleep(d time.Duration) error {
	if err := p.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	if p.immediate {
		return ErrWouldWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return p.Err()
	case <-p.ctx.Done():
		return p.Err()
	}
}

func (p *Progress) finish() {
	p.mu.Lock()
	if p.state == progressRunning {
		p.state = progressFinished
		p.cleanups = nil
	}
	p.mu.Unlock()
	p.cancel(context.Canceled)
}

func (p *Progress) abort() {
	p.mu.Lock()
	if p.state != progressRunning {
		p.mu.Unlock()
		return
	}
	p.state = progressAborted
	cleanups := p.cleanups
	p.cleanups = nil
	p.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
}

// Wait blocks until ch yields a value or p must stop. An Immediate p gets
// ErrWouldWait when ch is not ready.
func Wait[T any](p *Progress, ch <-chan T) (T, error) {
	if p.immediate {
		select {
		case v := <-ch:
			return v, nil
		default:
			var zero T
			if err := p.Err(); err != nil {
				return zero, err
			}
			return zero, ErrWouldWait
		}
	}
	select {
	case v := <-ch:
		return v, nil
	case <-p.Done():
		var zero T
		return zero, p.Err()
	}
}
