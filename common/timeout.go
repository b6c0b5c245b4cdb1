package common

import (
	"time"

	"github.com/liuxd6825/pageframes/config"
)

// TimeoutSettings holds the default timeouts of a page. Unset values are
// looked up in the parent, then fall back to DefaultTimeout.
type TimeoutSettings struct {
	parent                   *TimeoutSettings
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	t := &TimeoutSettings{
		parent:                   parent,
		defaultTimeout:           nil,
		defaultNavigationTimeout: nil,
	}
	return t
}

// TimeoutSettingsFromConfig seeds a root TimeoutSettings from c.
func TimeoutSettingsFromConfig(c config.Config) *TimeoutSettings {
	t := NewTimeoutSettings(nil)
	if c.Timeout.Valid {
		t.SetDefaultTimeout(c.ActionTimeout())
	}
	if c.NavigationTimeout.Valid {
		t.SetDefaultNavigationTimeout(c.DefaultNavigationTimeout())
	}
	return t
}

// SetDefaultTimeout sets the timeout of actions and, unless set
// separately, navigations.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.defaultTimeout = &timeout
}

// SetDefaultNavigationTimeout sets the timeout of navigations.
func (t *TimeoutSettings) SetDefaultNavigationTimeout(timeout time.Duration) {
	t.defaultNavigationTimeout = &timeout
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	if t.defaultNavigationTimeout != nil {
		return *t.defaultNavigationTimeout
	}
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.navigationTimeout()
	}
	return DefaultTimeout
}

func (t *TimeoutSettings) timeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.timeout()
	}
	return DefaultTimeout
}

// pick returns override when positive, fallback otherwise.
func pick(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}
