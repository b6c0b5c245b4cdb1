package common

import (
	"fmt"
	"strconv"
	"time"

	"github.com/liuxd6825/pageframes/config"
)

// FrameGotoOptions are the options of Frame.Goto.
type FrameGotoOptions struct {
	Referer   string         `json:"referer"`
	Timeout   time.Duration  `json:"timeout"`
	WaitUntil LifecycleEvent `json:"waitUntil"`
}

// FrameWaitForNavigationOptions are the options of Frame.WaitForNavigation.
type FrameWaitForNavigationOptions struct {
	// URL is a glob the URL navigated to must match. Empty matches any.
	URL       string         `json:"url"`
	Timeout   time.Duration  `json:"timeout"`
	WaitUntil LifecycleEvent `json:"waitUntil"`
}

// FrameWaitForLoadStateOptions are the options of Frame.WaitForLoadState.
type FrameWaitForLoadStateOptions struct {
	Timeout time.Duration `json:"timeout"`
}

// FrameBaseOptions are shared by every selector based operation.
type FrameBaseOptions struct {
	Timeout time.Duration `json:"timeout"`
	// Strict requires the selector to match exactly one element.
	Strict bool `json:"strict"`
}

// FrameActionOptions are the options of pointer and keyboard actions.
type FrameActionOptions struct {
	FrameBaseOptions
	Force       bool          `json:"force"`
	NoWaitAfter bool          `json:"noWaitAfter"`
	Delay       time.Duration `json:"delay"`
}

// FrameWaitForSelectorOptions are the options of Frame.WaitForSelector.
type FrameWaitForSelectorOptions struct {
	FrameBaseOptions
	// State is one of attached, detached, visible and hidden.
	State string `json:"state"`
}

// FrameExpectOptions are the options of Frame.Expect.
type FrameExpectOptions struct {
	FrameBaseOptions
}

// NewFrameGotoOptions returns goto options with the given defaults.
func NewFrameGotoOptions(defaultReferer string, defaultTimeout time.Duration) *FrameGotoOptions {
	return &FrameGotoOptions{
		Referer:   defaultReferer,
		Timeout:   defaultTimeout,
		WaitUntil: LifecycleEventLoad,
	}
}

// Parse reads goto options from a decoded options object.
func (o *FrameGotoOptions) Parse(opts map[string]any) error {
	for k, v := range opts {
		var err error
		switch k {
		case "referer":
			o.Referer, err = parseString(k, v)
		case "timeout":
			o.Timeout, err = parseTimeout(v)
		case "waitUntil":
			o.WaitUntil, err = parseWaitUntil(v)
		}
		if err != nil {
			return fmt.Errorf("error parsing goto options: %w", err)
		}
	}
	return nil
}

// NewFrameWaitForNavigationOptions returns options with the given default timeout.
func NewFrameWaitForNavigationOptions(defaultTimeout time.Duration) *FrameWaitForNavigationOptions {
	return &FrameWaitForNavigationOptions{
		Timeout:   defaultTimeout,
		WaitUntil: LifecycleEventLoad,
	}
}

// Parse reads wait for navigation options from a decoded options object.
func (o *FrameWaitForNavigationOptions) Parse(opts map[string]any) error {
	for k, v := range opts {
		var err error
		switch k {
		case "url":
			o.URL, err = parseString(k, v)
		case "timeout":
			o.Timeout, err = parseTimeout(v)
		case "waitUntil":
			o.WaitUntil, err = parseWaitUntil(v)
		}
		if err != nil {
			return fmt.Errorf("error parsing waitForNavigation options: %w", err)
		}
	}
	return nil
}

// NewFrameActionOptions returns action options with the given default timeout.
func NewFrameActionOptions(defaultTimeout time.Duration) *FrameActionOptions {
	return &FrameActionOptions{
		FrameBaseOptions: FrameBaseOptions{Timeout: defaultTimeout},
	}
}

// Parse reads action options from a decoded options object.
func (o *FrameActionOptions) Parse(opts map[string]any) error {
	for k, v := range opts {
		var err error
		switch k {
		case "timeout":
			o.Timeout, err = parseTimeout(v)
		case "strict":
			o.Strict, err = parseBool(k, v)
		case "force":
			o.Force, err = parseBool(k, v)
		case "noWaitAfter":
			o.NoWaitAfter, err = parseBool(k, v)
		case "delay":
			o.Delay, err = parseTimeout(v)
		}
		if err != nil {
			return fmt.Errorf("error parsing action options: %w", err)
		}
	}
	return nil
}

// NewFrameWaitForSelectorOptions returns options waiting for visibility.
func NewFrameWaitForSelectorOptions(defaultTimeout time.Duration) *FrameWaitForSelectorOptions {
	return &FrameWaitForSelectorOptions{
		FrameBaseOptions: FrameBaseOptions{Timeout: defaultTimeout},
		State:            ElementStateVisible,
	}
}

// Parse reads wait for selector options from a decoded options object.
func (o *FrameWaitForSelectorOptions) Parse(opts map[string]any) error {
	for k, v := range opts {
		var err error
		switch k {
		case "timeout":
			o.Timeout, err = parseTimeout(v)
		case "strict":
			o.Strict, err = parseBool(k, v)
		case "state":
			o.State, err = parseString(k, v)
			if err == nil {
				err = validateElementState(o.State)
			}
		}
		if err != nil {
			return fmt.Errorf("error parsing waitForSelector options: %w", err)
		}
	}
	return nil
}

func validateElementState(state string) error {
	switch state {
	case ElementStateAttached, ElementStateDetached, ElementStateVisible, ElementStateHidden:
		return nil
	}
	return fmt.Errorf("invalid state %q; must be one of: attached, detached, visible, hidden", state)
}

func parseTimeout(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case string:
		d, err := config.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("timeout: %w", err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("timeout: unsupported type %T", v)
}

func parseWaitUntil(v any) (LifecycleEvent, error) {
	s, err := parseString("waitUntil", v)
	if err != nil {
		return 0, err
	}
	return ParseLifecycleEvent(s)
}

func parseString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected a string, got %T", key, v)
	}
	return s, nil
}

func parseBool(key string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("%s: expected a boolean, got %T", key, v)
}
