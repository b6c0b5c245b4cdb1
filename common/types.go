package common

import (
	"fmt"
	"sort"
	"strings"
)

// LifecycleEvent is one of the load milestones of a document. The zero
// value is load, the default milestone navigations wait for.
type LifecycleEvent int

const (
	LifecycleEventLoad LifecycleEvent = iota
	LifecycleEventDOMContentLoad
	LifecycleEventNetworkIdle
	LifecycleEventCommit
)

// milestone orders lifecycle events by when they fire.
func (l LifecycleEvent) milestone() int {
	switch l {
	case LifecycleEventCommit:
		return 0
	case LifecycleEventDOMContentLoad:
		return 1
	case LifecycleEventLoad:
		return 2
	case LifecycleEventNetworkIdle:
		return 3
	}
	return 4
}

func (l LifecycleEvent) String() string {
	return lifecycleEventToString[l]
}

var lifecycleEventToString = map[LifecycleEvent]string{
	LifecycleEventCommit:         "commit",
	LifecycleEventDOMContentLoad: "domcontentloaded",
	LifecycleEventLoad:           "load",
	LifecycleEventNetworkIdle:    "networkidle",
}

var lifecycleEventToID = map[string]LifecycleEvent{
	"commit":           LifecycleEventCommit,
	"domcontentloaded": LifecycleEventDOMContentLoad,
	"load":             LifecycleEventLoad,
	"networkidle":      LifecycleEventNetworkIdle,
}

// ParseLifecycleEvent returns the lifecycle event named s.
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	var l LifecycleEvent
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// MarshalText returns the string representation of the enum value.
// It returns an error if the enum value is invalid.
func (l LifecycleEvent) MarshalText() ([]byte, error) {
	s, ok := lifecycleEventToString[l]
	if !ok {
		return nil, fmt.Errorf("invalid lifecycle event: %v", int(l))
	}
	return []byte(s), nil
}

// UnmarshalText unmarshals a text representation to the enum value.
// It returns an error if given a wrong value.
func (l *LifecycleEvent) UnmarshalText(text []byte) error {
	var (
		ok  bool
		val = string(text)
	)

	if *l, ok = lifecycleEventToID[val]; !ok {
		valid := make([]string, 0, len(lifecycleEventToID))
		for k := range lifecycleEventToID {
			valid = append(valid, k)
		}
		sort.Slice(valid, func(i, j int) bool {
			return lifecycleEventToID[valid[i]].milestone() < lifecycleEventToID[valid[j]].milestone()
		})
		return fmt.Errorf(
			"invalid lifecycle event: %q; must be one of: %s",
			val, strings.Join(valid, ", "))
	}

	return nil
}

// World is an isolated evaluation realm of a frame.
type World int

const (
	MainWorld World = iota
	UtilityWorld

	worldCount = 2
)

func (w World) String() string {
	switch w {
	case MainWorld:
		return "main"
	case UtilityWorld:
		return "utility"
	}
	return fmt.Sprintf("world(%d)", int(w))
}

func (w World) valid() bool {
	return w >= 0 && w < worldCount
}
