// Package env holds the environment variable names read by this module and
// lookup helpers that make them injectable in tests.
package env

import (
	"os"
	"strings"
)

// Environment variables.
const (
	// Timeout is the default timeout of actions and waits.
	Timeout = "PAGEFRAMES_TIMEOUT"

	// NavigationTimeout is the default timeout of navigations. It falls back
	// to Timeout.
	NavigationTimeout = "PAGEFRAMES_NAVIGATION_TIMEOUT"

	// NetworkIdleWindow is the quiet window after which a frame without
	// in-flight requests is considered idle.
	NetworkIdleWindow = "PAGEFRAMES_NETWORK_IDLE_WINDOW"

	// LogLevel sets the logger level.
	LogLevel = "PAGEFRAMES_LOG_LEVEL"

	// LogCategoryFilter is a regular expression over log categories.
	LogCategoryFilter = "PAGEFRAMES_LOG_CATEGORY_FILTER"

	// LogFile is a path that log lines are copied to.
	LogFile = "PAGEFRAMES_LOG_FILE"

	// Debug turns on debug output regardless of the log level.
	Debug = "PAGEFRAMES_DEBUG"

	// WebSocketURLs holds the CDP websocket URL(s) of a remote browser.
	WebSocketURLs = "PAGEFRAMES_WS_URL"

	// Traces configures the OpenTelemetry trace exporter.
	Traces = "PAGEFRAMES_TRACES"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// Lookup is a LookupFunc that uses os.LookupEnv.
func Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// ConstLookup is a LookupFunc that returns value for key.
func ConstLookup(key, value string) LookupFunc {
	return func(k string) (string, bool) {
		if k == key {
			return value, true
		}
		return "", false
	}
}

// MapLookup is a LookupFunc over a map.
func MapLookup(vars map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// IsRemoteBrowser returns true and the corresponding CDP
// WS URLs when set through the PAGEFRAMES_WS_URL environment
// variable. Otherwise returns false and nil.
//
// PAGEFRAMES_WS_URL can be defined as a single WS URL or a
// comma separated list of URLs.
func IsRemoteBrowser(envLookup LookupFunc) ([]string, bool) {
	wsURL, isRemote := envLookup(WebSocketURLs)
	if !isRemote || strings.TrimSpace(wsURL) == "" {
		return nil, false
	}
	return ParseWebSocketURLs(wsURL), true
}

// ParseWebSocketURLs splits a comma separated list of URLs, dropping empty
// entries.
func ParseWebSocketURLs(s string) []string {
	var urls []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}
