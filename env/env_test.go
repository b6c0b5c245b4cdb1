package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRemoteBrowser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lookup   LookupFunc
		wantURLs []string
		isRemote bool
	}{
		{"unset", EmptyLookup, nil, false},
		{"empty", ConstLookup(WebSocketURLs, " "), nil, false},
		{"single", ConstLookup(WebSocketURLs, "ws://127.0.0.1:9222/devtools/browser/a"), []string{"ws://127.0.0.1:9222/devtools/browser/a"}, true},
		{
			"list_with_trailing_comma",
			MapLookup(map[string]string{WebSocketURLs: "ws://a:1/x, ws://b:2/y,"}),
			[]string{"ws://a:1/x", "ws://b:2/y"},
			true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			urls, ok := IsRemoteBrowser(tt.lookup)
			assert.Equal(t, tt.isRemote, ok)
			assert.Equal(t, tt.wantURLs, urls)
		})
	}
}
