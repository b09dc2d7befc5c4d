package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadnode/pkg"
)

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list accepts any origin", nil, "http://anywhere.example", true},
		{"wildcard accepts any origin", []string{"*"}, "http://anywhere.example", true},
		{"listed origin", []string{"http://admin.local"}, "http://admin.local", true},
		{"unlisted origin", []string{"http://admin.local"}, "http://evil.example", false},
		{"no origin header", []string{"http://admin.local"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestWebSocketHub_RejectsUnlistedOrigin(t *testing.T) {
	hub := NewWebSocketHub(pkg.NewNop(), []string{"http://admin.local"})
	hub.Start()
	defer hub.Stop()

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount())

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://admin.local"}})
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)
}
