package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadnode/internal/config"
	"github.com/zde37/kadnode/internal/kademlia"
	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// discardSender drops every datagram.
type discardSender struct{}

func (discardSender) Send(netip.AddrPort, []byte) error { return nil }

func newTestServer(t *testing.T) (*Server, *kademlia.Node) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond

	node, err := kademlia.NewNode(cfg, pkg.NewNop(), discardSender{})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(func() { _ = node.Shutdown() })

	s, err := NewServer(node, pkg.NewNop())
	require.NoError(t, err)
	return s, node
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, pkg.NewNop())
	assert.Error(t, err)

	_, node := newTestServer(t)
	_, err = NewServer(node, nil)
	assert.Error(t, err)
}

func TestServer_Routes(t *testing.T) {
	s, node := newTestServer(t)
	handler := s.Handler()

	peer := wire.Contact{ID: hash.HashKey([]byte("peer")), Addr: netip.MustParseAddr("10.1.1.1"), Port: 4000}
	node.RoutingTable().Update(peer)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		check      func(t *testing.T, body string)
	}{
		{
			name:       "health",
			method:     http.MethodGet,
			path:       "/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				assert.JSONEq(t, `{"status":"ok"}`, body)
			},
		},
		{
			name:       "node info",
			method:     http.MethodGet,
			path:       "/api/node",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				var resp nodeResponse
				require.NoError(t, json.Unmarshal([]byte(body), &resp))
				assert.Equal(t, node.ID().String(), resp.ID)
				assert.Equal(t, 20, resp.K)
				assert.Equal(t, 1, resp.Stats.Contacts)
			},
		},
		{
			name:       "routing table",
			method:     http.MethodGet,
			path:       "/api/routing",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				var resp struct {
					Buckets []bucketResponse `json:"buckets"`
				}
				require.NoError(t, json.Unmarshal([]byte(body), &resp))
				require.Len(t, resp.Buckets, 1)
				require.Len(t, resp.Buckets[0].Contacts, 1)
				assert.Equal(t, peer.ID.String(), resp.Buckets[0].Contacts[0].ID)
				assert.Equal(t, "10.1.1.1:4000", resp.Buckets[0].Contacts[0].Address)
			},
		},
		{
			name:       "put value",
			method:     http.MethodPut,
			path:       "/api/values/greeting",
			body:       "hello",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				// the only peer never answers, so nothing is replicated
				assert.Contains(t, body, `"key":"greeting"`)
			},
		},
		{
			name:       "get stored value",
			method:     http.MethodGet,
			path:       "/api/values/greeting",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				assert.Equal(t, "hello", body)
			},
		},
		{
			name:       "list local keys",
			method:     http.MethodGet,
			path:       "/api/values",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				assert.JSONEq(t, `{"keys":["greeting"]}`, body)
			},
		},
		{
			name:       "value too long",
			method:     http.MethodPut,
			path:       "/api/values/big",
			body:       strings.Repeat("x", wire.MaxFieldLength+1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "lookup invalid id",
			method:     http.MethodGet,
			path:       "/api/lookup/nothex",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "lookup with silent peers",
			method:     http.MethodGet,
			path:       "/api/lookup/" + peer.ID.String(),
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				var resp lookupResponse
				require.NoError(t, json.Unmarshal([]byte(body), &resp))
				assert.Equal(t, 1, resp.Rounds)
				assert.NotEmpty(t, resp.LookupID)
			},
		},
		{
			name:       "delete local value",
			method:     http.MethodDelete,
			path:       "/api/values/greeting",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "deleted value is gone",
			method:     http.MethodGet,
			path:       "/api/values/greeting",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "remove contact",
			method:     http.MethodDelete,
			path:       "/api/routing/" + peer.ID.String(),
			wantStatus: http.StatusNoContent,
			check: func(t *testing.T, body string) {
				assert.False(t, node.RoutingTable().Contains(peer.ID))
			},
		},
		{
			name:       "remove unknown contact",
			method:     http.MethodDelete,
			path:       "/api/routing/" + peer.ID.String(),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "cors preflight",
			method:     http.MethodOptions,
			path:       "/api/values/x",
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong method",
			method:     http.MethodPost,
			path:       "/api/values/x",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.check != nil {
				tt.check(t, rec.Body.String())
			}
		})
	}
}

func TestServer_MissingValue(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/values/absent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestServer_LookupWithoutContacts(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lookup/"+hash.Zero.String(), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_WebSocketEvents(t *testing.T) {
	s, node := newTestServer(t)
	s.wsHub.Start()
	defer s.wsHub.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return s.wsHub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	peer := wire.Contact{ID: hash.HashKey([]byte("ws-peer")), Addr: netip.MustParseAddr("10.2.2.2"), Port: 5000}
	require.Equal(t, kademlia.Added, node.RoutingTable().Update(peer))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event kademlia.RoutingEvent
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, kademlia.EventContactAdded, event.Type)
	assert.Equal(t, peer.ID.String(), event.NodeID)
	assert.Equal(t, "10.2.2.2:5000", event.Address)
}

func TestServer_StartStop(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start(0))
	require.NotEmpty(t, s.Addr())

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, s.Stop())
}
