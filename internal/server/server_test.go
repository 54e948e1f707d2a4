package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbes/netmeter/internal/broadcast"
	"github.com/bigbes/netmeter/internal/config"
	"github.com/bigbes/netmeter/internal/kvstore"
	"github.com/bigbes/netmeter/internal/logging"
	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/traffic"
)

type recordingSink struct {
	mu        sync.Mutex
	requests  []traffic.RequestDetails
	responses [][]traffic.Header
	completed int
}

func (r *recordingSink) ObserveRequest(d traffic.RequestDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, d)
}

func (r *recordingSink) ObserveResponse(h []traffic.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, h)
}

func (r *recordingSink) ObserveCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func newTestServer(t *testing.T, token string, sink EventSink) (*httptest.Server, *monitor.Monitor) {
	t.Helper()
	m := monitor.New(kvstore.NewMemory(), monitor.Options{}, logging.Discard())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
	if sink == nil {
		sink = m
	}

	s := New(
		protocol.NewDispatcher(m, logging.Discard()),
		sink,
		broadcast.New(m, logging.Discard()),
		"127.0.0.1:0",
		token,
		logging.Discard(),
	)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, m
}

func post(t *testing.T, url, token, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestMessageEndpoint(t *testing.T) {
	srv, m := newTestServer(t, "", nil)

	code, body := post(t, srv.URL+"/api/message", "", `{"action":"startMonitoring"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success":true}`, body)
	assert.True(t, m.Settings().Monitoring)

	code, body = post(t, srv.URL+"/api/message", "", `{"action":"setUpdateInterval","interval":50}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"error":"invalid update interval"}`, body)

	code, body = post(t, srv.URL+"/api/message", "", `{"action":"shutdown"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.JSONEq(t, `{"error":"unauthorized action"}`, body)

	code, _ = post(t, srv.URL+"/api/message", "", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	resp, err := http.Get(srv.URL + "/api/message")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, "", sink)

	code, body := post(t, srv.URL+"/api/events", "", `[
		{"type":"request","request":{"headers":[{"name":"Host","value":"example.com"}]}},
		{"type":"response","headers":[{"name":"Content-Length","value":"512"}]},
		{"type":"completed"},
		{"type":"request"}
	]`)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"accepted":4}`, body)

	sink.mu.Lock()
	require.Len(t, sink.requests, 2)
	assert.Equal(t, "example.com", sink.requests[0].Headers[0].Value)
	assert.Empty(t, sink.requests[1].Headers)
	require.Len(t, sink.responses, 1)
	assert.Equal(t, 1, sink.completed)
	sink.mu.Unlock()

	code, _ = post(t, srv.URL+"/api/events", "", `{"type":"completed"}`)
	assert.Equal(t, http.StatusOK, code)

	code, _ = post(t, srv.URL+"/api/events", "", `[{"type":"completed"},{"type":"bogus"}]`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = post(t, srv.URL+"/api/events", "", ``)
	assert.Equal(t, http.StatusBadRequest, code)

	sink.mu.Lock()
	assert.Equal(t, 2, sink.completed)
	sink.mu.Unlock()
}

func TestEventsFeedMonitor(t *testing.T) {
	srv, m := newTestServer(t, "", nil)
	require.NoError(t, m.StartMonitoring(context.Background()))

	code, _ := post(t, srv.URL+"/api/events", "", `[
		{"type":"request","request":{"body":{"raw":[{"byteLength":1024}]}}},
		{"type":"response","headers":[{"name":"Content-Length","value":"2048"}]}
	]`)
	require.Equal(t, http.StatusOK, code)

	c := m.Counters(traffic.SourcePrimary)
	assert.Equal(t, uint64(1024*8), c.SentBits)
	assert.Equal(t, uint64(2048*8), c.ReceivedBits)
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret", nil)

	code, body := post(t, srv.URL+"/api/message", "", `{"action":"getSettings"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, body)

	code, _ = post(t, srv.URL+"/api/message", "wrong", `{"action":"getSettings"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = post(t, srv.URL+"/api/message", "s3cret", `{"action":"getSettings"}`)
	assert.Equal(t, http.StatusOK, code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/widget"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=s3cret", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestWidgetEndpointGreets(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/widget"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"updateWidgetData"`)
}

func TestObservabilityHandler(t *testing.T) {
	h := ObservabilityHandler(config.ObservabilityConfig{Metrics: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "netmeter_monitor_enabled")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
