package nodeclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/settings"
)

func init() {
	relayBackoff = 10 * time.Millisecond
	directBackoff = 10 * time.Millisecond
}

type nodeMap map[string]*database.Node

func (m nodeMap) GetNode(id string) (*database.Node, error) {
	n, ok := m[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return n, nil
}

type relaySettings settings.Relay

func (r relaySettings) LoadRelay() (settings.Relay, error) { return settings.Relay(r), nil }

type relayState bool

func (r relayState) IsRunning() bool { return bool(r) }

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return p
}

func TestResolveEndpoint(t *testing.T) {
	node := &database.Node{ID: "n1", Metadata: database.NodeMetadata{APIAddress: "10.0.0.5:8888", FRPRemotePort: 17001}}

	tests := []struct {
		name     string
		rs       relaySettings
		running  bool
		port     int
		wantURL  string
		wantRely bool
	}{
		{"relay disabled", relaySettings{}, true, 17001, "http://10.0.0.5:8888", false},
		{"relay ready", relaySettings{Enabled: true}, true, 17001, "http://127.0.0.1:17001", true},
		{"no remote port yet", relaySettings{Enabled: true}, true, 0, "http://10.0.0.5:8888", false},
		{"frps not running", relaySettings{Enabled: true}, false, 17001, "http://10.0.0.5:8888", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := *node
			n.Metadata.FRPRemotePort = tt.port
			c := New(nodeMap{}, tt.rs, relayState(tt.running), true)
			ep := c.ResolveEndpoint(&n)
			if ep.BaseURL != tt.wantURL || ep.ViaRelay != tt.wantRely {
				t.Errorf("ResolveEndpoint = %+v, want %s relay=%v", ep, tt.wantURL, tt.wantRely)
			}
		})
	}
}

func TestResolveEndpoint_NilRelayManager(t *testing.T) {
	c := New(nodeMap{}, relaySettings{Enabled: true}, nil, true)
	n := &database.Node{ID: "n1", Metadata: database.NodeMetadata{APIAddress: "http://[fd00::5]:8888/", FRPRemotePort: 17001}}
	ep := c.ResolveEndpoint(n)
	if ep.ViaRelay || ep.BaseURL != "http://[fd00::5]:8888" {
		t.Errorf("got %+v", ep)
	}
}

func TestApplyTunnel_Success(t *testing.T) {
	var got ApplyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ApplyPath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","message":"applied"}`))
	}))
	defer srv.Close()

	nodes := nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}}
	c := New(nodes, relaySettings{}, nil, true)

	res := c.ApplyTunnel(context.Background(), "n1", ApplyRequest{
		TunnelID: "t1", Core: "rathole", Type: "tcp", Spec: map[string]any{"mode": "server"},
	})
	if !res.OK() || res.Message != "applied" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.TunnelID != "t1" || got.Core != "rathole" || got.Spec["mode"] != "server" {
		t.Errorf("agent received %+v", got)
	}
}

func TestSend_AgentReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"core binary missing"}`))
	}))
	defer srv.Close()

	c := New(nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}}, nil, nil, true)
	res := c.Send(context.Background(), "n1", ApplyPath, map[string]any{})
	if res.OK() || res.Status != StatusError || res.Message != "core binary missing" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSend_HTTPStatusNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"invalid spec"}`))
	}))
	defer srv.Close()

	c := New(nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}}, nil, nil, true)
	res := c.Send(context.Background(), "n1", ApplyPath, nil)

	if res.Kind != KindHTTPStatus || res.Message != "Node error (HTTP 422): invalid spec" {
		t.Errorf("unexpected result %+v", res)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestSend_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>proxy</html>"))
	}))
	defer srv.Close()

	c := New(nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}}, nil, nil, true)
	if res := c.Send(context.Background(), "n1", ApplyPath, nil); res.Kind != KindDecode || res.Status != StatusError {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSend_DirectConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: "http://" + addr}}}, nil, nil, true)
	res := c.Send(context.Background(), "n1", ApplyPath, nil)

	if res.Status != StatusError || res.Kind != KindConnect {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.Message, "Network error: ") {
		t.Errorf("message = %q", res.Message)
	}
	if strings.Contains(res.Message, "relay") {
		t.Error("direct failures must not carry the relay hint")
	}
}

func TestSend_RelayRetriesUntilTunnelSettles(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijack unsupported")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		if r.Header.Get("Connection") != "close" && !r.Close {
			t.Error("relay requests must not use keep-alive")
		}
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	node := &database.Node{ID: "n1", Metadata: database.NodeMetadata{
		APIAddress:    "http://192.0.2.1:8888",
		FRPRemotePort: serverPort(t, srv),
		FRPConnected:  true,
	}}
	c := New(nodeMap{"n1": node}, relaySettings{Enabled: true, Port: 7000}, relayState(true), true)

	res := c.Send(context.Background(), "n1", ApplyPath, map[string]any{})
	if !res.OK() || !res.ViaRelay {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestSend_RelayExhaustedAddsHint(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		conn, _, _ := w.(http.Hijacker).Hijack()
		conn.Close()
	}))
	defer srv.Close()

	node := &database.Node{ID: "n1", Metadata: database.NodeMetadata{FRPRemotePort: serverPort(t, srv)}}
	c := New(nodeMap{"n1": node}, relaySettings{Enabled: true}, relayState(true), true)

	res := c.Send(context.Background(), "n1", ApplyPath, nil)
	if res.Status != StatusError || !strings.Contains(res.Message, "relay tunnel connection failed after 5 attempts") {
		t.Errorf("unexpected result %+v", res)
	}
	if n := atomic.LoadInt32(&calls); n != int32(relayAttempts) {
		t.Errorf("calls = %d, want %d", n, relayAttempts)
	}
}

func TestSend_UnknownNode(t *testing.T) {
	c := New(nodeMap{}, nil, nil, true)
	res := c.Send(context.Background(), "ghost", ApplyPath, nil)
	if res.Kind != KindNotFound || res.Message != "Node ghost not found" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestProbeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StatusPath || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok","tunnels":2}`))
	}))
	defer srv.Close()

	c := New(nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}}, nil, nil, true)
	res := c.ProbeStatus(context.Background(), "n1")
	if !res.OK() || res.Status != "ok" || res.Data["tunnels"] != float64(2) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestProbeStatus_TimeoutNotRetried(t *testing.T) {
	old := probeTimeout
	probeTimeout = 100 * time.Millisecond
	t.Cleanup(func() { probeTimeout = old })

	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(nodeMap{"n1": {ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}}, nil, nil, true)
	res := c.ProbeStatus(context.Background(), "n1")
	if res.Kind != KindTimeout {
		t.Errorf("kind = %v, want timeout (%+v)", res.Kind, res)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestStatusChecks_ReuseConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	node := &database.Node{ID: "n1", Metadata: database.NodeMetadata{APIAddress: srv.URL}}
	c := New(nodeMap{"n1": node}, nil, nil, true)

	// Warm up so the pooled connection exists before counting.
	if res := c.ProbeNode(context.Background(), node); !res.OK() {
		t.Fatalf("warm-up status check failed: %+v", res)
	}
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		if res := c.ProbeNode(context.Background(), node); !res.OK() {
			t.Fatalf("status check %d failed: %+v", i, res)
		}
	}
	if after := runtime.NumGoroutine(); after > before+10 {
		t.Errorf("goroutines grew from %d to %d across 50 status checks", before, after)
	}
}

func TestHTTPClient_TransportSelection(t *testing.T) {
	c := New(nodeMap{}, nil, nil, true)
	if got := c.httpClient(false, time.Second, probeConnectTimeout).Transport; got != c.probe {
		t.Error("direct status checks must use the shared status transport")
	}
	if got := c.httpClient(false, time.Second, 0).Transport; got != c.direct {
		t.Error("direct calls must use the shared transport")
	}
	relay := c.httpClient(true, time.Second, 0).Transport.(*http.Transport)
	if !relay.DisableKeepAlives {
		t.Error("relay attempts must not keep idle connections")
	}
	bare := (&Client{}).httpClient(false, time.Second, probeConnectTimeout).Transport.(*http.Transport)
	if !bare.DisableKeepAlives {
		t.Error("one-shot transports must not keep idle connections")
	}
}
