package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/nodeclient"
	"github.com/cimex/control-plane/internal/settings"
	"github.com/cimex/control-plane/internal/translate"
)

type fakeStore struct {
	tunnels []database.Tunnel
	nodes   []*database.Node
}

func (f *fakeStore) ListActiveTunnels() ([]database.Tunnel, error) { return f.tunnels, nil }

func (f *fakeStore) GetNode(id string) (*database.Node, error) {
	for _, n := range f.nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) FirstNodeWithRole(role database.Role) (*database.Node, error) {
	for _, n := range f.nodes {
		if n.Metadata.Role == role {
			return n, nil
		}
	}
	return nil, database.ErrNotFound
}

type push struct {
	nodeID string
	req    nodeclient.ApplyRequest
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
	fail   map[string]bool
	panics map[string]bool
}

func (f *fakePusher) ApplyTunnel(ctx context.Context, nodeID string, req nodeclient.ApplyRequest) nodeclient.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[req.TunnelID] {
		panic("agent response handler blew up")
	}
	f.pushes = append(f.pushes, push{nodeID, req})
	if f.fail[nodeID] {
		return nodeclient.Result{Status: nodeclient.StatusError, Message: "Network error: connection refused", Kind: nodeclient.KindConnect}
	}
	return nodeclient.Result{Status: nodeclient.StatusSuccess}
}

func (f *fakePusher) snapshot() []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push(nil), f.pushes...)
}

type reapplySettings struct {
	mu sync.Mutex
	r  settings.Reapply
}

func (s *reapplySettings) LoadReapply() (settings.Reapply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r, nil
}

func (s *reapplySettings) set(r settings.Reapply) {
	s.mu.Lock()
	s.r = r
	s.mu.Unlock()
}

var (
	iranNode    = &database.Node{ID: "I", Metadata: database.NodeMetadata{IPAddress: "10.0.0.5", Role: database.RoleIran}}
	foreignNode = &database.Node{ID: "O", Metadata: database.NodeMetadata{IPAddress: "198.51.100.9", Role: database.RoleForeign}}
)

func newScheduler(store *fakeStore, p *fakePusher) *Scheduler {
	return &Scheduler{
		Tunnels:  store,
		Nodes:    store,
		Settings: &reapplySettings{r: settings.DefaultReapply()},
		Pusher:   p,
	}
}

func TestRunOnce_RatholeEndToEnd(t *testing.T) {
	tun := database.Tunnel{ID: "t-rathole", Core: "rathole", Type: "tcp", IranNodeID: "I",
		Spec: map[string]any{"remote_port": float64(8443), "token": "tok"}}
	store := &fakeStore{tunnels: []database.Tunnel{tun}, nodes: []*database.Node{iranNode, foreignNode}}
	p := &fakePusher{}

	sum := newScheduler(store, p).RunOnce(context.Background())
	if sum != (Summary{Applied: 1}) {
		t.Fatalf("summary = %+v", sum)
	}

	pushes := p.snapshot()
	if len(pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(pushes))
	}
	port := translate.DerivePort("t-rathole", 23333, 1000)
	server, client := pushes[0], pushes[1]
	if server.nodeID != "I" || server.req.Spec["bind_addr"] != fmt.Sprintf("0.0.0.0:%d", port) {
		t.Errorf("server push = %+v", server)
	}
	if client.nodeID != "O" || client.req.Spec["remote_addr"] != fmt.Sprintf("10.0.0.5:%d", port) {
		t.Errorf("client push = %+v", client)
	}
	if server.req.TunnelID != "t-rathole" || server.req.Core != "rathole" || server.req.Type != "tcp" {
		t.Errorf("request envelope = %+v", server.req)
	}
}

func TestRunOnce_ServerFailureSkipsClient(t *testing.T) {
	tun := database.Tunnel{ID: "t1", Core: "chisel", Type: "tcp", IranNodeID: "I", ForeignNodeID: "O",
		Spec: map[string]any{"listen_port": 8080}}
	store := &fakeStore{tunnels: []database.Tunnel{tun}, nodes: []*database.Node{iranNode, foreignNode}}
	p := &fakePusher{fail: map[string]bool{"I": true}}

	sum := newScheduler(store, p).RunOnce(context.Background())
	if sum != (Summary{Failed: 1}) {
		t.Fatalf("summary = %+v", sum)
	}
	for _, ps := range p.snapshot() {
		if ps.nodeID == "O" {
			t.Fatal("client half must not be pushed when the server push failed")
		}
	}
}

func TestRunOnce_MixedBatchIsolation(t *testing.T) {
	tunnels := []database.Tunnel{
		{ID: "ok-gost", Core: "gost", Type: "udp", NodeID: "O", Spec: map[string]any{"listen_port": 53}},
		{ID: "no-token", Core: "rathole", Type: "tcp", IranNodeID: "I", Spec: map[string]any{"remote_port": 1}},
		{ID: "missing-node", Core: "frp", Type: "tcp", IranNodeID: "ghost"},
		{ID: "boom", Core: "gost", Type: "tcp", NodeID: "I"},
		{ID: "client-fails", Core: "frp", Type: "tcp", IranNodeID: "I", ForeignNodeID: "O2"},
		{ID: "ok-frp", Core: "frp", Type: "tcp", IranNodeID: "I", Spec: map[string]any{"bind_port": 7000}},
	}
	o2 := &database.Node{ID: "O2", Metadata: database.NodeMetadata{IPAddress: "198.51.100.10", Role: database.RoleForeign}}
	store := &fakeStore{tunnels: tunnels, nodes: []*database.Node{iranNode, foreignNode, o2}}
	p := &fakePusher{fail: map[string]bool{"O2": true}, panics: map[string]bool{"boom": true}}

	sum := newScheduler(store, p).RunOnce(context.Background())
	want := Summary{Applied: 2, Failed: 2, Skipped: 2}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	var gostSpec map[string]any
	for _, ps := range p.snapshot() {
		if ps.req.TunnelID == "ok-gost" {
			gostSpec = ps.req.Spec
		}
	}
	if gostSpec["type"] != "udp" {
		t.Errorf("gost spec type = %v", gostSpec["type"])
	}
}

func TestRunOnce_NoForeignNodeSkips(t *testing.T) {
	tun := database.Tunnel{ID: "t1", Core: "backhaul", Type: "tcp", NodeID: "I"}
	store := &fakeStore{tunnels: []database.Tunnel{tun}, nodes: []*database.Node{iranNode}}
	sum := newScheduler(store, &fakePusher{}).RunOnce(context.Background())
	if sum != (Summary{Skipped: 1}) {
		t.Errorf("summary = %+v", sum)
	}
}

func withFastTiming(t *testing.T) {
	t.Helper()
	oldPoll, oldPeriod := disabledPoll, periodOf
	disabledPoll = 10 * time.Millisecond
	periodOf = func(settings.Reapply) time.Duration { return 20 * time.Millisecond }
	t.Cleanup(func() { disabledPoll, periodOf = oldPoll, oldPeriod })
}

type countingPusher struct{ n int32 }

func (c *countingPusher) ApplyTunnel(context.Context, string, nodeclient.ApplyRequest) nodeclient.Result {
	atomic.AddInt32(&c.n, 1)
	return nodeclient.Result{Status: nodeclient.StatusSuccess}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStart_DisabledDoesNotRun(t *testing.T) {
	withFastTiming(t)
	s := newScheduler(&fakeStore{}, &fakePusher{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Running() {
		t.Error("disabled scheduler must not start a loop")
	}
}

func TestLoop_ReappliesAndStops(t *testing.T) {
	withFastTiming(t)
	store := &fakeStore{
		tunnels: []database.Tunnel{{ID: "g", Core: "gost", Type: "tcp", NodeID: "I"}},
		nodes:   []*database.Node{iranNode},
	}
	cp := &countingPusher{}
	rs := &reapplySettings{r: settings.Reapply{Enabled: true, Interval: 1, IntervalUnit: settings.UnitMinutes}}
	s := &Scheduler{Tunnels: store, Nodes: store, Settings: rs, Pusher: cp}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&cp.n) >= 2 })

	s.Stop()
	if s.Running() {
		t.Fatal("still running after Stop")
	}
	after := atomic.LoadInt32(&cp.n)
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&cp.n) != after {
		t.Error("pushes continued after Stop")
	}
}

func TestLoop_PicksUpDisableWithoutRestart(t *testing.T) {
	withFastTiming(t)
	store := &fakeStore{
		tunnels: []database.Tunnel{{ID: "g", Core: "gost", Type: "tcp", NodeID: "I"}},
		nodes:   []*database.Node{iranNode},
	}
	cp := &countingPusher{}
	rs := &reapplySettings{r: settings.Reapply{Enabled: true, Interval: 1, IntervalUnit: settings.UnitMinutes}}
	s := &Scheduler{Tunnels: store, Nodes: store, Settings: rs, Pusher: cp}
	t.Cleanup(s.Stop)

	s.Start(context.Background())
	waitFor(t, func() bool { return atomic.LoadInt32(&cp.n) >= 1 })

	rs.set(settings.Reapply{Enabled: false, Interval: 1, IntervalUnit: settings.UnitMinutes})
	time.Sleep(50 * time.Millisecond)
	settled := atomic.LoadInt32(&cp.n)
	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&cp.n) != settled {
		t.Error("loop kept pushing after being disabled")
	}
	if !s.Running() {
		t.Error("loop must keep polling while disabled")
	}
}

func TestStop_InterruptsLongSleep(t *testing.T) {
	oldPeriod := periodOf
	periodOf = func(settings.Reapply) time.Duration { return time.Hour }
	t.Cleanup(func() { periodOf = oldPeriod })

	rs := &reapplySettings{r: settings.Reapply{Enabled: true, Interval: 1, IntervalUnit: settings.UnitHours}}
	s := &Scheduler{Tunnels: &fakeStore{}, Nodes: &fakeStore{}, Settings: rs, Pusher: &countingPusher{}}
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the sleep")
	}
}

func TestStart_RestartReplacesLoop(t *testing.T) {
	withFastTiming(t)
	rs := &reapplySettings{r: settings.Reapply{Enabled: true, Interval: 1, IntervalUnit: settings.UnitMinutes}}
	s := &Scheduler{Tunnels: &fakeStore{}, Nodes: &fakeStore{}, Settings: rs, Pusher: &countingPusher{}}
	t.Cleanup(s.Stop)

	s.Start(context.Background())
	first := s.done
	s.Start(context.Background())
	select {
	case <-first:
	default:
		t.Error("previous loop must be stopped on restart")
	}
	if !s.Running() {
		t.Error("expected new loop running")
	}
}
