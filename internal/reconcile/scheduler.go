// Package reconcile periodically re-pushes every active tunnel to its agents
// so drift on the agents heals without operator action.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/metrics"
	"github.com/cimex/control-plane/internal/nodeclient"
	"github.com/cimex/control-plane/internal/settings"
	"github.com/cimex/control-plane/internal/translate"
)

// Timing hooks. Tests may override these.
var (
	disabledPoll = 60 * time.Second
	periodOf     = func(r settings.Reapply) time.Duration { return r.Period() }
)

type TunnelSource interface {
	ListActiveTunnels() ([]database.Tunnel, error)
}

type NodeSource interface {
	GetNode(id string) (*database.Node, error)
	FirstNodeWithRole(role database.Role) (*database.Node, error)
}

type SettingsSource interface {
	LoadReapply() (settings.Reapply, error)
}

// Pusher is satisfied by *nodeclient.Client.
type Pusher interface {
	ApplyTunnel(ctx context.Context, nodeID string, req nodeclient.ApplyRequest) nodeclient.Result
}

// Summary counts the outcome of one pass.
type Summary struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Scheduler runs the reconciliation loop. Only one loop runs at a time.
type Scheduler struct {
	Tunnels  TunnelSource
	Nodes    NodeSource
	Settings SettingsSource
	Pusher   Pusher
	Metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start stops any running loop, reloads settings and launches a new loop if
// reconciliation is enabled. The loop lives until Stop or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	rs, err := s.Settings.LoadReapply()
	if err != nil {
		return fmt.Errorf("load reapply settings: %w", err)
	}
	if !rs.Enabled {
		log.Printf("[reapply] Auto reapply disabled")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		s.loop(loopCtx)
	}()
	log.Printf("[reapply] Auto reapply started: interval=%d %s", rs.Interval, rs.IntervalUnit)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	log.Printf("[reapply] Auto reapply stopped")
}

// Running reports whether a loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		rs, err := s.Settings.LoadReapply()
		if err != nil {
			log.Printf("[reapply] Failed to load settings: %v", err)
			rs = settings.DefaultReapply()
		}
		if !rs.Enabled {
			if !sleep(ctx, disabledPoll) {
				return
			}
			continue
		}

		if !sleep(ctx, periodOf(rs)) {
			return
		}

		if rs, err = s.Settings.LoadReapply(); err != nil || !rs.Enabled {
			continue
		}
		sum := s.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[reapply] Auto reapply completed: %d applied, %d failed, %d skipped",
			sum.Applied, sum.Failed, sum.Skipped)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RunOnce reapplies every active tunnel once. One tunnel's failure never
// stops the pass.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var sum Summary
	s.Metrics.RecordReconcileRun()

	tunnels, err := s.Tunnels.ListActiveTunnels()
	if err != nil {
		log.Printf("[reapply] Failed to list tunnels: %v", err)
		return sum
	}

	for i := range tunnels {
		if ctx.Err() != nil {
			break
		}
		t := &tunnels[i]
		res, err := s.safeApply(ctx, t)
		var skipErr *translate.SkipError
		switch {
		case errors.As(err, &skipErr):
			sum.Skipped++
			s.Metrics.RecordTunnelApply(t.Core, metrics.ResultSkipped)
			log.Printf("[reapply] %v", skipErr)
		case err != nil:
			sum.Failed++
			s.Metrics.RecordTunnelApply(t.Core, metrics.ResultFailed)
			log.Printf("[reapply] Error reapplying tunnel %s: %v", t.ID, err)
		case !res.OK():
			sum.Failed++
			s.Metrics.RecordTunnelApply(t.Core, metrics.ResultFailed)
			log.Printf("[reapply] Failed to reapply tunnel %s: %s", t.ID, res.Message)
		default:
			sum.Applied++
			s.Metrics.RecordTunnelApply(t.Core, metrics.ResultApplied)
			log.Printf("[reapply] Reapplied tunnel %s (%s)", t.ID, t.Core)
		}
	}
	return sum
}

func (s *Scheduler) safeApply(ctx context.Context, t *database.Tunnel) (res nodeclient.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Apply(ctx, t)
}

// Apply translates t and pushes the server half to the inside agent, then the
// client half to the outside agent. A failed server push returns before the
// client is touched. A *translate.SkipError means nothing was sent.
func (s *Scheduler) Apply(ctx context.Context, t *database.Tunnel) (nodeclient.Result, error) {
	inside, outside, err := s.resolveNodes(t)
	if err != nil {
		return nodeclient.Result{}, err
	}
	plan, err := translate.Translate(t, inside, outside)
	if err != nil {
		return nodeclient.Result{}, err
	}

	res := s.Pusher.ApplyTunnel(ctx, plan.Server.NodeID, request(plan, plan.Server.Spec))
	if !res.OK() {
		if plan.Client != nil {
			res.Message = fmt.Sprintf("iran node %s: %s", plan.Server.NodeID, res.Message)
		}
		return res, nil
	}
	if plan.Client == nil {
		return res, nil
	}

	res = s.Pusher.ApplyTunnel(ctx, plan.Client.NodeID, request(plan, plan.Client.Spec))
	if !res.OK() {
		res.Message = fmt.Sprintf("foreign node %s: %s", plan.Client.NodeID, res.Message)
	}
	return res, nil
}

func request(p *translate.Plan, spec map[string]any) nodeclient.ApplyRequest {
	return nodeclient.ApplyRequest{TunnelID: p.TunnelID, Core: p.Core, Type: p.Type, Spec: spec}
}

// resolveNodes finds the agents a tunnel spans. Spanning engines use
// iran_node_id (else node_id) for the inside agent and foreign_node_id (else
// the first foreign node) for the outside agent.
func (s *Scheduler) resolveNodes(t *database.Tunnel) (inside, outside *database.Node, err error) {
	skip := func(reason string) error { return &translate.SkipError{TunnelID: t.ID, Reason: reason} }

	if !translate.Spanning(t.Core) {
		if t.NodeID == "" {
			return nil, nil, skip("no node_id")
		}
		n, err := s.lookup(t.NodeID)
		if err != nil || n == nil {
			return nil, nil, firstErr(err, skip("node "+t.NodeID+" not found"))
		}
		return n, nil, nil
	}

	insideID := t.IranNodeID
	if insideID == "" {
		insideID = t.NodeID
	}
	if insideID == "" {
		return nil, nil, skip("no iran node assigned")
	}
	inside, err = s.lookup(insideID)
	if err != nil || inside == nil {
		return nil, nil, firstErr(err, skip("iran node "+insideID+" not found"))
	}

	if t.ForeignNodeID != "" {
		outside, err = s.lookup(t.ForeignNodeID)
		if err != nil || outside == nil {
			return nil, nil, firstErr(err, skip("foreign node "+t.ForeignNodeID+" not found"))
		}
		return inside, outside, nil
	}
	outside, err = s.Nodes.FirstNodeWithRole(database.RoleForeign)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, skip("no foreign node registered")
	}
	if err != nil {
		return nil, nil, err
	}
	return inside, outside, nil
}

// lookup returns (nil, nil) for a missing node.
func (s *Scheduler) lookup(id string) (*database.Node, error) {
	n, err := s.Nodes.GetNode(id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
