// Package reachability turns agent probe outcomes into the connection state
// shown for each node.
package reachability

import (
	"context"
	"strings"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/nodeclient"
	"golang.org/x/sync/errgroup"
)

// State is the reported connection state of a node.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

// States lists every state, for exporting per-state gauges.
var States = []State{StateConnecting, StateConnected, StateReconnecting, StateFailed}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the coarse result of one status probe.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeConnectionError
	OutcomeTimeout
	OutcomeOtherError
)

// Classify applies the reachability table. A node whose relay link was last
// reported up is shown as connected through connection and timeout errors.
//
// The relay flag is whatever the agent last reported and is never aged, so a
// relay that died without reporting keeps the node "connected".
func Classify(outcome Outcome, message string, relayConnected bool) State {
	switch outcome {
	case OutcomeOK:
		return StateConnected
	case OutcomeConnectionError:
		if relayConnected {
			return StateConnected
		}
		return StateConnecting
	case OutcomeTimeout:
		if relayConnected {
			return StateConnected
		}
		return StateReconnecting
	}
	msg := strings.ToLower(message)
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") {
		if relayConnected {
			return StateConnected
		}
		return StateReconnecting
	}
	return StateFailed
}

// OutcomeOf reduces a probe Result to an Outcome and the message to match on.
func OutcomeOf(res nodeclient.Result) (Outcome, string) {
	if res.Status == "ok" || res.Status == nodeclient.StatusSuccess {
		return OutcomeOK, ""
	}
	switch res.Kind {
	case nodeclient.KindConnect:
		return OutcomeConnectionError, res.Message
	case nodeclient.KindTimeout:
		return OutcomeTimeout, res.Message
	}
	msg := res.Message
	if msg == "" {
		msg = "Node disconnected"
	}
	return OutcomeOtherError, msg
}

// Prober is satisfied by *nodeclient.Client.
type Prober interface {
	ProbeNode(ctx context.Context, n *database.Node) nodeclient.Result
}

// maxConcurrentProbes bounds the fan-out of CheckAll.
var maxConcurrentProbes = 16

// CheckAll probes every node concurrently and returns each node's state keyed
// by node ID. A slow or failing node only affects its own entry.
func CheckAll(ctx context.Context, p Prober, nodes []database.Node) map[string]State {
	states := make([]State, len(nodes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i := range nodes {
		i := i
		n := &nodes[i]
		g.Go(func() error {
			outcome, msg := OutcomeOf(p.ProbeNode(ctx, n))
			states[i] = Classify(outcome, msg, n.Metadata.FRPConnected)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]State, len(nodes))
	for i := range nodes {
		out[nodes[i].ID] = states[i]
	}
	return out
}

// Counts tallies states by name.
func Counts(states map[string]State) map[string]int {
	out := make(map[string]int, len(States))
	for _, s := range states {
		out[s.String()]++
	}
	return out
}

// StateNames returns the names of all states.
func StateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}
