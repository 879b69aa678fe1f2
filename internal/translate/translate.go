// Package translate turns one stored tunnel into the per-agent configurations
// each engine expects: a listening server on the inside agent and a dialing
// client on the outside agent.
package translate

import (
	"fmt"
	"strings"

	"github.com/cimex/control-plane/internal/database"
)

const (
	CoreRathole  = "rathole"
	CoreBackhaul = "backhaul"
	CoreChisel   = "chisel"
	CoreFRP      = "frp"
	CoreGost     = "gost"
)

// Spanning reports whether core needs both an inside and an outside agent.
func Spanning(core string) bool {
	switch core {
	case CoreRathole, CoreBackhaul, CoreChisel, CoreFRP:
		return true
	}
	return false
}

// Supported reports whether core is a known engine.
func Supported(core string) bool {
	return Spanning(core) || core == CoreGost
}

// SkipError means the tunnel cannot be translated this cycle. Other tunnels
// are unaffected.
type SkipError struct {
	TunnelID string
	Reason   string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("tunnel %s skipped: %s", e.TunnelID, e.Reason)
}

func skip(id, format string, args ...any) error {
	return &SkipError{TunnelID: id, Reason: fmt.Sprintf(format, args...)}
}

// Assignment is the configuration destined for one agent.
type Assignment struct {
	NodeID string
	Spec   map[string]any
}

// Plan is the translated form of a tunnel. Client is nil for single-endpoint
// engines.
type Plan struct {
	TunnelID string
	Core     string
	Type     string
	Server   Assignment
	Client   *Assignment
}

// engine is one backend's typed view of a tunnel.
type engine interface {
	server(base map[string]any) map[string]any
	client(base map[string]any, insideHost string) map[string]any
}

// Translate builds the plan for t. For spanning engines inside receives the
// server half and outside the client half; for single-endpoint engines only
// inside is used and outside may be nil.
func Translate(t *database.Tunnel, inside, outside *database.Node) (*Plan, error) {
	core := strings.ToLower(t.Core)
	if !Supported(core) {
		return nil, skip(t.ID, "unsupported core %q", t.Core)
	}
	if inside == nil {
		return nil, skip(t.ID, "no target node")
	}

	p := params(t.Spec)
	plan := &Plan{TunnelID: t.ID, Core: core, Type: t.Type}

	if !Spanning(core) {
		spec := p.clone()
		spec["type"] = t.Type
		plan.Server = Assignment{NodeID: inside.ID, Spec: spec}
		return plan, nil
	}

	if outside == nil {
		return nil, skip(t.ID, "no foreign node available")
	}
	host := strings.TrimSpace(inside.Metadata.IPAddress)
	if host == "" {
		return nil, skip(t.ID, "iran node %s has no IP address", inside.ID)
	}

	eng, err := parse(core, t, p)
	if err != nil {
		return nil, err
	}
	plan.Server = Assignment{NodeID: inside.ID, Spec: eng.server(p.clone())}
	plan.Client = &Assignment{NodeID: outside.ID, Spec: eng.client(p.clone(), host)}
	return plan, nil
}

func parse(core string, t *database.Tunnel, p params) (engine, error) {
	switch core {
	case CoreRathole:
		return parseRathole(t.ID, p)
	case CoreBackhaul:
		return parseBackhaul(t.ID, p)
	case CoreChisel:
		return parseChisel(t.ID, p)
	case CoreFRP:
		return parseFRP(t.ID, t.Type, p)
	}
	return nil, skip(t.ID, "unsupported core %q", core)
}

// hasTLS reports whether a TLS flag is set anywhere in the tunnel parameters, including
// the nested option blocks.
func hasTLS(p params) bool {
	keys := []string{"tls", "websocket_tls", "tls_cert"}
	if p.Truthy(keys...) {
		return true
	}
	for _, nested := range []string{"server_options", "client_options"} {
		if p.Nested(nested).Truthy(keys...) {
			return true
		}
	}
	return false
}
