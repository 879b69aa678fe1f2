package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/logging"
	"github.com/cimex/control-plane/internal/netaddr"
	"github.com/cimex/control-plane/internal/settings"
)

// ErrRoleConflict is returned when a fingerprint re-registers with a role that
// differs from the stored one.
var ErrRoleConflict = errors.New("role conflict")

// ErrInvalidRequest wraps registration input the caller must fix.
var ErrInvalidRequest = errors.New("invalid registration")

const defaultAPIPort = 8888

// RoleConflictError carries both roles for the caller's message.
type RoleConflictError struct {
	Stored   database.Role
	Declared database.Role
}

func (e *RoleConflictError) Error() string {
	return fmt.Sprintf("node with this fingerprint already exists with role '%s'; cannot register as '%s'",
		e.Stored, e.Declared)
}

func (e *RoleConflictError) Unwrap() error { return ErrRoleConflict }

// Request is an agent registration.
type Request struct {
	Name        string
	IPAddress   string
	APIPort     int
	Fingerprint string
	Role        string
	Metadata    database.NodeMetadata
}

// FRPConfig tells an agent how to reach the control-plane relay.
type FRPConfig struct {
	Enabled    bool   `json:"enabled"`
	ServerAddr string `json:"server_addr"`
	ServerPort int    `json:"server_port"`
	Token      string `json:"token"`
}

// Registration is the outcome of a successful Register call.
type Registration struct {
	Node    *database.Node
	Created bool
	// Relay is nil unless relay mode is enabled.
	Relay *FRPConfig
}

type NodeStore interface {
	GetNodeByFingerprint(fp string) (*database.Node, error)
	CreateNode(n *database.Node) error
	// RefreshNode writes a re-registration and must keep the stored relay
	// fields.
	RefreshNode(n *database.Node) error
}

type RelaySettings interface {
	LoadRelay() (settings.Relay, error)
}

// RelayStarter is satisfied by *relay.Manager. Start must be idempotent for an
// unchanged configuration.
type RelayStarter interface {
	Start(bindAddr string, port int, token string) error
}

type OutwardResolver interface {
	Resolve(ctx context.Context, declaredPanel string) string
}

// Registrar creates and refreshes agent records.
type Registrar struct {
	Nodes    NodeStore
	Settings RelaySettings
	Relay    RelayStarter
	Outward  OutwardResolver

	// serializes the lookup-then-write so concurrent first registrations of
	// one fingerprint cannot both create a row.
	mu sync.Mutex
	// now is overridden in tests.
	now func() time.Time
}

func (r *Registrar) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// Register creates the agent on first sight, otherwise merges the new facts
// into the stored record. A changed role fails with ErrRoleConflict and
// leaves the record untouched.
func (r *Registrar) Register(ctx context.Context, req Request) (*Registration, error) {
	role, err := ParseRole(req.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.IPAddress == "" {
		return nil, fmt.Errorf("%w: ip_address is required", ErrInvalidRequest)
	}
	if req.APIPort == 0 {
		req.APIPort = defaultAPIPort
	}

	fp := req.Fingerprint
	if !ValidFingerprint(fp) {
		fp = ComputeFingerprint(req.IPAddress, req.Name)
	}

	patch := req.Metadata
	patch.IPAddress = req.IPAddress
	patch.APIPort = req.APIPort
	patch.APIAddress = "http://" + netaddr.FormatHostPort(req.IPAddress, req.APIPort)

	r.mu.Lock()
	node, created, err := r.upsert(fp, role, req.Name, patch)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if created {
		log.Printf("[register] New %s node %s (%s) at %s", role, node.ID,
			logging.Sanitize(node.Name), logging.Sanitize(patch.APIAddress))
	}

	reg := &Registration{Node: node, Created: created}
	reg.Relay = r.relayOffer(ctx, patch.PanelAddress)
	return reg, nil
}

func (r *Registrar) upsert(fp string, role database.Role, name string, patch database.NodeMetadata) (*database.Node, bool, error) {
	now := r.clock()

	existing, err := r.Nodes.GetNodeByFingerprint(fp)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup node: %w", err)
	}

	if existing != nil {
		stored := existing.Metadata.Role
		if stored == "" {
			stored = database.RoleIran
		}
		if stored != role {
			return nil, false, &RoleConflictError{Stored: stored, Declared: role}
		}
		existing.Metadata.Merge(patch)
		existing.Metadata.Role = stored
		existing.Status = database.StatusActive
		existing.LastSeen = now
		if err := r.Nodes.RefreshNode(existing); err != nil {
			return nil, false, fmt.Errorf("save node: %w", err)
		}
		return existing, false, nil
	}

	md := patch
	md.Role = role
	md.FRPConnected = false
	md.FRPRemotePort = 0
	node := &database.Node{
		Name:        name,
		Fingerprint: fp,
		Status:      database.StatusActive,
		Metadata:    md,
		LastSeen:    now,
	}
	if err := r.Nodes.CreateNode(node); err != nil {
		return nil, false, fmt.Errorf("create node: %w", err)
	}
	return node, true, nil
}

// relayOffer builds the relay instructions and (re)asserts the relay process.
// Relay failures are logged; registration still succeeds.
func (r *Registrar) relayOffer(ctx context.Context, declaredPanel string) *FRPConfig {
	if r.Settings == nil {
		return nil
	}
	rs, err := r.Settings.LoadRelay()
	if err != nil {
		log.Printf("[register] Failed to load relay settings: %v", err)
		return nil
	}
	if !rs.Enabled {
		return nil
	}

	if r.Relay != nil {
		if err := r.Relay.Start("0.0.0.0", rs.Port, rs.Token); err != nil {
			log.Printf("[register] Relay not available, agents fall back to direct: %v", err)
		}
	}

	host := "127.0.0.1"
	if r.Outward != nil {
		host = r.Outward.Resolve(ctx, declaredPanel)
	}
	return &FRPConfig{
		Enabled:    true,
		ServerAddr: host,
		ServerPort: rs.Port,
		Token:      rs.Token,
	}
}
