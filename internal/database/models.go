package database

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role is the fixed placement of an agent relative to the restricted network.
type Role string

const (
	RoleIran    Role = "iran"    // inside the restricted network; always the listening side
	RoleForeign Role = "foreign" // outside; always the dialing side
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

type Node struct {
	ID           string       `gorm:"primaryKey;size:36" json:"id"`
	Name         string       `gorm:"not null" json:"name"`
	Fingerprint  string       `gorm:"uniqueIndex;size:64;not null" json:"fingerprint"`
	Status       string       `gorm:"not null;default:active;index" json:"status"`
	Metadata     NodeMetadata `gorm:"type:text;serializer:json" json:"metadata"`
	RegisteredAt time.Time    `gorm:"autoCreateTime" json:"registered_at"`
	LastSeen     time.Time    `json:"last_seen"`
}

func (n *Node) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}

// NodeMetadata holds the agent facts the control plane reasons about. Keys it
// does not know are kept in Extra and survive a JSON round trip.
type NodeMetadata struct {
	IPAddress     string `json:"ip_address,omitempty"`
	APIPort       int    `json:"api_port,omitempty"`
	APIAddress    string `json:"api_address,omitempty"`
	Role          Role   `json:"role,omitempty"`
	NodeName      string `json:"node_name,omitempty"`
	PanelAddress  string `json:"panel_address,omitempty"`
	FRPRemotePort int    `json:"frp_remote_port,omitempty"`
	FRPConnected  bool   `json:"frp_connected"`

	Extra map[string]any `json:"-"`
}

var knownMetadataKeys = []string{
	"ip_address", "api_port", "api_address", "role", "node_name",
	"panel_address", "frp_remote_port", "frp_connected",
}

type nodeMetadataFields NodeMetadata

func (m NodeMetadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(nodeMetadataFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	out := make(map[string]any, len(m.Extra)+len(knownMetadataKeys))
	for k, v := range m.Extra {
		out[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func (m *NodeMetadata) UnmarshalJSON(data []byte) error {
	var fields nodeMetadataFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownMetadataKeys {
		delete(all, k)
	}
	*m = NodeMetadata(fields)
	if len(all) > 0 {
		m.Extra = all
	}
	return nil
}

// Merge overlays the non-zero fields of patch onto m. Role and the relay
// fields are deliberately left alone: role is immutable once stored, and the
// relay fields are owned by the relay-status report.
func (m *NodeMetadata) Merge(patch NodeMetadata) {
	if patch.IPAddress != "" {
		m.IPAddress = patch.IPAddress
	}
	if patch.APIPort != 0 {
		m.APIPort = patch.APIPort
	}
	if patch.APIAddress != "" {
		m.APIAddress = patch.APIAddress
	}
	if patch.NodeName != "" {
		m.NodeName = patch.NodeName
	}
	if patch.PanelAddress != "" {
		m.PanelAddress = patch.PanelAddress
	}
	for k, v := range patch.Extra {
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
}

type Tunnel struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	Name          string         `gorm:"not null;default:''" json:"name"`
	Core          string         `gorm:"not null" json:"core"`
	Type          string         `gorm:"not null;default:tcp" json:"type"`
	NodeID        string         `gorm:"index" json:"node_id"`
	IranNodeID    string         `json:"iran_node_id,omitempty"`
	ForeignNodeID string         `json:"foreign_node_id,omitempty"`
	Spec          map[string]any `gorm:"type:text;serializer:json" json:"spec"`
	Status        string         `gorm:"not null;default:active;index" json:"status"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Tunnel) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
