package database

import (
	"encoding/json"
	"testing"
)

func TestNodeMetadata_ExtraRoundTrip(t *testing.T) {
	in := []byte(`{"ip_address":"10.0.0.5","api_port":8888,"role":"iran","frp_connected":true,"frp_remote_port":17001,"kernel":"6.1","tags":["a","b"]}`)

	var m NodeMetadata
	if err := json.Unmarshal(in, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.IPAddress != "10.0.0.5" || m.APIPort != 8888 || m.Role != RoleIran || !m.FRPConnected || m.FRPRemotePort != 17001 {
		t.Errorf("known fields wrong: %+v", m)
	}
	if m.Extra["kernel"] != "6.1" {
		t.Errorf("extra missing: %+v", m.Extra)
	}
	if _, dup := m.Extra["ip_address"]; dup {
		t.Error("known keys must not leak into Extra")
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	json.Unmarshal(out, &back)
	if back["kernel"] != "6.1" || back["ip_address"] != "10.0.0.5" {
		t.Errorf("round trip lost data: %s", out)
	}
}

func TestNodeMetadata_KnownFieldsWinOverExtra(t *testing.T) {
	m := NodeMetadata{Role: RoleForeign, Extra: map[string]any{"role": "iran"}}
	out, _ := json.Marshal(m)
	var back map[string]any
	json.Unmarshal(out, &back)
	if back["role"] != "foreign" {
		t.Errorf("typed role must win, got %v", back["role"])
	}
}

func TestNodeMetadata_MergeKeepsRoleAndRelay(t *testing.T) {
	m := NodeMetadata{
		IPAddress:     "10.0.0.5",
		Role:          RoleIran,
		FRPConnected:  true,
		FRPRemotePort: 17001,
	}
	m.Merge(NodeMetadata{
		IPAddress:    "10.0.0.9",
		APIPort:      9999,
		Role:         RoleForeign,
		FRPConnected: false,
		Extra:        map[string]any{"os": "linux"},
	})

	if m.IPAddress != "10.0.0.9" || m.APIPort != 9999 {
		t.Errorf("address fields not merged: %+v", m)
	}
	if m.Role != RoleIran {
		t.Errorf("role must not change on merge, got %q", m.Role)
	}
	if !m.FRPConnected || m.FRPRemotePort != 17001 {
		t.Errorf("relay fields must not change on merge: %+v", m)
	}
	if m.Extra["os"] != "linux" {
		t.Errorf("extra not merged: %+v", m.Extra)
	}
}
