package translate

import (
	"crypto/md5"
	"encoding/binary"
)

// DerivePort folds a hash of id into [base, base+span). The same id always
// yields the same port.
func DerivePort(id string, base, span int) int {
	sum := md5.Sum([]byte(id))
	// The leading 8 hex digits of the digest.
	h := binary.BigEndian.Uint32(sum[:4])
	return base + int(h%uint32(span))
}

// PortMapping forwards Remote on the listening side to Local on the dialing
// side.
type PortMapping struct {
	Local  int `json:"local"`
	Remote int `json:"remote"`
}

func (m PortMapping) asMap() map[string]any {
	return map[string]any{"local": m.Local, "remote": m.Remote}
}

// NormalizePorts returns the explicit "ports" list when present, otherwise a
// single mapping synthesized from local_port, remote_port and listen_port.
// A lone port maps to itself.
func NormalizePorts(spec map[string]any) []PortMapping {
	p := params(spec)
	if list, ok := p["ports"].([]any); ok && len(list) > 0 {
		out := make([]PortMapping, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case map[string]any:
				m := params(v)
				local, lok := m.Port("local", "local_port")
				remote, rok := m.Port("remote", "remote_port")
				switch {
				case lok && rok:
					out = append(out, PortMapping{Local: local, Remote: remote})
				case rok:
					out = append(out, PortMapping{Local: remote, Remote: remote})
				case lok:
					out = append(out, PortMapping{Local: local, Remote: local})
				}
			default:
				if n, ok := toInt(v); ok && n > 0 && n <= maxPort {
					out = append(out, PortMapping{Local: n, Remote: n})
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	local, lok := p.Port("local_port")
	remote, rok := p.Port("remote_port", "listen_port")
	switch {
	case lok && rok:
		return []PortMapping{{Local: local, Remote: remote}}
	case rok:
		return []PortMapping{{Local: remote, Remote: remote}}
	case lok:
		return []PortMapping{{Local: local, Remote: local}}
	}
	return nil
}

func portMaps(ports []PortMapping) []any {
	out := make([]any, len(ports))
	for i, m := range ports {
		out[i] = m.asMap()
	}
	return out
}
