package translate

import (
	"fmt"
	"strings"

	"github.com/cimex/control-plane/internal/netaddr"
)

// Port ranges used when a control port is not given explicitly.
const (
	ratholeBase  = 23333
	backhaulBase = 3080
	chiselOffset = 10000
	chiselBase   = 50000
	frpBase      = 7000
	portSpan     = 1000
)

// rathole: inside binds the control port, outside dials it.
type rathole struct {
	controlPort int
	proxyPort   int
	transport   string
	token       string
	tls         bool
}

func parseRathole(id string, p params) (*rathole, error) {
	proxy, ok := p.Port("remote_port", "listen_port")
	if !ok {
		return nil, skip(id, "rathole requires remote_port or listen_port")
	}
	token := p.String("token")
	if token == "" {
		return nil, skip(id, "rathole requires a token")
	}
	cp, ok := p.Port("control_port")
	if !ok {
		if addr := p.String("remote_addr", "bind_addr"); addr != "" {
			cp = netaddr.ParseHostPort(addr).Port
		}
	}
	if cp <= 0 {
		cp = DerivePort(id, ratholeBase, portSpan)
	}
	return &rathole{
		controlPort: cp,
		proxyPort:   proxy,
		transport:   transportOf(p),
		token:       token,
		tls:         hasTLS(p),
	}, nil
}

func (r *rathole) server(s map[string]any) map[string]any {
	s["mode"] = "server"
	s["bind_addr"] = fmt.Sprintf("0.0.0.0:%d", r.controlPort)
	s["proxy_port"] = r.proxyPort
	s["transport"] = r.transport
	s["token"] = r.token
	return s
}

func (r *rathole) client(s map[string]any, host string) map[string]any {
	s["mode"] = "client"
	switch strings.ToLower(r.transport) {
	case "websocket", "ws":
		s["remote_addr"] = netaddr.URL(wsScheme(r.tls), host, r.controlPort)
	default:
		s["remote_addr"] = netaddr.FormatHostPort(host, r.controlPort)
	}
	s["transport"] = r.transport
	s["token"] = r.token
	return s
}

// backhaul: control port carries the tunnel, public port is exposed inside.
type backhaul struct {
	controlPort int
	publicPort  int
	transport   string
	token       string
	ports       []any
	tls         bool
}

func parseBackhaul(id string, p params) (*backhaul, error) {
	cp, ok := p.Port("control_port", "public_port", "listen_port")
	if !ok {
		cp = DerivePort(id, backhaulBase, portSpan)
	}
	pub, ok := p.Port("public_port", "listen_port")
	if !ok {
		pub = cp
	}
	b := &backhaul{
		controlPort: cp,
		publicPort:  pub,
		transport:   transportOf(p),
		token:       p.String("token"),
		tls:         hasTLS(p),
	}
	if list, ok := p["ports"].([]any); ok && len(list) > 0 {
		b.ports = list
	}
	return b, nil
}

func (b *backhaul) server(s map[string]any) map[string]any {
	s["mode"] = "server"
	s["bind_addr"] = fmt.Sprintf("0.0.0.0:%d", b.controlPort)
	s["control_port"] = b.controlPort
	s["public_port"] = b.publicPort
	s["listen_port"] = b.publicPort
	if b.ports != nil {
		s["ports"] = b.ports
	}
	if b.token != "" {
		s["token"] = b.token
	}
	return s
}

func (b *backhaul) client(s map[string]any, host string) map[string]any {
	s["mode"] = "client"
	switch strings.ToLower(b.transport) {
	case "ws", "wsmux":
		s["remote_addr"] = netaddr.URL(wsScheme(b.tls), host, b.controlPort)
	default:
		s["remote_addr"] = netaddr.FormatHostPort(host, b.controlPort)
	}
	s["transport"] = b.transport
	if b.token != "" {
		s["token"] = b.token
	}
	return s
}

// chisel: inside runs the server with a reverse listener, outside connects
// over HTTP.
type chisel struct {
	serverPort  int
	reversePort int
}

func parseChisel(id string, p params) (*chisel, error) {
	listen, ok := p.Port("listen_port", "remote_port")
	if !ok {
		return nil, skip(id, "chisel requires listen_port or remote_port")
	}
	sp, ok := p.Port("control_port")
	if !ok {
		h := DerivePort(id, 0, portSpan)
		sp = listen + chiselOffset + h
		if sp > maxPort {
			sp = chiselBase + h
		}
	}
	return &chisel{serverPort: sp, reversePort: listen}, nil
}

func (c *chisel) server(s map[string]any) map[string]any {
	s["mode"] = "server"
	s["server_port"] = c.serverPort
	s["reverse_port"] = c.reversePort
	return s
}

func (c *chisel) client(s map[string]any, host string) map[string]any {
	s["mode"] = "client"
	s["server_url"] = netaddr.URL("http", host, c.serverPort)
	s["reverse_port"] = c.reversePort
	return s
}

// frp: inside runs frps, outside runs frpc with the proxied port list.
type frp struct {
	bindPort int
	token    string
	proto    string
	ports    []PortMapping
}

func parseFRP(id, tunnelType string, p params) (*frp, error) {
	bp, ok := p.Port("bind_port")
	if !ok {
		bp = DerivePort(id, frpBase, portSpan)
	}
	proto := strings.ToLower(strings.TrimSpace(tunnelType))
	if proto != "tcp" && proto != "udp" {
		proto = "tcp"
	}
	return &frp{
		bindPort: bp,
		token:    p.String("token"),
		proto:    proto,
		ports:    NormalizePorts(p),
	}, nil
}

func (f *frp) server(s map[string]any) map[string]any {
	s["mode"] = "server"
	s["bind_port"] = f.bindPort
	if f.token != "" {
		s["token"] = f.token
	}
	return s
}

func (f *frp) client(s map[string]any, host string) map[string]any {
	s["mode"] = "client"
	s["server_addr"] = host
	s["server_port"] = f.bindPort
	if f.token != "" {
		s["token"] = f.token
	}
	s["type"] = f.proto
	if len(f.ports) > 0 {
		s["ports"] = portMaps(f.ports)
	}
	return s
}

func transportOf(p params) string {
	if t := p.String("transport", "type"); t != "" {
		return t
	}
	return "tcp"
}

func wsScheme(tls bool) string {
	if tls {
		return "wss"
	}
	return "ws"
}
