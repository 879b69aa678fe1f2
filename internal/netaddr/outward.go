package netaddr

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// placeholderPanelHost is the sample value shipped in agent config templates;
// it never names a reachable control plane.
const placeholderPanelHost = "panel.example.com"

const stunTimeout = 3 * time.Second

// OutwardResolver determines the address agents should dial to reach this
// control plane (used as the relay server_addr).
type OutwardResolver struct {
	// Override wins when set.
	Override string
	// STUNServers are queried for the public mapped address when non-empty.
	STUNServers []string

	// Hooks for tests.
	stunProbe  func(ctx context.Context, server string) (string, error)
	outboundIP func() (string, error)
}

// Resolve returns the outward host. declaredPanel is the panel address the
// agent was configured with; its host part is used unless it is empty or the
// template placeholder. Resolution never fails: the last resort is 127.0.0.1.
func (r *OutwardResolver) Resolve(ctx context.Context, declaredPanel string) string {
	if r.Override != "" {
		return r.Override
	}

	if host := panelHost(declaredPanel); host != "" && host != placeholderPanelHost {
		return host
	}

	probe := r.stunProbe
	if probe == nil {
		probe = stunMappedHost
	}
	for _, server := range r.STUNServers {
		host, err := probe(ctx, server)
		if err == nil && host != "" {
			return host
		}
		log.Printf("[outward] STUN probe via %s failed: %v", server, err)
	}

	outbound := r.outboundIP
	if outbound == nil {
		outbound = OutboundIP
	}
	if ip, err := outbound(); err == nil && ip != "" {
		return ip
	}
	return "127.0.0.1"
}

// panelHost extracts the host from "scheme://host:port", "host:port" or "host".
func panelHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return ParseHostPort(addr).Host
}

// OutboundIP returns the local address the kernel picks for outbound traffic.
// No packets are sent; connecting a UDP socket only selects a route.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("dial udp: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local addr %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// stunMappedHost asks one STUN server for this host's public mapped address.
func stunMappedHost(ctx context.Context, server string) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 2)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, stunTimeout)
	defer cancel()

	select {
	case addr := <-result:
		return addr.IP.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
