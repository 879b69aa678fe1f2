// Package nodeclient delivers requests to agents, either directly or through
// the local frps relay, and normalizes every outcome into a Result.
package nodeclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/metrics"
	"github.com/cimex/control-plane/internal/settings"
	"github.com/sethvargo/go-retry"
)

const (
	ApplyPath  = "/api/agent/tunnels/apply"
	StatusPath = "/api/agent/status"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Timing and retry policy. Tests may override these.
var (
	pushTimeout         = 30 * time.Second
	probeTimeout        = 3 * time.Second
	probeConnectTimeout = 2 * time.Second

	relayAttempts = 5
	relayBackoff  = 2 * time.Second

	directAttempts = 2
	directBackoff  = 500 * time.Millisecond
)

// Kind classifies why a call failed.
type Kind int

const (
	KindNone Kind = iota
	KindConnect
	KindTimeout
	KindHTTPStatus
	KindDecode
	KindNotFound
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindDecode:
		return "decode"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Result is what every call returns. Transport failures never surface as Go
// errors.
type Result struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"-"`
	Kind    Kind           `json:"-"`
	// ViaRelay reports which path was used.
	ViaRelay bool `json:"-"`
}

// OK reports whether the agent accepted the request.
func (r Result) OK() bool {
	return r.Status == StatusSuccess || r.Status == "ok"
}

func errorResult(kind Kind, format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...), Kind: kind}
}

// Endpoint is a resolved agent base URL.
type Endpoint struct {
	BaseURL  string
	ViaRelay bool
}

type NodeLookup interface {
	GetNode(id string) (*database.Node, error)
}

type RelaySettings interface {
	LoadRelay() (settings.Relay, error)
}

type RelayState interface {
	IsRunning() bool
}

// ApplyRequest is the body of a tunnel push.
type ApplyRequest struct {
	TunnelID string         `json:"tunnel_id"`
	Core     string         `json:"core"`
	Type     string         `json:"type"`
	Spec     map[string]any `json:"spec"`
}

// Client talks to agents. Relay may be nil when no relay manager exists.
type Client struct {
	Nodes    NodeLookup
	Settings RelaySettings
	Relay    RelayState
	Metrics  *metrics.Metrics

	// InsecureTLS skips verification of https agent addresses; agents serve
	// self-signed certificates.
	InsecureTLS bool

	// Shared pooled transports for direct calls and direct status checks.
	direct *http.Transport
	probe  *http.Transport
}

// New returns a Client with a pooled transport for direct calls.
func New(nodes NodeLookup, rs RelaySettings, relay RelayState, insecureTLS bool) *Client {
	c := &Client{Nodes: nodes, Settings: rs, Relay: relay, InsecureTLS: insecureTLS}
	c.direct = c.transport(false, 0)
	c.probe = c.transport(false, probeConnectTimeout)
	return c
}

func (c *Client) transport(viaRelay bool, dialTimeout time.Duration) *http.Transport {
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: c.InsecureTLS},
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}
	if viaRelay {
		// The reverse path can be rebuilt between attempts; never reuse a socket.
		t.DisableKeepAlives = true
		t.Proxy = nil
	}
	return t
}

// httpClient returns the client for one attempt. Direct calls share the pooled
// transports built by New. Relay attempts, and clients not built by New, get
// a fresh transport that keeps no idle connections.
func (c *Client) httpClient(viaRelay bool, timeout, dialTimeout time.Duration) *http.Client {
	switch {
	case !viaRelay && dialTimeout > 0 && c.probe != nil:
		return &http.Client{Transport: c.probe, Timeout: timeout}
	case !viaRelay && dialTimeout == 0 && c.direct != nil:
		return &http.Client{Transport: c.direct, Timeout: timeout}
	}
	t := c.transport(viaRelay, dialTimeout)
	t.DisableKeepAlives = true
	return &http.Client{Transport: t, Timeout: timeout}
}

// ResolveEndpoint picks the relay loopback endpoint when the relay is
// enabled, the agent has reported its remote port, and frps is alive.
// Otherwise it returns the agent's direct address.
func (c *Client) ResolveEndpoint(n *database.Node) Endpoint {
	var rs settings.Relay
	if c.Settings != nil {
		var err error
		if rs, err = c.Settings.LoadRelay(); err != nil {
			log.Printf("[nodeclient] Failed to load relay settings, using direct path: %v", err)
		}
	}

	if rs.Enabled {
		port := n.Metadata.FRPRemotePort
		switch {
		case port <= 0:
			log.Printf("[nodeclient] Relay enabled but node %s has no frp_remote_port yet, using direct HTTP", n.ID)
		case c.Relay == nil || !c.Relay.IsRunning():
			log.Printf("[nodeclient] Relay enabled but frps is not running, using direct HTTP for node %s", n.ID)
		default:
			return Endpoint{BaseURL: "http://127.0.0.1:" + strconv.Itoa(port), ViaRelay: true}
		}
	}

	return Endpoint{BaseURL: directAddress(n.Metadata), ViaRelay: false}
}

func directAddress(md database.NodeMetadata) string {
	addr := md.APIAddress
	if addr == "" {
		addr = "http://localhost:8888"
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// ApplyTunnel pushes one tunnel configuration to an agent.
func (c *Client) ApplyTunnel(ctx context.Context, nodeID string, req ApplyRequest) Result {
	return c.Send(ctx, nodeID, ApplyPath, req)
}

// Send POSTs payload as JSON to path on the agent, retrying transport
// failures per the path's policy. HTTP status errors are not retried.
func (c *Client) Send(ctx context.Context, nodeID, path string, payload any) Result {
	node, err := c.Nodes.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errorResult(KindNotFound, "Node %s not found", nodeID)
		}
		return errorResult(KindOther, "Error: %v", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errorResult(KindOther, "Error: encode request: %v", err)
	}

	ep := c.ResolveEndpoint(node)
	url := ep.BaseURL + path

	attempts, wait := directAttempts, directBackoff
	if ep.ViaRelay {
		attempts, wait = relayAttempts, relayBackoff
	}
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(wait))

	start := time.Now()
	attempt := 0
	var res Result
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && ep.ViaRelay {
			log.Printf("[nodeclient] Retry %d/%d for node %s via relay", attempt, attempts, nodeID)
		}
		var terr error
		res, terr = c.do(ctx, http.MethodPost, url, body, ep.ViaRelay, pushTimeout, 0)
		if terr != nil {
			return retry.RetryableError(terr)
		}
		return nil
	})
	if err != nil {
		res = transportFailure(err, ep, attempts)
	}
	res.ViaRelay = ep.ViaRelay
	c.Metrics.RecordAgentRequest(pathLabel(ep), outcomeLabel(res), time.Since(start).Seconds())
	return res
}

// ProbeStatus GETs the agent status endpoint once with a short timeout.
func (c *Client) ProbeStatus(ctx context.Context, nodeID string) Result {
	node, err := c.Nodes.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errorResult(KindNotFound, "Node %s not found", nodeID)
		}
		return errorResult(KindOther, "Error: %v", err)
	}
	return c.ProbeNode(ctx, node)
}

// ProbeNode is ProbeStatus for an already loaded node.
func (c *Client) ProbeNode(ctx context.Context, node *database.Node) Result {
	ep := c.ResolveEndpoint(node)
	start := time.Now()
	res, err := c.do(ctx, http.MethodGet, ep.BaseURL+StatusPath, nil, ep.ViaRelay, probeTimeout, probeConnectTimeout)
	if err != nil {
		res = transportFailure(err, Endpoint{BaseURL: ep.BaseURL}, 1)
	}
	res.ViaRelay = ep.ViaRelay
	c.Metrics.RecordAgentRequest(pathLabel(ep), outcomeLabel(res), time.Since(start).Seconds())
	return res
}

// do performs one HTTP exchange. A non-nil error is a transport failure and
// may be retried; every other outcome is folded into the Result.
func (c *Client) do(ctx context.Context, method, url string, body []byte, viaRelay bool, timeout, dialTimeout time.Duration) (Result, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return errorResult(KindOther, "Error: %v", err), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient(viaRelay, timeout, dialTimeout).Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorResult(KindHTTPStatus, "Node error (HTTP %d): %s", resp.StatusCode, errorDetail(resp, raw)), nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorResult(KindDecode, "Error: invalid JSON response from node: %v", err), nil
	}

	res := Result{Status: StatusSuccess, Data: data}
	if s, ok := data["status"].(string); ok && s != "" {
		res.Status = s
	}
	if m, ok := data["message"].(string); ok {
		res.Message = m
	}
	if res.Status == StatusError {
		res.Kind = KindOther
		if res.Message == "" {
			res.Message = "Node reported an error"
		}
	}
	return res, nil
}

func errorDetail(resp *http.Response, raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(body.Detail)
		return string(b)
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 512 {
		return text
	}
	return resp.Status
}

func transportFailure(err error, ep Endpoint, attempts int) Result {
	msg := "Network error: " + err.Error()
	if ep.ViaRelay {
		msg += fmt.Sprintf(" (relay tunnel connection failed after %d attempts; check that frps is reachable on %s and review the frps log)",
			attempts, strings.TrimPrefix(ep.BaseURL, "http://"))
	}
	return Result{Status: StatusError, Message: msg, Kind: classify(err)}
}

// classify maps a transport error onto a Kind.
func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnect
	}
	return KindOther
}

func pathLabel(ep Endpoint) string {
	if ep.ViaRelay {
		return "relay"
	}
	return "direct"
}

func outcomeLabel(r Result) string {
	if r.OK() {
		return "success"
	}
	return r.Kind.String()
}
