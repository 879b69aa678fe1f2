package handlers

import (
	"context"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/identity"
	"github.com/cimex/control-plane/internal/metrics"
	"github.com/cimex/control-plane/internal/nodeclient"
	"github.com/cimex/control-plane/internal/reachability"
	"github.com/cimex/control-plane/internal/reconcile"
	"github.com/cimex/control-plane/internal/settings"
)

// RelayController is satisfied by *relay.Manager.
type RelayController interface {
	Start(bindAddr string, port int, token string) error
	Stop()
	IsRunning() bool
	LogPath() string
}

// TunnelReconciler is satisfied by *reconcile.Scheduler.
type TunnelReconciler interface {
	Start(ctx context.Context) error
	RunOnce(ctx context.Context) reconcile.Summary
	Apply(ctx context.Context, t *database.Tunnel) (nodeclient.Result, error)
}

// Set by main before the router starts serving.
var (
	Registrar  *identity.Registrar
	Agents     reachability.Prober
	Reconciler TunnelReconciler
	Relay      RelayController
	Metrics    *metrics.Metrics

	// BaseCtx outlives individual requests. Loops restarted from a handler
	// are bound to it.
	BaseCtx = context.Background()

	// CA material served under /api/panel.
	NodeCACertPath   string
	NodeCAKeyPath    string
	ServerCACertPath string
	ServerCAKeyPath  string
)

var settingsStore settings.Store
