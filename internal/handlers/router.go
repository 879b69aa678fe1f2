package handlers

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes mounts the control-plane API on r.
func Routes(r chi.Router) {
	r.Get("/health", HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", GetStatus)
		r.Get("/logs", GetServerLogs)

		r.Route("/panel", func(r chi.Router) {
			r.Get("/health", PanelHealth)
			r.Get("/ca", GetNodeCA)
			r.Get("/ca/server", GetServerCA)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", RegisterNode)
			r.Get("/", ListNodes)
			r.Get("/{id}", GetNode)
			r.Delete("/{id}", DeleteNode)
			r.Put("/{id}/frp-status", UpdateRelayStatus)
		})

		r.Route("/tunnels", func(r chi.Router) {
			r.Get("/", ListTunnels)
			r.Post("/", CreateTunnel)
			r.Post("/reapply", ReapplyTunnels)
			r.Get("/{id}", GetTunnel)
			r.Put("/{id}", UpdateTunnel)
			r.Delete("/{id}", DeleteTunnel)
			r.Post("/{id}/apply", ApplyTunnel)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/frp", GetRelaySettings)
			r.Put("/frp", UpdateRelaySettings)
			r.Get("/frp/logs", GetRelayLogs)
			r.Get("/tunnel", GetReapplySettings)
			r.Put("/tunnel", UpdateReapplySettings)
		})
	})
}
