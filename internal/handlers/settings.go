package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/cimex/control-plane/internal/crypto"
	"github.com/cimex/control-plane/internal/identity"
	"github.com/cimex/control-plane/internal/settings"
)

const (
	defaultRelayPort = 7000
	relayTokenLength = 16
)

type relaySettingsRequest struct {
	Enabled *bool   `json:"enabled"`
	Port    *int    `json:"port"`
	Token   *string `json:"token"`
}

type reapplySettingsRequest struct {
	Enabled      *bool   `json:"auto_reapply_enabled"`
	Interval     *int    `json:"auto_reapply_interval"`
	IntervalUnit *string `json:"auto_reapply_interval_unit"`
}

func relayRunning() bool {
	return Relay != nil && Relay.IsRunning()
}

func relayToResponse(rs settings.Relay) map[string]interface{} {
	port := rs.Port
	if port == 0 {
		port = defaultRelayPort
	}
	return map[string]interface{}{
		"enabled": rs.Enabled,
		"port":    port,
		"token":   rs.Token,
		"running": relayRunning(),
	}
}

func GetRelaySettings(w http.ResponseWriter, r *http.Request) {
	rs, err := settingsStore.LoadRelay()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load relay settings")
		return
	}
	writeJSON(w, http.StatusOK, relayToResponse(rs))
}

// UpdateRelaySettings stores the relay settings and starts or stops frps to
// match. Enabling without a token generates one.
func UpdateRelaySettings(w http.ResponseWriter, r *http.Request) {
	var body relaySettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rs, err := settingsStore.LoadRelay()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load relay settings")
		return
	}
	if body.Enabled != nil {
		rs.Enabled = *body.Enabled
	}
	if body.Port != nil {
		rs.Port = *body.Port
	}
	if body.Token != nil {
		rs.Token = *body.Token
	}
	if rs.Port == 0 {
		rs.Port = defaultRelayPort
	}
	if rs.Enabled && rs.Token == "" {
		token, err := identity.GenerateToken(relayTokenLength)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to generate token")
			return
		}
		rs.Token = token
	}

	if err := rs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := settingsStore.SaveRelay(rs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save relay settings")
		return
	}

	log.Printf("[settings] Relay settings saved: enabled=%v port=%d token=%s", rs.Enabled, rs.Port, crypto.Mask(rs.Token))

	resp := relayToResponse(rs)
	if Relay != nil {
		if rs.Enabled {
			if err := Relay.Start("0.0.0.0", rs.Port, rs.Token); err != nil {
				log.Printf("[settings] Relay start failed: %v", err)
				resp["error"] = err.Error()
			}
		} else {
			Relay.Stop()
		}
		resp["running"] = relayRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

func GetReapplySettings(w http.ResponseWriter, r *http.Request) {
	rs, err := settingsStore.LoadReapply()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tunnel settings")
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// UpdateReapplySettings stores the reconciliation settings and restarts the
// loop so a new interval applies immediately.
func UpdateReapplySettings(w http.ResponseWriter, r *http.Request) {
	var body reapplySettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rs, err := settingsStore.LoadReapply()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tunnel settings")
		return
	}
	if body.Enabled != nil {
		rs.Enabled = *body.Enabled
	}
	if body.Interval != nil {
		rs.Interval = *body.Interval
	}
	if body.IntervalUnit != nil {
		rs.IntervalUnit = *body.IntervalUnit
	}

	if err := rs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := settingsStore.SaveReapply(rs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save tunnel settings")
		return
	}

	if Reconciler != nil {
		if err := Reconciler.Start(BaseCtx); err != nil {
			log.Printf("[settings] Failed to restart reconciler: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, rs)
}
