package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/metrics"
	"github.com/cimex/control-plane/internal/translate"
)

type tunnelCreateRequest struct {
	Name          string                 `json:"name"`
	Core          string                 `json:"core"`
	Type          string                 `json:"type"`
	NodeID        string                 `json:"node_id"`
	IranNodeID    string                 `json:"iran_node_id"`
	ForeignNodeID string                 `json:"foreign_node_id"`
	Spec          map[string]interface{} `json:"spec"`
}

type tunnelUpdateRequest struct {
	Name          *string                `json:"name"`
	Type          *string                `json:"type"`
	NodeID        *string                `json:"node_id"`
	IranNodeID    *string                `json:"iran_node_id"`
	ForeignNodeID *string                `json:"foreign_node_id"`
	Spec          map[string]interface{} `json:"spec"`
	Status        *string                `json:"status"`
}

func ListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := database.ListTunnels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tunnels")
		return
	}
	writeJSON(w, http.StatusOK, tunnels)
}

func CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var body tunnelCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !translate.Supported(body.Core) {
		writeError(w, http.StatusBadRequest, "Unsupported core: "+body.Core)
		return
	}
	if body.Type == "" {
		body.Type = "tcp"
	}
	if body.Spec == nil {
		body.Spec = map[string]interface{}{}
	}

	t := &database.Tunnel{
		Name:          body.Name,
		Core:          body.Core,
		Type:          body.Type,
		NodeID:        body.NodeID,
		IranNodeID:    body.IranNodeID,
		ForeignNodeID: body.ForeignNodeID,
		Spec:          body.Spec,
		Status:        database.StatusActive,
	}
	if err := database.CreateTunnel(t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create tunnel")
		return
	}
	log.Printf("[tunnels] Created %s tunnel %s", t.Core, t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func GetTunnel(w http.ResponseWriter, r *http.Request) {
	t, err := database.GetTunnel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func UpdateTunnel(w http.ResponseWriter, r *http.Request) {
	t, err := database.GetTunnel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}

	var body tunnelUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Status != nil {
		if *body.Status != database.StatusActive && *body.Status != database.StatusInactive {
			writeError(w, http.StatusBadRequest, "status must be 'active' or 'inactive'")
			return
		}
		t.Status = *body.Status
	}
	if body.Name != nil {
		t.Name = *body.Name
	}
	if body.Type != nil {
		t.Type = *body.Type
	}
	if body.NodeID != nil {
		t.NodeID = *body.NodeID
	}
	if body.IranNodeID != nil {
		t.IranNodeID = *body.IranNodeID
	}
	if body.ForeignNodeID != nil {
		t.ForeignNodeID = *body.ForeignNodeID
	}
	if body.Spec != nil {
		t.Spec = body.Spec
	}

	if err := database.SaveTunnel(t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update tunnel")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func DeleteTunnel(w http.ResponseWriter, r *http.Request) {
	if err := database.DeleteTunnel(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tunnel not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete tunnel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyTunnel pushes one tunnel to its agents now, using the same path as the
// reconciliation loop.
func ApplyTunnel(w http.ResponseWriter, r *http.Request) {
	if Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciler unavailable")
		return
	}
	t, err := database.GetTunnel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}

	res, err := Reconciler.Apply(r.Context(), t)
	var skipErr *translate.SkipError
	switch {
	case errors.As(err, &skipErr):
		Metrics.RecordTunnelApply(t.Core, metrics.ResultSkipped)
		writeError(w, http.StatusBadRequest, skipErr.Reason)
		return
	case err != nil:
		Metrics.RecordTunnelApply(t.Core, metrics.ResultFailed)
		log.Printf("[tunnels] Apply %s failed: %v", t.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to apply tunnel")
		return
	case !res.OK():
		Metrics.RecordTunnelApply(t.Core, metrics.ResultFailed)
		writeError(w, http.StatusBadGateway, res.Message)
		return
	}

	Metrics.RecordTunnelApply(t.Core, metrics.ResultApplied)
	msg := res.Message
	if msg == "" {
		msg = "Tunnel applied"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": msg})
}

// ReapplyTunnels runs one reconciliation pass and returns its summary.
func ReapplyTunnels(w http.ResponseWriter, r *http.Request) {
	if Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, Reconciler.RunOnce(r.Context()))
}
