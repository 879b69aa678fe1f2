package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/identity"
	"github.com/cimex/control-plane/internal/logging"
	"github.com/cimex/control-plane/internal/reachability"
)

type registerRequest struct {
	Name        string                `json:"name"`
	IPAddress   string                `json:"ip_address"`
	APIPort     int                   `json:"api_port"`
	Fingerprint string                `json:"fingerprint"`
	Role        string                `json:"role"`
	Metadata    database.NodeMetadata `json:"metadata"`
}

type relayStatusRequest struct {
	Connected  bool `json:"connected"`
	RemotePort int  `json:"remote_port"`
}

func metadataToMap(md database.NodeMetadata) map[string]interface{} {
	out := map[string]interface{}{}
	raw, err := json.Marshal(md)
	if err != nil {
		return out
	}
	json.Unmarshal(raw, &out)
	return out
}

func nodeToResponse(n *database.Node, extra map[string]interface{}) map[string]interface{} {
	md := metadataToMap(n.Metadata)
	for k, v := range extra {
		md[k] = v
	}
	return map[string]interface{}{
		"id":            n.ID,
		"name":          n.Name,
		"fingerprint":   n.Fingerprint,
		"status":        n.Status,
		"registered_at": n.RegisteredAt,
		"last_seen":     n.LastSeen,
		"metadata":      md,
	}
}

// RegisterNode creates or refreshes an agent. The role may be declared at the
// top level or inside metadata.
func RegisterNode(w http.ResponseWriter, r *http.Request) {
	if Registrar == nil {
		writeError(w, http.StatusServiceUnavailable, "Registration unavailable")
		return
	}

	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	role := body.Role
	if role == "" {
		role = string(body.Metadata.Role)
	}

	reg, err := Registrar.Register(r.Context(), identity.Request{
		Name:        body.Name,
		IPAddress:   body.IPAddress,
		APIPort:     body.APIPort,
		Fingerprint: body.Fingerprint,
		Role:        role,
		Metadata:    body.Metadata,
	})
	switch {
	case errors.Is(err, identity.ErrRoleConflict):
		Metrics.RecordRegistration("conflict")
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, identity.ErrInvalidRequest):
		Metrics.RecordRegistration("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		Metrics.RecordRegistration("error")
		log.Printf("[nodes] Registration of %s failed: %v", logging.Sanitize(body.Name), err)
		writeError(w, http.StatusInternalServerError, "Failed to register node")
		return
	}

	if reg.Created {
		Metrics.RecordRegistration("created")
	} else {
		Metrics.RecordRegistration("updated")
	}

	var extra map[string]interface{}
	if reg.Relay != nil {
		extra = map[string]interface{}{"frp_config": reg.Relay}
	}
	writeJSON(w, http.StatusOK, nodeToResponse(reg.Node, extra))
}

// ListNodes returns every node with a freshly probed connection_status.
func ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := database.ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list nodes")
		return
	}

	states := map[string]reachability.State{}
	if Agents != nil {
		states = reachability.CheckAll(r.Context(), Agents, nodes)
	}
	Metrics.SetNodeConnectionStates(reachability.StateNames(), reachability.Counts(states))

	resp := make([]map[string]interface{}, 0, len(nodes))
	for i := range nodes {
		state, ok := states[nodes[i].ID]
		if !ok {
			state = reachability.StateFailed
		}
		resp = append(resp, nodeToResponse(&nodes[i], map[string]interface{}{
			"connection_status": state.String(),
		}))
	}
	writeJSON(w, http.StatusOK, resp)
}

func GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := database.GetNode(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}
	writeJSON(w, http.StatusOK, nodeToResponse(n, nil))
}

func DeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := database.DeleteNode(id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete node")
		return
	}
	log.Printf("[nodes] Node %s deleted", logging.Sanitize(id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// UpdateRelayStatus records an agent's report about its relay tunnel.
func UpdateRelayStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body relayStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := database.UpdateRelayStatus(id, body.Connected, body.RemotePort)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update relay status")
		return
	}

	if n.Metadata.FRPConnected {
		log.Printf("[nodes] Node %s relay connected, remote_port=%d", logging.Sanitize(id), n.Metadata.FRPRemotePort)
	} else {
		log.Printf("[nodes] Node %s relay status cleared", logging.Sanitize(id))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
