package handlers

import (
	"log"
	"net/http"

	"github.com/cimex/control-plane/internal/crypto"
	"github.com/cimex/control-plane/internal/database"
)

func serveCA(w http.ResponseWriter, r *http.Request, certPath, keyPath, commonName, filename string) {
	pem, err := crypto.EnsureCA(certPath, keyPath, commonName)
	if err != nil {
		log.Printf("[panel] CA %s unavailable: %v", filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to load CA certificate")
		return
	}

	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(pem))
}

// GetNodeCA serves the CA agents trust for their own API certificates.
func GetNodeCA(w http.ResponseWriter, r *http.Request) {
	serveCA(w, r, NodeCACertPath, NodeCAKeyPath, crypto.NodeCACommonName, "ca.crt")
}

// GetServerCA serves the CA for single-endpoint server deployments.
func GetServerCA(w http.ResponseWriter, r *http.Request) {
	serveCA(w, r, ServerCACertPath, ServerCAKeyPath, crypto.ServerCACommonName, "ca-server.crt")
}

func GetStatus(w http.ResponseWriter, r *http.Request) {
	tunnelsTotal, tunnelsActive, err := database.CountTunnels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count tunnels")
		return
	}
	nodesTotal, nodesActive, err := database.CountNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count nodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": map[string]int64{"total": tunnelsTotal, "active": tunnelsActive},
		"nodes":   map[string]int64{"total": nodesTotal, "active": nodesActive},
		"relay":   map[string]bool{"running": relayRunning()},
	})
}
