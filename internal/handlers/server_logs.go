package handlers

import (
	"net/http"
	"strconv"

	"github.com/cimex/control-plane/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 10000
)

// ServerLogPath is the control plane's own log file.
var ServerLogPath string

func tailLines(r *http.Request) int {
	lines := defaultLogLines
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxLogLines)
		}
	}
	return lines
}

func writeTail(w http.ResponseWriter, path string, lines int) {
	content, err := logging.Tail(path, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	if ServerLogPath == "" {
		writeJSON(w, http.StatusOK, map[string]string{"logs": ""})
		return
	}
	writeTail(w, ServerLogPath, tailLines(r))
}

// GetRelayLogs returns the tail of the frps process log.
func GetRelayLogs(w http.ResponseWriter, r *http.Request) {
	if Relay == nil {
		writeJSON(w, http.StatusOK, map[string]string{"logs": ""})
		return
	}
	writeTail(w, Relay.LogPath(), tailLines(r))
}
