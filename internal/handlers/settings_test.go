package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cimex/control-plane/internal/settings"
)

func TestRelaySettings_DefaultsAndGeneratedToken(t *testing.T) {
	setupTestDB(t)
	relay := &fakeRelay{}
	Relay = relay

	rec := doJSON(t, http.MethodGet, "/api/settings/frp", nil)
	body := decodeMap(t, rec)
	if body["enabled"] != false || body["port"] != float64(7000) || body["running"] != false {
		t.Errorf("unexpected defaults: %v", body)
	}

	rec = doJSON(t, http.MethodPut, "/api/settings/frp", map[string]interface{}{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body = decodeMap(t, rec)
	token, _ := body["token"].(string)
	if len(token) != 16 {
		t.Errorf("expected a generated 16 char token, got %q", token)
	}
	if body["running"] != true {
		t.Errorf("relay should be running: %v", body)
	}
	if len(relay.starts) != 1 || relay.starts[0] != 7000 {
		t.Errorf("relay starts = %v", relay.starts)
	}

	stored, err := settings.Store{}.LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if !stored.Enabled || stored.Token != token || stored.Port != 7000 {
		t.Errorf("stored = %+v", stored)
	}

	rec = doJSON(t, http.MethodPut, "/api/settings/frp", map[string]interface{}{"enabled": false})
	if decodeMap(t, rec)["running"] != false || relay.stops != 1 {
		t.Errorf("disable should stop the relay (stops=%d)", relay.stops)
	}
	stored, _ = settings.Store{}.LoadRelay()
	if stored.Token != token {
		t.Error("disabling must keep the token")
	}
}

func TestRelaySettings_Validation(t *testing.T) {
	setupTestDB(t)
	Relay = &fakeRelay{}

	rec := doJSON(t, http.MethodPut, "/api/settings/frp", map[string]interface{}{"port": 70000})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("port out of range: expected 400, got %d", rec.Code)
	}
}

func TestRelaySettings_StartFailureReported(t *testing.T) {
	setupTestDB(t)
	Relay = &fakeRelay{err: errors.New("frps binary not found")}

	rec := doJSON(t, http.MethodPut, "/api/settings/frp", map[string]interface{}{"enabled": true, "token": "abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["running"] != false || body["error"] == nil {
		t.Errorf("expected start error in response: %v", body)
	}
}

func TestReapplySettings_UpdateRestartsReconciler(t *testing.T) {
	setupTestDB(t)
	rc := &fakeReconciler{}
	Reconciler = rc

	rec := doJSON(t, http.MethodGet, "/api/settings/tunnel", nil)
	var got settings.Reapply
	decodeInto(t, rec, &got)
	if got != settings.DefaultReapply() {
		t.Errorf("defaults = %+v", got)
	}

	rec = doJSON(t, http.MethodPut, "/api/settings/tunnel", map[string]interface{}{
		"auto_reapply_enabled":       true,
		"auto_reapply_interval":      2,
		"auto_reapply_interval_unit": "hours",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rc.starts != 1 {
		t.Errorf("reconciler restarts = %d", rc.starts)
	}
	stored, _ := settings.Store{}.LoadReapply()
	if !stored.Enabled || stored.Interval != 2 || stored.IntervalUnit != settings.UnitHours {
		t.Errorf("stored = %+v", stored)
	}
}

func TestReapplySettings_Validation(t *testing.T) {
	setupTestDB(t)
	rc := &fakeReconciler{}
	Reconciler = rc

	for _, payload := range []map[string]interface{}{
		{"auto_reapply_interval": 0},
		{"auto_reapply_interval_unit": "days"},
	} {
		rec := doJSON(t, http.MethodPut, "/api/settings/tunnel", payload)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", payload, rec.Code)
		}
	}
	if rc.starts != 0 {
		t.Error("invalid settings must not restart the reconciler")
	}
}

func TestRelayLogs(t *testing.T) {
	setupTestDB(t)
	logPath := filepath.Join(t.TempDir(), "frps.log")
	if err := os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}
	Relay = &fakeRelay{logPath: logPath}

	rec := doJSON(t, http.MethodGet, "/api/settings/frp/logs?lines=2", nil)
	if got := decodeMap(t, rec)["logs"]; got != "two\nthree" {
		t.Errorf("logs = %q", got)
	}
}

func TestLogEndpoints_HugeLineCount(t *testing.T) {
	setupTestDB(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "frps.log")
	if err := os.WriteFile(logPath, []byte("one\ntwo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	Relay = &fakeRelay{logPath: logPath}
	oldServerLog := ServerLogPath
	ServerLogPath = logPath
	t.Cleanup(func() { ServerLogPath = oldServerLog })

	for _, path := range []string{"/api/settings/frp/logs?lines=35184372088832", "/api/logs?lines=9223372036854775807"} {
		rec := doJSON(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if got := decodeMap(t, rec)["logs"]; got != "one\ntwo" {
			t.Errorf("%s: logs = %q", path, got)
		}
	}
	if got := tailLines(httptest.NewRequest(http.MethodGet, "/api/logs?lines=50000", nil)); got != maxLogLines {
		t.Errorf("tailLines = %d, want %d", got, maxLogLines)
	}
}
