// Package settings holds the operator-tunable singletons kept in the settings
// table. Both records are read fresh on every use so edits apply without a
// restart.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cimex/control-plane/internal/crypto"
	"github.com/cimex/control-plane/internal/database"
)

const (
	RelayKey   = "frp"
	ReapplyKey = "tunnel"
)

const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
)

// Relay configures the control-plane side relay (frps) and the instructions
// embedded in registration responses.
type Relay struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Token   string `json:"token"`
}

// Reapply configures the reconciliation loop.
type Reapply struct {
	Enabled      bool   `json:"auto_reapply_enabled"`
	Interval     int    `json:"auto_reapply_interval"`
	IntervalUnit string `json:"auto_reapply_interval_unit"`
}

// DefaultReapply is used when no record has been stored.
func DefaultReapply() Reapply {
	return Reapply{Enabled: false, Interval: 60, IntervalUnit: UnitMinutes}
}

// Period converts the interval to a duration. Any unit other than hours is
// treated as minutes.
func (r Reapply) Period() time.Duration {
	if r.IntervalUnit == UnitHours {
		return time.Duration(r.Interval) * time.Hour
	}
	return time.Duration(r.Interval) * time.Minute
}

func (r Reapply) Validate() error {
	if r.Interval < 1 {
		return fmt.Errorf("auto_reapply_interval must be at least 1")
	}
	if r.IntervalUnit != UnitMinutes && r.IntervalUnit != UnitHours {
		return fmt.Errorf("auto_reapply_interval_unit must be %q or %q", UnitMinutes, UnitHours)
	}
	return nil
}

func (r Relay) Validate() error {
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if r.Enabled && r.Token == "" {
		return fmt.Errorf("token is required when relay is enabled")
	}
	return nil
}

// Store reads and writes both records.
type Store struct{}

// stored form: the token is encrypted at rest.
type relayRecord struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Token   string `json:"token"`
}

// LoadRelay returns the relay settings, or a disabled zero value when none are
// stored.
func (Store) LoadRelay() (Relay, error) {
	raw, err := database.GetSetting(RelayKey)
	if errors.Is(err, database.ErrNotFound) {
		return Relay{}, nil
	}
	if err != nil {
		return Relay{}, fmt.Errorf("load relay settings: %w", err)
	}
	var rec relayRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Relay{}, fmt.Errorf("decode relay settings: %w", err)
	}
	token, err := crypto.Decrypt(rec.Token)
	if err != nil {
		return Relay{}, fmt.Errorf("decrypt relay token: %w", err)
	}
	return Relay{Enabled: rec.Enabled, Port: rec.Port, Token: token}, nil
}

func (Store) SaveRelay(r Relay) error {
	enc, err := crypto.Encrypt(r.Token)
	if err != nil {
		return fmt.Errorf("encrypt relay token: %w", err)
	}
	b, err := json.Marshal(relayRecord{Enabled: r.Enabled, Port: r.Port, Token: enc})
	if err != nil {
		return err
	}
	return database.SetSetting(RelayKey, string(b))
}

// LoadReapply returns the reconciliation settings. Missing fields fall back to
// DefaultReapply.
func (Store) LoadReapply() (Reapply, error) {
	r := DefaultReapply()
	raw, err := database.GetSetting(ReapplyKey)
	if errors.Is(err, database.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("load reapply settings: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return DefaultReapply(), fmt.Errorf("decode reapply settings: %w", err)
	}
	if r.Interval < 1 {
		r.Interval = DefaultReapply().Interval
	}
	if r.IntervalUnit == "" {
		r.IntervalUnit = UnitMinutes
	}
	return r, nil
}

func (Store) SaveReapply(r Reapply) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return database.SetSetting(ReapplyKey, string(b))
}
