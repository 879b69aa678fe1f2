package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/cimex.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Outward address handed to agents for the relay. Auto-detected when empty.
	PublicHost  string   `envconfig:"PUBLIC_HOST" default:""`
	STUNServers []string `envconfig:"STUN_SERVERS" default:""`

	// Relay subprocess
	FRPSBinary string `envconfig:"FRPS_BINARY" default:""`
	RelayDir   string `envconfig:"RELAY_DIR" default:""`

	// Trust material served at /api/panel/ca
	CACertPath       string `envconfig:"CA_CERT_PATH" default:"./certs/ca.crt"`
	CAKeyPath        string `envconfig:"CA_KEY_PATH" default:"./certs/ca.key"`
	ServerCACertPath string `envconfig:"SERVER_CA_CERT_PATH" default:"./certs/ca-server.crt"`
	ServerCAKeyPath  string `envconfig:"SERVER_CA_KEY_PATH" default:"./certs/ca-server.key"`

	AgentTLSInsecure bool          `envconfig:"AGENT_TLS_INSECURE" default:"true"`
	NodeStaleAfter   time.Duration `envconfig:"NODE_STALE_AFTER" default:"10m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CIMEX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// RelayWorkDir returns the directory holding the relay config and log files.
func (s Settings) RelayWorkDir() string {
	if s.RelayDir != "" {
		return s.RelayDir
	}
	return filepath.Join(s.DataPath, "frp_comm")
}

// LogFile returns the configured log path, falling back to the data dir.
func (s Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "cimex.log")
}
