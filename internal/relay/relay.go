// Package relay owns the control-plane side frps process that agents dial
// into when they cannot be reached directly.
package relay

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cimex/control-plane/internal/logging"
	"gopkg.in/yaml.v3"
)

// ErrBinaryNotFound means no frps executable could be located. The control
// plane keeps running and agents are reached directly.
var ErrBinaryNotFound = errors.New("frps binary not found")

// StartError reports a process that exited during the startup grace period.
type StartError struct {
	ExitErr error
	LogTail string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("frps exited during startup (%v): %s", e.ExitErr, e.LogTail)
}

// Tunables. Tests may override these.
var (
	startGrace   = 1 * time.Second
	stopTimeout  = 5 * time.Second
	logTailBytes = int64(500)

	wellKnownPaths = []string{"/usr/local/bin/frps", "/usr/bin/frps"}
)

const (
	configFileName = "frps_comm.yaml"
	logFileName    = "frps_comm.log"
)

// Config is the triple that identifies a running relay.
type Config struct {
	BindAddr string
	Port     int
	Token    string
}

type frpsAuth struct {
	Method string `yaml:"method"`
	Token  string `yaml:"token"`
}

type frpsConfig struct {
	BindAddr string    `yaml:"bindAddr,omitempty"`
	BindPort int       `yaml:"bindPort"`
	Auth     *frpsAuth `yaml:"auth,omitempty"`
}

// Manager starts and stops a single frps process. Start and Stop are
// mutually exclusive.
type Manager struct {
	// Dir holds the generated config and the process log.
	Dir string
	// Binary overrides binary discovery when set.
	Binary string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	cfg  Config
	// OnChange is called with the new running state after Start or Stop, and
	// when the process exits on its own.
	OnChange func(running bool)
}

// NewManager returns a Manager writing its files under dir.
func NewManager(dir, binary string) *Manager {
	return &Manager{Dir: dir, Binary: binary}
}

// ResolveBinary finds the frps executable: the explicit override, then the
// well-known install paths, then PATH.
func (m *Manager) ResolveBinary() (string, error) {
	if m.Binary != "" {
		if isExecutableFile(m.Binary) {
			return m.Binary, nil
		}
		log.Printf("[relay] Configured binary %s is not usable, searching defaults", m.Binary)
	}
	for _, p := range wellKnownPaths {
		if isExecutableFile(p) {
			return p, nil
		}
	}
	if p, err := exec.LookPath("frps"); err == nil {
		return p, nil
	}
	return "", ErrBinaryNotFound
}

func isExecutableFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0111 != 0
}

// Start launches frps for the given configuration. With the same
// configuration already running it does nothing; with a different one the
// old process is stopped first.
func (m *Manager) Start(bindAddr string, port int, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := Config{BindAddr: bindAddr, Port: port, Token: token}
	if m.runningLocked() {
		if m.cfg == want {
			return nil
		}
		log.Printf("[relay] Configuration changed (port %d -> %d), restarting", m.cfg.Port, port)
		m.stopLocked()
	}

	err := m.startLocked(want)
	m.notify()
	return err
}

func (m *Manager) startLocked(cfg Config) error {
	binary, err := m.ResolveBinary()
	if err != nil {
		log.Printf("[relay] %v; relay transport unavailable", err)
		return err
	}

	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return fmt.Errorf("create relay dir: %w", err)
	}
	configPath := filepath.Join(m.Dir, configFileName)
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	logPath := m.LogPath()
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("open relay log: %w", err)
	}
	fmt.Fprintf(logFile, "Starting frps on port %d (token %s)\n", cfg.Port, tokenState(cfg.Token))

	cmd := exec.Command(binary, "-c", configPath)
	cmd.Dir = m.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start frps: %w", err)
	}

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		logFile.Close()
		close(done)
	}()

	select {
	case <-done:
		tail, _ := logging.TailBytes(logPath, logTailBytes)
		err := &StartError{ExitErr: waitErr, LogTail: tail}
		log.Printf("[relay] %v", err)
		return err
	case <-time.After(startGrace):
	}

	m.cmd = cmd
	m.done = done
	m.cfg = cfg
	log.Printf("[relay] frps started on port %d (PID %d)", cfg.Port, cmd.Process.Pid)
	go m.watchExit(done)
	return nil
}

// watchExit clears the state and reports the change when the process it was
// started for exits without Stop being called.
func (m *Manager) watchExit(done chan struct{}) {
	<-done
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != done {
		return
	}
	log.Printf("[relay] frps exited unexpectedly (PID %d)", m.cmd.Process.Pid)
	m.cmd, m.done, m.cfg = nil, nil, Config{}
	m.notify()
}

func writeConfig(path string, cfg Config) error {
	fc := frpsConfig{BindPort: cfg.Port}
	if cfg.BindAddr != "" && cfg.BindAddr != "0.0.0.0" {
		fc.BindAddr = cfg.BindAddr
	}
	if cfg.Token != "" {
		fc.Auth = &frpsAuth{Method: "token", Token: cfg.Token}
	}
	b, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode frps config: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("write frps config: %w", err)
	}
	return nil
}

func tokenState(token string) string {
	if token == "" {
		return "none"
	}
	return "set"
}

// Stop terminates the process, escalating to SIGKILL after stopTimeout. State
// is cleared even when the process is already gone.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.notify()
}

func (m *Manager) stopLocked() {
	if m.cmd == nil {
		return
	}
	cmd, done := m.cmd, m.done
	m.cmd, m.done, m.cfg = nil, nil, Config{}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("[relay] SIGTERM failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Printf("[relay] frps did not exit within %v, killing", stopTimeout)
		cmd.Process.Kill()
		<-done
	}
	log.Printf("[relay] frps stopped")
}

// IsRunning reports whether the process is alive.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Current returns the configuration of the live process, if any.
func (m *Manager) Current() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runningLocked() {
		return Config{}, false
	}
	return m.cfg, true
}

// LogPath is the file frps writes its output to.
func (m *Manager) LogPath() string {
	return filepath.Join(m.Dir, logFileName)
}

// PID returns the live process id, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runningLocked() {
		return 0
	}
	return m.cmd.Process.Pid
}

func (m *Manager) notify() {
	if m.OnChange != nil {
		m.OnChange(m.runningLocked())
	}
}
