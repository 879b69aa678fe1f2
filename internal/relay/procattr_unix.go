//go:build !windows

package relay

import "syscall"

// detachedProcAttr starts frps in its own session so signals aimed at the
// panel's process group do not reach it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
