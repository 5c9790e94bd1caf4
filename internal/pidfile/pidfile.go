// Package pidfile records the server's process ID so operators and init
// scripts can find a running instance.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Pidfile is one PID file on disk.
type Pidfile struct {
	path string
}

// New creates a handle for the PID file at path.
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Path returns the file location.
func (p *Pidfile) Path() string {
	return p.path
}

// Write stores the current process ID. An existing file from a still-running
// process is an error; a stale file is overwritten.
func (p *Pidfile) Write() error {
	if pid, err := p.Read(); err == nil && processAlive(pid) {
		return fmt.Errorf("pidfile %s held by running process %d", p.path, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read returns the PID stored in the file.
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in pidfile %s: %w", p.path, err)
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// processAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
