package emulator

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Endpoints are the run-local paths the emulator binds its monitor and
// serial port to.
type Endpoints struct {
	Dir     string
	Monitor string
	Serial  string
}

// NewEndpoints creates a fresh directory under parent (os.TempDir() when
// empty) holding one named pipe per channel. The emulator replaces each pipe
// with a listening socket when it binds.
func NewEndpoints(parent, runID string) (*Endpoints, error) {
	dir, err := os.MkdirTemp(parent, "lava-run-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	ep := &Endpoints{
		Dir:     dir,
		Monitor: filepath.Join(dir, "monitor"),
		Serial:  filepath.Join(dir, "serial"),
	}
	for _, path := range []string{ep.Monitor, ep.Serial} {
		if err := unix.Mkfifo(path, 0600); err != nil {
			_ = ep.Remove()
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
	return ep, nil
}

// MonitorLog is where raw monitor output is kept for the run
func (e *Endpoints) MonitorLog() string {
	return filepath.Join(e.Dir, "monitor.txt")
}

// ConsoleLog is where raw console output is kept for the run
func (e *Endpoints) ConsoleLog() string {
	return filepath.Join(e.Dir, "console.txt")
}

// Remove deletes the directory and everything in it
func (e *Endpoints) Remove() error {
	if err := os.RemoveAll(e.Dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", e.Dir, err)
	}
	return nil
}
