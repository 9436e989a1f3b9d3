package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// instanceLock guards the local identity store against concurrent clients.
// Two processes ratcheting the same cipher chains would desync both, so only
// one client per data directory may run.
type instanceLock struct {
	path string
}

// acquireInstanceLock takes the exclusive pid-file lock for a data directory.
func acquireInstanceLock(dataDir string) (*instanceLock, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, "client.lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if os.IsExist(err) {
		if pid, ok := readLockPID(path); ok && !processAlive(pid) {
			// Stale lock from a crashed client.
			os.Remove(path)
			return acquireInstanceLock(dataDir)
		}
		return nil, fmt.Errorf("another client instance is already running (lock: %s)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring instance lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return &instanceLock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *instanceLock) Release() {
	if l == nil || l.path == "" {
		return
	}
	os.Remove(l.path)
	l.path = ""
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without sending anything.
	return proc.Signal(probeSignal) == nil
}
