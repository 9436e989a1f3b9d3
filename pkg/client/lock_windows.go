//go:build windows

package client

import "os"

// Windows has no signal 0; FindProcess succeeding is the best probe we get,
// so treat any resolvable pid as alive and let the user remove the lock.
var probeSignal = os.Interrupt
