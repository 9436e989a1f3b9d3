//go:build !windows

package client

import "syscall"

var probeSignal = syscall.Signal(0)
