// File: internal/launcher/signal_unix.go
//go:build !windows

package launcher

import (
	"os"
	"syscall"
)

func interruptSignal() os.Signal { return syscall.SIGTERM }
