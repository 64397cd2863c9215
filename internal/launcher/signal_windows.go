// File: internal/launcher/signal_windows.go
//go:build windows

package launcher

import "os"

// Windows has no SIGTERM delivery for unrelated processes; Kill is the only
// reliable stop.
func interruptSignal() os.Signal { return os.Kill }
