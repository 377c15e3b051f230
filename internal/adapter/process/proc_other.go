//go:build !linux

package process

import (
	"fmt"
	"time"
)

// sampleProc is unsupported outside Linux: /proc is a Linux-specific
// pseudo-filesystem, and this adapter doesn't pull in a cgo/syscall
// per-platform process-stats library for the sake of one optional probe.
func sampleProc(pid int) (time.Duration, int64, error) {
	return 0, 0, fmt.Errorf("process: CPU/memory sampling unsupported on this platform")
}
