//go:build unix

package sandbox

import (
	"golang.org/x/sys/unix"
)

// applyMemoryLimit caps the worker's address space with RLIMIT_AS. The
// limit covers the whole process, Go runtime reservations included, so the
// configured ceiling should leave headroom for the runtime itself; an
// allocation that would cross it fails inside the worker, never in the
// server process.
func applyMemoryLimit(maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	limit := unix.Rlimit{Cur: uint64(maxBytes), Max: uint64(maxBytes)}
	return unix.Setrlimit(unix.RLIMIT_AS, &limit)
}
