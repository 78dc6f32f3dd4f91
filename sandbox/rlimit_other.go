//go:build !unix

package sandbox

// applyMemoryLimit is a no-op on platforms without a native address-space
// limit. The ceiling falls back to the engine's monitor-and-terminate
// path; there is no hard OS enforcement here.
func applyMemoryLimit(int64) error {
	return nil
}
