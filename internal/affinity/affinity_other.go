//go:build !linux

package affinity

// Pin is a no-op outside Linux, matching the teacher's cross-platform
// fallback: pinning is an optimization, never a correctness dependency.
func Pin(cpu int) {}
