//go:build linux

// Package affinity pins the calling OS thread to a single logical CPU,
// adapted from the teacher repository's ring.setAffinity. The teacher
// calls sched_setaffinity directly through syscall.RawSyscall with a
// hand-built bitmask; this version goes through golang.org/x/sys/unix's
// typed CPUSet instead, so the pipeline's capture/parser/consumer
// actors (spec §5's "one actor pinned per physical core where
// available") get the same pin without re-deriving the raw syscall
// ABI.
package affinity

import "golang.org/x/sys/unix"

// Pin binds the current OS thread to cpu. Errors are deliberately
// swallowed — on a containerized or cgroup-restricted host the call
// may return EPERM/EINVAL, and the fallback is simply "no pin," same
// as the teacher's rationale.
func Pin(cpu int) {
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
