//go:build linux

package sched

import "golang.org/x/sys/unix"

// setAffinity pins the calling thread to cpu. The caller must have locked
// the goroutine to its OS thread.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
