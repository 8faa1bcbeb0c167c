//go:build !linux

package sched

// setAffinity is a no-op off linux; agents still run, just unpinned.
func setAffinity(cpu int) error { return nil }
