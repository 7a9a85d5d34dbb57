//go:build !windows

package app

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processExists checks pid with signal 0. EPERM means the process exists
// but belongs to another user.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
