//go:build !windows

package adminserver

import (
	"os"
	"syscall"
)

// checkProcessAlive sends signal 0 to probe whether process still exists.
func checkProcessAlive(process *os.Process) error {
	return process.Signal(syscall.Signal(0))
}
