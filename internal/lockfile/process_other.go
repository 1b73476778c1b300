//go:build !unix

package lockfile

// isProcessRunning cannot probe other processes here; any positive PID is
// assumed alive so a held lock is never reported as stale.
func isProcessRunning(pid int) bool {
	return pid > 0
}
