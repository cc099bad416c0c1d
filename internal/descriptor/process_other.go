//go:build !unix

package descriptor

import "os"

// processAlive falls back to FindProcess, which fails for unknown pids on Windows.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
