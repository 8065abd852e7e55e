// pidfile.go enforces single-instance operation. A stale pidfile (its
// process no longer exists) is taken over silently.
package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/valetbot/valet/pkg/valet/atomicfile"
)

// AcquirePidfile claims path for this process. It fails when another
// live process holds it.
func AcquirePidfile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("another instance is running (pid %d, %s)", pid, path)
		}
	}
	return atomicfile.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// ReleasePidfile removes the pidfile if this process owns it.
func ReleasePidfile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

// processAlive checks for existence with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
