package lock

import (
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// IsPidAlive reports whether a process with the given pid exists. The pid
// arrives from an untrusted JSON payload, so it is validated before any
// syscall: NaN, infinities, zero, negatives, and non-integral values are
// never probed and report not-alive.
func IsPidAlive(pid float64) bool {
	if math.IsNaN(pid) || math.IsInf(pid, 0) {
		return false
	}
	if pid <= 0 || pid != math.Trunc(pid) {
		return false
	}
	return probePid(int(pid))
}

// probePid sends signal 0 to the process. Permission denied still means the
// process exists.
func probePid(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// readCommandLine returns the command line of a running process, or empty
// when it cannot be determined.
func readCommandLine(pid int) string {
	// /proc is authoritative where available; ps covers the rest.
	if data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline"); err == nil && len(data) > 0 {
		return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func joinArgv(argv []string) string {
	return strings.Join(argv, " ")
}
