// Package process finds and cleans up helper script processes left behind by
// a crashed nfcbridge. A stray monitor keeps the reader device open and makes
// every later start fail, so `nfcbridge cleanup` and `serve` both use it.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/databox/nfcbridge/logger"
)

// ErrUnsupported is returned on platforms without ps-style discovery.
var ErrUnsupported = errors.New("process discovery is not supported on " + runtime.GOOS)

// initPID is the parent of every process whose own parent has died.
const initPID = 1

// HelperProcess represents a running helper script process found on the system.
type HelperProcess struct {
	PID     int    // Process ID
	PPID    int    // Parent process ID
	Script  string // Script path the process was started with
	Command string // Full command line
}

// Orphaned reports whether the process outlived the nfcbridge that started it.
func (p HelperProcess) Orphaned() bool {
	return p.PPID == initPID
}

// FindHelperProcesses finds processes that were started as
// `<interpreter> <script> [args...]` for one of the given scripts. Other
// processes mentioning a script path, such as an editor or a pager, are not
// helpers.
func FindHelperProcesses(interpreter string, scripts []string) ([]HelperProcess, error) {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd":
	default:
		return nil, ErrUnsupported
	}

	output, err := exec.Command("ps", "-A", "-o", "pid=", "-o", "ppid=", "-o", "args=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps failed: %w", err)
	}

	processes := matchHelpers(string(output), interpreter, scripts, os.Getpid())
	logger.WithComponent("process").Debug("found helper processes", "count", len(processes))
	return processes, nil
}

// matchHelpers parses `ps -o pid=,ppid=,args=` output and keeps the helper
// processes. self is never reported.
func matchHelpers(psOutput, interpreter string, scripts []string, self int) []HelperProcess {
	var processes []HelperProcess
	for _, line := range strings.Split(psOutput, "\n") {
		pid, ppid, args, ok := parsePSLine(line)
		if !ok || pid == self {
			continue
		}
		for _, script := range scripts {
			if script == "" || !startedAs(args, interpreter, script) {
				continue
			}
			processes = append(processes, HelperProcess{
				PID:     pid,
				PPID:    ppid,
				Script:  script,
				Command: args,
			})
			break
		}
	}
	return processes
}

// parsePSLine splits one ps line into pid, ppid and the command line.
func parsePSLine(line string) (pid, ppid int, args string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, 0, "", false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, 0, "", false
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil || ppid < 0 {
		return 0, 0, "", false
	}
	rest := strings.TrimSpace(line)
	rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
	return pid, ppid, rest, true
}

// startedAs reports whether args is the command line the supervisor builds
// for script: the interpreter, the script path, then arguments.
func startedAs(args, interpreter, script string) bool {
	prefix := interpreter + " " + script
	return args == prefix || strings.HasPrefix(args, prefix+" ")
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
}

// FindOrphanedHelpers finds helper processes that were reparented to init
// and whose PID is not in knownPIDs, the processes owned by a live
// supervisor. Helpers whose parent is still running belong to another
// nfcbridge or UI instance and are left alone.
func FindOrphanedHelpers(interpreter string, scripts []string, knownPIDs map[int]bool) ([]HelperProcess, error) {
	all, err := FindHelperProcesses(interpreter, scripts)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []HelperProcess
	for _, proc := range all {
		if knownPIDs[proc.PID] || !proc.Orphaned() {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned helper process", "pid", proc.PID, "script", proc.Script)
	}
	return orphans, nil
}

// CleanupOrphanedHelpers kills every orphaned helper process.
// Returns the number of processes killed.
func CleanupOrphanedHelpers(interpreter string, scripts []string, knownPIDs map[int]bool) (int, error) {
	orphans, err := FindOrphanedHelpers(interpreter, scripts, knownPIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned helper process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
