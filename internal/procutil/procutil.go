// Package procutil reads process information from /proc: liveness of
// supervised daemons and the user-facing invoker of a D-Bus caller.
package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// shells are skipped when walking up from a caller to its invoker.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
	"sudo": true, "pkexec": true,
}

// IsShell reports whether comm is a shell or privilege wrapper.
func IsShell(comm string) bool {
	return shells[comm]
}

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadPPID reads the parent PID from /proc/<pid>/stat.
// Returns 0 on any error.
func ReadPPID(pid int32) int32 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Format: "pid (comm) state ppid ..."; comm may contain spaces.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 2 {
		return 0
	}
	ppid, _ := strconv.ParseInt(fields[1], 10, 32)
	return int32(ppid)
}

// ReadPIDFile parses a daemon pid file.
func ReadPIDFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: malformed content", path)
	}
	return int32(pid), nil
}

// Alive reports whether pid exists and, if comm is non-empty, runs a program
// with that name. The name check guards against pid reuse.
func Alive(pid int32, comm string) bool {
	if pid <= 0 {
		return false
	}
	got := ReadComm(pid)
	if got == "" {
		return false
	}
	return comm == "" || got == comm
}

// AliveFromPIDFile combines ReadPIDFile and Alive.
func AliveFromPIDFile(path, comm string) (int32, bool) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, false
	}
	return pid, Alive(pid, comm)
}

// ResolveInvoker walks from pid up to init, skipping shells and privilege
// wrappers, to find the user-facing invoker. Returns ("", 0) if /proc is
// unreadable.
func ResolveInvoker(pid uint32) (comm string, invokerPID uint32) {
	p := int32(pid)
	comm = ReadComm(p)
	if comm == "" {
		return "", 0
	}
	if !IsShell(comm) {
		return comm, pid
	}
	for p = ReadPPID(p); p > 1; p = ReadPPID(p) {
		c := ReadComm(p)
		if c == "" {
			break
		}
		if !IsShell(c) {
			return c, uint32(p)
		}
	}
	return comm, pid
}
