//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jjs-dev/invoker/internal/sandbox/spec"
)

// createDominionCgroup allocates a fresh cgroup directory for one dominion
// under root, keyed by submission id so KillSubmission-style sweeps can
// still find every cgroup belonging to a request.
func createDominionCgroup(root, submissionID, dominionID string) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	dir := fmt.Sprintf("%s-%d", dominionID, time.Now().UnixNano())
	cgroupPath := filepath.Join(root, submissionID, dir)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(cgroupPath) }
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, opts spec.DominionOptions) error {
	pidsValue := "max"
	if opts.MaxAliveProcesses > 0 {
		pidsValue = strconv.Itoa(opts.MaxAliveProcesses)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if opts.MemoryLimit > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(opts.MemoryLimit, 10)); err != nil {
			return err
		}
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", "max 100000"); err != nil {
		return err
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

// killCgroup kills every process in cgroupPath via cgroup.kill, the
// cgroups-v2 primitive for "kill this whole subtree now".
func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

// memoryPeakBytes reads memory.peak, the cgroups-v2 high-watermark file.
func memoryPeakBytes(cgroupPath string) int64 {
	val, err := readCgroupInt(cgroupPath, "memory.peak")
	if err != nil {
		return 0
	}
	return val
}

// cpuTimeNs reads cpu.stat's usage_usec, the cumulative CPU time consumed
// by every process that has passed through this cgroup.
func cpuTimeNs(cgroupPath string) int64 {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usec, _ := strconv.ParseInt(fields[1], 10, 64)
			return usec * 1000
		}
	}
	return 0
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}
