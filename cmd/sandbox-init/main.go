//go:build linux

// Command sandbox-init is the helper process the sandbox engine execs for
// every Dominion.Spawn call. It receives an initRequest as one JSON value
// on stdin, applies the isolation steps that must happen inside the new
// namespaces (private mount propagation, a fresh /proc, chroot, rlimits,
// seccomp) and then execs the target command, replacing its own image.
//
// It never returns control to the engine on the success path: unix.Exec
// replaces the process. Any error is reported on stderr and the helper
// exits non-zero, which the engine surfaces as a SpawnUser/SpawnSystem
// failure depending on what went wrong.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if req.RootDir != "" {
			if err := mountProc(req.RootDir); err != nil {
				return err
			}
			if err := unix.Chroot(req.RootDir); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	} else if req.RootDir != "" {
		return fmt.Errorf("namespaces disabled but isolation root requested")
	}

	cwd := req.Command.Cwd
	if cwd == "" {
		cwd = "/jjs"
	}
	if err := os.Chdir(cwd); err != nil {
		return fmt.Errorf("chdir cwd: %w", err)
	}

	if err := applyRlimits(req.CPUTimeMs, req.PIDs); err != nil {
		return err
	}

	if err := redirectIO(req.Command.Stdio); err != nil {
		return err
	}

	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		if err := applySeccomp(req.Isolation.SeccompProfile); err != nil {
			return err
		}
	}

	env := buildEnv(req.Command.Env)
	os.Clearenv()
	for k, v := range req.Command.Env {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	argv := req.Command.Argv
	cmdPath := req.Command.Path
	if cmdPath == "" {
		cmdPath = argv[0]
	}
	resolved, err := exec.LookPath(cmdPath)
	if err != nil {
		// A bad path inside the sandbox is a user error, not a system one.
		return fmt.Errorf("user: resolve command %q: %w", cmdPath, err)
	}
	return unix.Exec(resolved, argv, env)
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Command.Argv) == 0 {
		return fmt.Errorf("user: command argv is empty")
	}
	return nil
}

// mountProc mounts a fresh procfs reflecting the new PID namespace. Bind
// mounts exposing toolchain/problem content are staged by the engine
// process before this helper is even spawned, so that every spawn in the
// same dominion inherits them via CLONE_NEWNS's copy-on-clone semantics;
// /proc is the one mount that must be private to this child's PID view.
func mountProc(rootDir string) error {
	procPath := filepath.Join(rootDir, "proc")
	if err := os.MkdirAll(procPath, 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

func applyRlimits(cpuTimeMs int64, pids int64) error {
	if cpuTimeMs > 0 {
		seconds := uint64((cpuTimeMs + 999) / 1000)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if pids > 0 {
		val := uint64(pids)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	return nil
}

func redirectIO(stdio stdioSpec) error {
	stdinFile, err := openStdin(stdio)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer stdinFile.Close()
	stdoutFile, err := openStdout(stdio.StdoutPath, stdio.Stdout)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := openStdout(stdio.StderrPath, stdio.Stderr)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	defer stderrFile.Close()

	if err := unix.Dup2(int(stdinFile.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(int(stderrFile.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("dup stderr: %w", err)
	}
	return nil
}

func openStdin(stdio stdioSpec) (*os.File, error) {
	switch stdio.Stdin {
	case dispositionFile:
		return os.Open(stdio.StdinPath)
	case dispositionEmpty:
		return os.Open(os.DevNull)
	default: // Null or unset
		return os.Open(os.DevNull)
	}
}

func openStdout(path string, disposition int) (*os.File, error) {
	if disposition == dispositionFile && path != "" {
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	}
	return os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if len(out) == 0 {
		out = append(out, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return out
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			if err := filter.AddRuleExact(name, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	return filter.Load()
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// The types below mirror internal/sandbox/{spec,security}/engine.request's
// JSON shape without importing those packages: this binary is a separate
// `main`, deliberately decoupled from the engine's Go types so its wire
// contract stays stable even if internal types are refactored.

const (
	dispositionNull = iota
	dispositionEmpty
	dispositionPipe
	dispositionFile
)

type stdioSpec struct {
	Stdin      int    `json:"Stdin"`
	StdinPath  string `json:"StdinPath"`
	Stdout     int    `json:"Stdout"`
	StdoutPath string `json:"StdoutPath"`
	Stderr     int    `json:"Stderr"`
	StderrPath string `json:"StderrPath"`
}

type commandSpec struct {
	Path  string            `json:"Path"`
	Argv  []string          `json:"Argv"`
	Env   map[string]string `json:"Env"`
	Cwd   string            `json:"Cwd"`
	Stdio stdioSpec         `json:"Stdio"`
}

type isolationProfile struct {
	Name           string `json:"Name"`
	RootFS         string `json:"RootFS"`
	SeccompProfile string `json:"SeccompProfile"`
	DisableNetwork bool   `json:"DisableNetwork"`
}

type initRequest struct {
	Command       commandSpec      `json:"Command"`
	RootDir       string           `json:"RootDir"`
	Isolation     isolationProfile `json:"Isolation"`
	EnableSeccomp bool             `json:"EnableSeccomp"`
	EnableNs      bool             `json:"EnableNs"`
	CPUTimeMs     int64            `json:"CPUTimeMs"`
	PIDs          int64            `json:"PIDs"`
}
