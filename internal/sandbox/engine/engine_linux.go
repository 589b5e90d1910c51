//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/internal/sandbox/result"
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
	"github.com/jjs-dev/invoker/pkg/logger"

	"golang.org/x/sys/unix"
	"go.uber.org/zap"
)

const defaultStdoutStderrMaxBytes int64 = 64 * 1024

type linuxEngine struct {
	cfg      Config
	resolver ProfileResolver
}

// NewEngine creates a Linux sandbox engine backed by cgroups v2, Linux
// namespaces and the sandbox-init helper binary.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("profile resolver is required")
	}
	if cfg.StdoutStderrMaxBytes <= 0 {
		cfg.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	return &linuxEngine{cfg: cfg, resolver: resolver}, nil
}

func (e *linuxEngine) Create(ctx context.Context, opts spec.DominionOptions, isolation security.IsolationProfile) (Dominion, error) {
	if opts.IsolationRoot == "" {
		return nil, appErr.New(appErr.SandboxSetup).WithMessage("isolation root is required")
	}
	if e.cfg.SeccompDir != "" && isolation.SeccompProfile != "" && !filepath.IsAbs(isolation.SeccompProfile) {
		isolation.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isolation.SeccompProfile)
	}

	dominionID := fmt.Sprintf("%s-%d", opts.TestID, time.Now().UnixNano())

	var cgroupPath string
	var cgroupCleanup func()
	if e.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createDominionCgroup(e.cfg.CgroupRoot, opts.SubmissionID, dominionID)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.SandboxSetup).WithMessage("create cgroup")
		}
		if err := applyCgroupLimits(cgroupPath, opts); err != nil {
			cgroupCleanup()
			return nil, appErr.Wrap(err, appErr.SandboxSetup).WithMessage("apply cgroup limits")
		}
	} else {
		cgroupCleanup = func() {}
	}

	if err := os.MkdirAll(opts.IsolationRoot, 0755); err != nil {
		cgroupCleanup()
		return nil, appErr.Wrap(err, appErr.SandboxSetup).WithMessage("create isolation root")
	}

	mounted, err := applyPathExpositions(opts.IsolationRoot, opts.ExposedPaths, opts.WorkDirBytes)
	if err != nil {
		teardownMounts(ctx, mounted)
		cgroupCleanup()
		return nil, appErr.Wrap(err, appErr.SandboxSetup).WithMessage("bind mount exposed paths")
	}

	return &linuxDominion{
		id:            dominionID,
		engine:        e,
		opts:          opts,
		isolation:     isolation,
		cgroupPath:    cgroupPath,
		cgroupCleanup: cgroupCleanup,
		mounted:       mounted,
	}, nil
}

// mountEntry records one mount applied under an isolation root so Destroy
// can reverse it. tmpfs entries additionally carry the host directory the
// tmpfs was populated from, so its contents can be synced back before the
// tmpfs is torn down.
type mountEntry struct {
	dest  string
	src   string
	tmpfs bool
}

// applyPathExpositions bind-mounts every exposed path into root, remounting
// read-only entries immediately after. Mounts are performed by the engine
// process itself (not inside any new mount namespace) so that every child
// later cloned with CLONE_NEWNS inherits a private copy of this mount table.
//
// The AccessFull exposition is the per-dominion scratch mount (/jjs): rather
// than bind-mounting the host data directory directly, it gets a tmpfs
// capped at workDirBytes, seeded from the host directory, so writes beyond
// quota fail with ENOSPC instead of silently consuming host disk.
func applyPathExpositions(root string, paths []spec.PathExposition, workDirBytes int64) ([]mountEntry, error) {
	var mounted []mountEntry
	for _, p := range paths {
		dest := filepath.Join(root, p.Dest)
		if err := os.MkdirAll(dest, 0755); err != nil {
			return mounted, fmt.Errorf("mkdir %s: %w", dest, err)
		}
		if p.Access == spec.AccessFull && workDirBytes > 0 {
			if err := unix.Mount("tmpfs", dest, "tmpfs", 0, fmt.Sprintf("size=%d", workDirBytes)); err != nil {
				return mounted, fmt.Errorf("tmpfs mount %s: %w", dest, err)
			}
			mounted = append(mounted, mountEntry{dest: dest, src: p.Src, tmpfs: true})
			if err := copyTree(p.Src, dest); err != nil {
				return mounted, fmt.Errorf("seed scratch mount %s: %w", dest, err)
			}
			continue
		}
		if err := unix.Mount(p.Src, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return mounted, fmt.Errorf("bind mount %s -> %s: %w", p.Src, dest, err)
		}
		mounted = append(mounted, mountEntry{dest: dest})
		if p.Access == spec.AccessReadonly {
			if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
				return mounted, fmt.Errorf("ro-remount %s: %w", dest, err)
			}
		}
	}
	return mounted, nil
}

func teardownMounts(ctx context.Context, mounted []mountEntry) {
	for i := len(mounted) - 1; i >= 0; i-- {
		m := mounted[i]
		if m.tmpfs && m.src != "" {
			if err := copyTree(m.dest, m.src); err != nil {
				logger.Warn(ctx, "sync scratch mount back to host failed", zap.String("mount", m.dest), zap.Error(err))
			}
		}
		_ = unix.Unmount(m.dest, unix.MNT_DETACH)
	}
}

// copyTree copies the contents of src into dst, both assumed to already
// exist. Used to seed a fresh tmpfs scratch mount from, and later drain it
// back to, the host data directory it replaces.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target, d)
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

type linuxDominion struct {
	id            string
	engine        *linuxEngine
	opts          spec.DominionOptions
	isolation     security.IsolationProfile
	cgroupPath    string
	cgroupCleanup func()
	mounted       []mountEntry

	mu        sync.Mutex
	pids      []int
	destroyed bool
}

func (d *linuxDominion) ID() string { return d.id }

func (d *linuxDominion) Spawn(ctx context.Context, command spec.Command) (Child, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, appErr.New(appErr.SpawnSystem).WithMessage("dominion already destroyed")
	}
	d.mu.Unlock()

	if command.Path == "" || len(command.Argv) == 0 {
		return nil, appErr.New(appErr.SpawnUser).WithMessage("empty command")
	}

	initReq := initRequest{
		Command:       command,
		RootDir:       d.opts.IsolationRoot,
		Isolation:     d.isolation,
		EnableSeccomp: d.engine.cfg.EnableSeccomp,
		EnableNs:      d.engine.cfg.EnableNamespaces,
		CPUTimeMs:     d.opts.CPUTimeMs,
		PIDs:          int64(d.opts.MaxAliveProcesses),
	}
	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.SpawnSystem).WithMessage("encode init request")
	}

	cmd := exec.CommandContext(ctx, d.engine.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(d.isolation, d.engine.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, appErr.Wrap(err, appErr.SpawnSystem).WithMessage("start sandbox-init")
	}

	if d.engine.cfg.EnableCgroup {
		if err := addProcessToCgroup(d.cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", d.cgroupPath), zap.Error(err))
		}
	}

	d.mu.Lock()
	d.pids = append(d.pids, cmd.Process.Pid)
	d.mu.Unlock()

	return &linuxChild{
		dominion: d,
		cmd:      cmd,
		stderr:   &stderr,
		start:    time.Now(),
		done:     make(chan struct{}),
	}, nil
}

func (d *linuxDominion) ResourceUsage(ctx context.Context) (result.ResourceUsage, error) {
	if d.cgroupPath == "" {
		return result.ResourceUsage{}, nil
	}
	return result.ResourceUsage{
		CPUTimeNs:       cpuTimeNs(d.cgroupPath),
		PeakMemoryBytes: memoryPeakBytes(d.cgroupPath),
	}, nil
}

func (d *linuxDominion) CheckCPUTLE(ctx context.Context) (bool, error) {
	usage, err := d.ResourceUsage(ctx)
	if err != nil {
		return false, err
	}
	limitNs := d.opts.CPUTimeMs * int64(time.Millisecond)
	return limitNs > 0 && usage.CPUTimeNs >= limitNs, nil
}

// CheckOOMKilled reports whether the cgroups-v2 OOM killer fired inside this
// dominion's cgroup at any point during its lifetime.
func (d *linuxDominion) CheckOOMKilled(ctx context.Context) (bool, error) {
	return wasOomKilled(d.cgroupPath), nil
}

func (d *linuxDominion) Destroy(ctx context.Context) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	pids := append([]int(nil), d.pids...)
	d.mu.Unlock()

	if d.cgroupPath != "" {
		if err := killCgroup(d.cgroupPath); err != nil {
			logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", d.cgroupPath), zap.Error(err))
		}
	}
	for _, pid := range pids {
		killProcessGroup(pid)
	}
	teardownMounts(ctx, d.mounted)
	if d.cgroupCleanup != nil {
		d.cgroupCleanup()
	}
	if err := os.RemoveAll(d.opts.IsolationRoot); err != nil {
		logger.Warn(ctx, "remove isolation root failed", zap.String("root", d.opts.IsolationRoot), zap.Error(err))
	}
}

type linuxChild struct {
	dominion *linuxDominion
	cmd      *exec.Cmd
	stderr   *bytes.Buffer
	start    time.Time

	mu        sync.Mutex
	done      chan struct{}
	waited    bool
	exitCode  *int64
	signaled  bool
	timedOut  atomic.Bool
}

func (c *linuxChild) Wait(ctx context.Context, timeout time.Duration) (result.WaitOutcome, error) {
	c.mu.Lock()
	if c.waited {
		c.mu.Unlock()
		return result.AlreadyFinished, nil
	}
	c.mu.Unlock()

	waitDone := make(chan error, 1)
	go func() { waitDone <- c.cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}

	var waitErr error
	var outcome result.WaitOutcome
	select {
	case waitErr = <-waitDone:
		outcome = result.Exited
	case <-timer:
		c.timedOut.Store(true)
		killProcessGroup(c.cmd.Process.Pid)
		waitErr = <-waitDone
		outcome = result.Timeout
	case <-ctx.Done():
		killProcessGroup(c.cmd.Process.Pid)
		waitErr = <-waitDone
		outcome = result.Timeout
	}

	c.mu.Lock()
	c.waited = true
	close(c.done)
	code := exitCodeFromErr(waitErr, c.cmd.ProcessState)
	c.exitCode = &code
	if c.cmd.ProcessState != nil {
		if ws, ok := c.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			c.signaled = ws.Signaled()
		}
	}
	c.mu.Unlock()

	if waitErr != nil && c.stderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper stderr", zap.String("stderr", c.stderr.String()))
	}
	return outcome, nil
}

func (c *linuxChild) ExitCode() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *linuxChild) Signaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaled || c.timedOut.Load()
}

func (c *linuxChild) IsFinished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *linuxChild) Kill() {
	killProcessGroup(c.cmd.Process.Pid)
}

func exitCodeFromErr(err error, state *os.ProcessState) int64 {
	if state != nil {
		return int64(state.ExitCode())
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return int64(exitErr.ExitCode())
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	if !enableNamespaces {
		return attr
	}
	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}
