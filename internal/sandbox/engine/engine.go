// Package engine implements the Sandbox primitive: create an isolated
// dominion, spawn commands into it, wait on them with a wall-clock timeout,
// kill them, read back resource usage, and tear the whole thing down.
// Naming and the create/spawn/wait/kill/resource-usage/destroy split follow
// spec §4.1 and the original minion crate's Backend/Dominion/ChildProcess
// split; the underlying mechanics (cgroups v2, Linux namespaces, a chrooted
// helper subprocess, seccomp-bpf) are the teacher's.
package engine

import (
	"context"
	"time"

	"github.com/jjs-dev/invoker/internal/sandbox/result"
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
)

// Engine creates dominions. One Engine instance is shared by all workers.
type Engine interface {
	// Create allocates a new isolated dominion: a resource container plus
	// a private filesystem root populated per opts.ExposedPaths. Fails
	// with SandboxSetup on OS refusal.
	Create(ctx context.Context, opts spec.DominionOptions, isolation security.IsolationProfile) (Dominion, error)
}

// Dominion is a single-owner handle over one isolated execution
// environment. Exactly one Dominion exists per (request, stage) tuple,
// where stage is either "compile" (shared across build steps) or one
// "t-<k>" (fresh per test).
type Dominion interface {
	ID() string

	// Spawn runs command inside the dominion. Must not return before the
	// child has joined the resource container and entered its namespaces.
	// Fails with SpawnSystem (bug/OS shortage) or SpawnUser (bad path or
	// argv inside the sandbox); the latter is not fatal to the caller.
	Spawn(ctx context.Context, command spec.Command) (Child, error)

	// ResourceUsage reports cumulative CPU time and peak memory across
	// every command spawned in this dominion so far.
	ResourceUsage(ctx context.Context) (result.ResourceUsage, error)

	// CheckCPUTLE compares accumulated CPU time against the dominion's
	// CPU-time ceiling.
	CheckCPUTLE(ctx context.Context) (bool, error)

	// CheckOOMKilled reports whether the kernel OOM killer terminated a
	// process inside this dominion's memory cgroup.
	CheckOOMKilled(ctx context.Context) (bool, error)

	// Destroy unmounts every bind mount, tears down the resource
	// container, kills any surviving processes, and removes the scratch
	// directory. Partial teardown failures are logged, never returned.
	Destroy(ctx context.Context)
}

// Child is a spawned, possibly still-running command inside a Dominion. It
// borrows from its Dominion and must not outlive it.
type Child interface {
	// Wait blocks up to timeout for the child to exit. Timeout covers
	// wall-clock only; CPU-time overruns are read from Dominion.ResourceUsage.
	Wait(ctx context.Context, timeout time.Duration) (result.WaitOutcome, error)

	// ExitCode returns the exit code once the child has exited, or nil
	// otherwise.
	ExitCode() *int64

	// Signaled reports whether the child was terminated by a signal
	// (kill, wall-clock timeout) rather than exiting normally.
	Signaled() bool

	IsFinished() bool
	Kill()
}
