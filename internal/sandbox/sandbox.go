// Package sandbox implements the Sandbox primitive of spec §4.1: a
// single-owner handle over one isolated execution environment, built on
// top of the lower-level engine.Engine/Dominion/Child split. This layer
// fills unset limits from the model defaults and derives the wall-clock
// ceiling as 3x the CPU-time limit. The isolation profile is the one the
// caller passes in Options.Isolation, and engine errors (already classified
// as SandboxSetup/SpawnSystem/SpawnUser by the engine) are returned
// unchanged.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/sandbox/engine"
	"github.com/jjs-dev/invoker/internal/sandbox/result"
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
)

// Options configures Create. SubmissionID and StageID together key the
// dominion (spec §3: "exactly one sandbox per (request, stage) tuple").
type Options struct {
	SubmissionID string
	StageID      string
	Limits       model.Limits
	IsolationDir string // host path to become the dominion's chroot root
	SharedDirs   []PathExposition
	Isolation    security.IsolationProfile
}

// PathExposition mirrors spec §4.1's shared_dirs entries: a host directory
// bound into the dominion, read-only or read-write.
type PathExposition struct {
	Src    string
	Dest   string
	Access spec.DesiredAccess
}

// Sandbox is a created dominion plus the limits it was created with, so
// Wait can apply the derived wall-clock timeout without the caller having
// to remember it.
type Sandbox struct {
	dominion engine.Dominion
	limits   model.Limits
}

// Create allocates a dominion under opts.IsolationDir and returns a handle
// owning it. Fails with SandboxSetup on OS refusal.
func Create(ctx context.Context, eng engine.Engine, opts Options) (*Sandbox, error) {
	limits := opts.Limits.WithDefaults()
	if err := os.MkdirAll(opts.IsolationDir, 0755); err != nil {
		return nil, appErr.Wrap(err, appErr.SandboxSetup).WithMessage("create isolation root")
	}

	exposed := make([]spec.PathExposition, 0, len(opts.SharedDirs))
	for _, e := range opts.SharedDirs {
		exposed = append(exposed, spec.PathExposition{Src: e.Src, Dest: e.Dest, Access: e.Access})
	}

	dopts := spec.FromLimits(limits)
	dopts.SubmissionID = opts.SubmissionID
	dopts.TestID = opts.StageID
	dopts.IsolationRoot = opts.IsolationDir
	dopts.ExposedPaths = exposed

	dominion, err := eng.Create(ctx, dopts, opts.Isolation)
	if err != nil {
		return nil, err
	}
	return &Sandbox{dominion: dominion, limits: limits}, nil
}

// Spawn runs command inside the sandbox.
func (s *Sandbox) Spawn(ctx context.Context, command spec.Command) (engine.Child, error) {
	return s.dominion.Spawn(ctx, command)
}

// Dominion exposes the underlying engine.Dominion so internal/executor can
// drive Spawn/Wait/ResourceUsage uniformly for both compile and test runs.
func (s *Sandbox) Dominion() engine.Dominion {
	return s.dominion
}

// WallTimeout returns the derived wall-clock ceiling (3x cpu-time) this
// sandbox's dominion was created with.
func (s *Sandbox) WallTimeout() time.Duration {
	return time.Duration(s.limits.WallTimeMs()) * time.Millisecond
}

// ResourceUsage reports cumulative CPU time and peak memory across every
// command run in this sandbox so far.
func (s *Sandbox) ResourceUsage(ctx context.Context) (result.ResourceUsage, error) {
	return s.dominion.ResourceUsage(ctx)
}

// CheckCPUTLE reports whether accumulated CPU time has reached the limit.
func (s *Sandbox) CheckCPUTLE(ctx context.Context) (bool, error) {
	return s.dominion.CheckCPUTLE(ctx)
}

// Destroy tears down the dominion: unmounts, kills survivors, removes the
// scratch directory. Safe to call once the sandbox is no longer needed;
// partial teardown failures are logged by the engine, never returned.
func (s *Sandbox) Destroy(ctx context.Context) {
	s.dominion.Destroy(ctx)
}

// DefaultExposedPaths is the fallback shared_dirs list from spec §6's
// configuration table, used when the installation config leaves
// ExposeHostDirs unset.
func DefaultExposedPaths() []string {
	return []string{"/usr", "/bin", "/lib", "/lib64"}
}

// BuildSharedDirs turns a list of host directories into read-only
// PathExpositions rooted at the same path inside the sandbox, plus the
// toolchain sysroot mounted at / and the per-stage data directory at /jjs.
func BuildSharedDirs(hostDirs []string, toolchainSysroot, stageDataDir string) []PathExposition {
	out := make([]PathExposition, 0, len(hostDirs)+1)
	for _, d := range hostDirs {
		out = append(out, PathExposition{Src: d, Dest: d, Access: spec.AccessReadonly})
	}
	if toolchainSysroot != "" {
		out = append(out, PathExposition{Src: toolchainSysroot, Dest: "/", Access: spec.AccessReadonly})
	}
	if stageDataDir != "" {
		out = append(out, PathExposition{Src: stageDataDir, Dest: "/jjs", Access: spec.AccessFull})
	}
	return out
}

// StageID formats the (request, stage) key used for dominion naming:
// "compile" for the shared compile dominion, "t-<k>" for test k.
func StageID(testID uint32) string {
	if testID == 0 {
		return "compile"
	}
	return fmt.Sprintf("t-%d", testID)
}

// JoinJJS resolves a path inside the sandbox's fixed /jjs scratch mount to
// its host-visible location outside the sandbox (e.g. the produced binary
// at /jjs/build corresponds to <stageDataDir>/build).
func JoinJJS(stageDataDir, rel string) string {
	return filepath.Join(stageDataDir, rel)
}
