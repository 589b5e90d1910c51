// Package model holds the data shapes flowing through the invocation
// pipeline: judge requests, toolchains, problems, limits and statuses.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/shlex"
)

// JudgeRequest is one unit of work: a submission against a problem using a
// toolchain. Immutable once accepted from the task source.
type JudgeRequest struct {
	RequestID    string
	Revision     int64
	ToolchainRef string
	ProblemRef   string
	SourceBytes  []byte
	Metadata     map[string]string
	ReceivedAt   time.Time
}

// CommandTemplate is a command an invoker stage can run, with `$(Dotted.Name)`
// substitutions pending interpolation by the Command Executor.
type CommandTemplate struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env"`
	Cwd  string            `json:"cwd"`
}

// UnmarshalJSON accepts a toolchain manifest's build_commands/run_command
// entry either as the normal {"argv": [...], ...} object, or as a bare
// shell-style string ("g++ -O2 -o $(Submission.BinaryFilePath)
// $(Submission.SourceFilePath)"), which is split into argv
// with shlex.Split the way the teacher's buildCommand helper splits a
// language spec's compile/run template before substitution.
func (c *CommandTemplate) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		argv, splitErr := shlex.Split(asString)
		if splitErr != nil {
			return splitErr
		}
		c.Argv = argv
		return nil
	}

	var obj struct {
		Argv []string          `json:"argv"`
		Env  map[string]string `json:"env"`
		Cwd  string            `json:"cwd"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Argv, c.Env, c.Cwd = obj.Argv, obj.Env, obj.Cwd
	return nil
}

// Limits bounds a single sandboxed execution. Zero fields fall back to
// DefaultLimits' values when applied.
type Limits struct {
	MemoryBytes int64
	CPUTimeMs   int64
	ProcessCount int
	WorkDirBytes int64
}

// DefaultLimits returns the spec's documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes:  256 * 1024 * 1024,
		CPUTimeMs:    3000,
		ProcessCount: 16,
		WorkDirBytes: 16 * 1024 * 1024,
	}
}

// WithDefaults fills zero-valued fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUTimeMs <= 0 {
		l.CPUTimeMs = d.CPUTimeMs
	}
	if l.ProcessCount <= 0 {
		l.ProcessCount = d.ProcessCount
	}
	if l.WorkDirBytes <= 0 {
		l.WorkDirBytes = d.WorkDirBytes
	}
	return l
}

// WallTimeMs derives the wall-clock ceiling from the CPU-time limit.
func (l Limits) WallTimeMs() int64 {
	return 3 * l.CPUTimeMs
}

// Toolchain is a named compile+run recipe bundled with a root filesystem
// image, resolved from a toolchain image's embedded manifest plus the
// image's runtime env.
type Toolchain struct {
	Title          string
	Name           string
	SourceFilename string
	BuildCommands  []CommandTemplate
	RunCommand     CommandTemplate
	BuildLimits    Limits
	Env            map[string]string
	EnvPassing     bool
	EnvBlacklist   map[string]struct{}
}

// FileRoot selects which staged directory a FileRef is resolved against.
type FileRoot int

const (
	RootProblem FileRoot = iota
	RootRequest
)

// FileRef names a file relative to a staged root.
type FileRef struct {
	Root FileRoot
	Path string
}

// Problem bundles the tests, checker and valuer for one problem.
type Problem struct {
	Title       string
	Name        string
	Tests       []Test
	CheckerExe  FileRef
	CheckerArgv []string
	ValuerExe   FileRef
	ValuerCfg   FileRef
}

// Test is one test case: input, optional correct answer, per-test limits,
// and a group tag consumed only by the valuer.
type Test struct {
	Input   FileRef
	Correct *FileRef
	Limits  Limits
	Group   string
}
