// Package spec defines the plain-data shapes the sandbox engine consumes:
// dominion (isolation environment) options and the command it spawns inside
// one. Naming follows the original minion crate (DominionOptions,
// PathExpositionOptions) adapted to the Go engine's RunSpec/MountSpec shape.
package spec

import "github.com/jjs-dev/invoker/internal/model"

// DesiredAccess is the mount mode for an exposed host directory.
type DesiredAccess int

const (
	AccessReadonly DesiredAccess = iota
	AccessFull
)

// PathExposition binds a host directory into the sandbox's filesystem root.
type PathExposition struct {
	Src    string
	Dest   string
	Access DesiredAccess
}

// DominionOptions configures one isolated execution environment: resource
// ceilings, the new filesystem root, and the directories bound into it.
type DominionOptions struct {
	SubmissionID      string
	TestID            string
	MaxAliveProcesses int
	MemoryLimit       int64
	CPUTimeMs         int64
	WallTimeMs        int64
	WorkDirBytes      int64
	IsolationRoot     string
	ExposedPaths      []PathExposition
}

// FromLimits builds the resource-ceiling fields of DominionOptions from a
// model.Limits, applying defaults and the wall-time derivation rule.
func FromLimits(l model.Limits) DominionOptions {
	l = l.WithDefaults()
	return DominionOptions{
		MaxAliveProcesses: l.ProcessCount,
		MemoryLimit:       l.MemoryBytes,
		CPUTimeMs:         l.CPUTimeMs,
		WallTimeMs:        l.WallTimeMs(),
		WorkDirBytes:      l.WorkDirBytes,
	}
}

// InputDisposition selects how a child's stdin is provided.
type InputDisposition int

const (
	InputNull InputDisposition = iota
	InputEmpty
	InputPipe
	InputFile
)

// OutputDisposition selects how a child's stdout/stderr is captured.
type OutputDisposition int

const (
	OutputNull OutputDisposition = iota
	OutputIgnore
	OutputPipe
	OutputFile
)

// Stdio describes the three standard streams of a spawned command.
type Stdio struct {
	Stdin        InputDisposition
	StdinPath    string
	Stdout       OutputDisposition
	StdoutPath   string
	Stderr       OutputDisposition
	StderrPath   string
}

// Command is a concrete, fully-interpolated spawn request: an executable
// path resolved inside the sandbox root, its argv/env, and its stdio.
type Command struct {
	Path  string
	Argv  []string
	Env   map[string]string
	Cwd   string
	Stdio Stdio
}
