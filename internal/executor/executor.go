// Package executor lowers a model.CommandTemplate plus an interpolation
// dictionary into a concrete spec.Command ready to hand to the sandbox
// engine, and runs it with stdout/stderr captured to files. Grounded on the
// teacher's default_runner.go command-template expansion, adapted from its
// shlex-token placeholders (`{src}`, `{bin}`) to the spec's dotted-name
// substitution (`$(Dotted.Name)`).
package executor

import (
	"context"
	"regexp"
	"time"

	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/sandbox/engine"
	"github.com/jjs-dev/invoker/internal/sandbox/result"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
)

var tokenPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_.]+)\)`)

// Dictionary is a flat mapping from dotted-name strings to string values.
// The set of keys is closed: every token found in a template must resolve
// against it or interpolation fails with BadConfig.
type Dictionary map[string]string

// Base returns the always-present bindings the pipeline must supply for
// every interpolation: Invoker.Id, the submission's staged paths, its
// toolchain name, its id, and one Submission.Metadata.<K> per metadata
// entry.
func Base(invokerID, toolchainName, submissionID, sourceFilename string, metadata map[string]string) Dictionary {
	d := Dictionary{
		"Invoker.Id":                invokerID,
		"Submission.SourceFilePath": "/jjs/" + sourceFilename,
		"Submission.BinaryFilePath": "/jjs/build",
		"Submission.ToolchainName":  toolchainName,
		"Submission.Id":             submissionID,
	}
	for k, v := range metadata {
		d["Submission.Metadata."+k] = v
	}
	return d
}

// Interpolate replaces every `$(Dotted.Name)` token in s using dict.
// Unbound tokens are a hard error.
func Interpolate(s string, dict Dictionary) (string, error) {
	var missing string
	out := tokenPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := tokenPattern.FindStringSubmatch(m)[1]
		val, ok := dict[key]
		if !ok {
			missing = key
			return m
		}
		return val
	})
	if missing != "" {
		return "", appErr.New(appErr.BadConfig).WithMessagef("unbound interpolation token %q", missing)
	}
	return out, nil
}

// Build lowers tmpl + dict into a concrete spec.Command with stdout/stderr
// captured to the given file paths. stdinPath == "" means the command gets
// an empty stdin, per spec §4.2.
func Build(tmpl model.CommandTemplate, dict Dictionary, stdinPath, stdoutPath, stderrPath string) (spec.Command, error) {
	if len(tmpl.Argv) == 0 {
		return spec.Command{}, appErr.New(appErr.BadConfig).WithMessage("command template has empty argv")
	}
	argv := make([]string, len(tmpl.Argv))
	for i, a := range tmpl.Argv {
		v, err := Interpolate(a, dict)
		if err != nil {
			return spec.Command{}, err
		}
		argv[i] = v
	}
	env := make(map[string]string, len(tmpl.Env))
	for k, v := range tmpl.Env {
		iv, err := Interpolate(v, dict)
		if err != nil {
			return spec.Command{}, err
		}
		env[k] = iv
	}
	cwd := tmpl.Cwd
	if cwd == "" {
		cwd = "/jjs"
	} else {
		iv, err := Interpolate(cwd, dict)
		if err != nil {
			return spec.Command{}, err
		}
		cwd = iv
	}

	stdio := spec.Stdio{
		Stdout:     spec.OutputFile,
		StdoutPath: stdoutPath,
		Stderr:     spec.OutputFile,
		StderrPath: stderrPath,
	}
	if stdinPath == "" {
		stdio.Stdin = spec.InputEmpty
	} else {
		stdio.Stdin = spec.InputFile
		stdio.StdinPath = stdinPath
	}

	return spec.Command{
		Path:  argv[0],
		Argv:  argv,
		Env:   env,
		Cwd:   cwd,
		Stdio: stdio,
	}, nil
}

// Outcome is the classification of one executed command, shared by both
// compile steps and test runs.
type Outcome struct {
	Run      result.RunResult
	WaitKind result.WaitOutcome
	CPUTLE   bool
	WallTLE  bool
}

// Run builds the command, spawns it in dominion, and waits with the given
// wall-clock timeout, returning the classified outcome.
func Run(ctx context.Context, dominion engine.Dominion, tmpl model.CommandTemplate, dict Dictionary, stdinPath, stdoutPath, stderrPath string, wallTimeout time.Duration) (Outcome, error) {
	cmd, err := Build(tmpl, dict, stdinPath, stdoutPath, stderrPath)
	if err != nil {
		return Outcome{}, err
	}
	child, err := dominion.Spawn(ctx, cmd)
	if err != nil {
		return Outcome{}, err
	}
	waitOutcome, err := child.Wait(ctx, wallTimeout)
	if err != nil {
		return Outcome{}, appErr.Wrap(err, appErr.SpawnSystem).WithMessage("wait for child")
	}
	cpuTLE, _ := dominion.CheckCPUTLE(ctx)
	exitCode := child.ExitCode()
	out := Outcome{
		WaitKind: waitOutcome,
		CPUTLE:   cpuTLE,
		WallTLE:  waitOutcome == result.Timeout,
	}
	if exitCode != nil {
		out.Run.ExitCode = int(*exitCode)
	} else {
		out.Run.ExitCode = -1
	}
	out.Run.Signaled = child.Signaled()
	oomKilled, _ := dominion.CheckOOMKilled(ctx)
	out.Run.OomKilled = oomKilled
	usage, _ := dominion.ResourceUsage(ctx)
	out.Run.Usage = usage
	return out, nil
}
