package executor

import (
	"context"
	"testing"
	"time"

	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/sandbox/engine"
	"github.com/jjs-dev/invoker/internal/sandbox/result"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
)

func TestInterpolateReplacesBoundTokens(t *testing.T) {
	dict := Dictionary{"Invoker.Id": "inv-1", "Submission.Id": "sub-1"}
	out, err := Interpolate("$(Invoker.Id)/$(Submission.Id)/run", dict)
	if err != nil {
		t.Fatalf("interpolate failed: %v", err)
	}
	if out != "inv-1/sub-1/run" {
		t.Fatalf("unexpected interpolation result: %q", out)
	}
}

func TestInterpolateFailsOnUnboundToken(t *testing.T) {
	_, err := Interpolate("$(Unbound.Name)", Dictionary{})
	if appErr.GetCode(err) != appErr.BadConfig {
		t.Fatalf("expected BadConfig, got %v", err)
	}
}

func TestBaseIncludesOneMetadataBindingPerEntry(t *testing.T) {
	d := Base("inv-1", "gcc-12", "sub-1", "source.cpp", map[string]string{"author": "alice"})
	if d["Submission.Metadata.author"] != "alice" {
		t.Fatalf("expected metadata binding, got %+v", d)
	}
	if d["Submission.SourceFilePath"] != "/jjs/source.cpp" {
		t.Fatalf("unexpected source path binding: %+v", d)
	}
}

func TestBuildRejectsEmptyArgv(t *testing.T) {
	_, err := Build(model.CommandTemplate{}, Dictionary{}, "", "out", "err")
	if appErr.GetCode(err) != appErr.BadConfig {
		t.Fatalf("expected BadConfig for an empty argv, got %v", err)
	}
}

func TestBuildInterpolatesArgvEnvAndCwd(t *testing.T) {
	tmpl := model.CommandTemplate{
		Argv: []string{"$(Invoker.Id)", "-o", "$(Submission.BinaryFilePath)"},
		Env:  map[string]string{"SUB": "$(Submission.Id)"},
		Cwd:  "$(Submission.Id)/work",
	}
	dict := Base("inv-1", "gcc-12", "sub-1", "source.cpp", nil)

	cmd, err := Build(tmpl, dict, "", "out.txt", "err.txt")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if cmd.Path != "inv-1" || cmd.Argv[2] != "/jjs/build" {
		t.Fatalf("unexpected argv: %+v", cmd.Argv)
	}
	if cmd.Env["SUB"] != "sub-1" {
		t.Fatalf("unexpected env: %+v", cmd.Env)
	}
	if cmd.Cwd != "sub-1/work" {
		t.Fatalf("unexpected cwd: %q", cmd.Cwd)
	}
	if cmd.Stdio.Stdin != spec.InputEmpty {
		t.Fatalf("expected empty stdin disposition when stdinPath is empty, got %v", cmd.Stdio.Stdin)
	}
}

func TestBuildDefaultsCwdWhenTemplateOmitsIt(t *testing.T) {
	cmd, err := Build(model.CommandTemplate{Argv: []string{"a.out"}}, Dictionary{}, "in.txt", "out.txt", "err.txt")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if cmd.Cwd != "/jjs" {
		t.Fatalf("expected default cwd /jjs, got %q", cmd.Cwd)
	}
	if cmd.Stdio.Stdin != spec.InputFile || cmd.Stdio.StdinPath != "in.txt" {
		t.Fatalf("expected file stdin disposition, got %+v", cmd.Stdio)
	}
}

type fakeChild struct {
	waitOutcome result.WaitOutcome
	exitCode    int64
	signaled    bool
}

func (c *fakeChild) Wait(ctx context.Context, timeout time.Duration) (result.WaitOutcome, error) {
	return c.waitOutcome, nil
}
func (c *fakeChild) ExitCode() *int64  { return &c.exitCode }
func (c *fakeChild) Signaled() bool    { return c.signaled }
func (c *fakeChild) IsFinished() bool  { return true }
func (c *fakeChild) Kill()             {}

type fakeDominion struct {
	child     *fakeChild
	spawnErr  error
	cpuTLE    bool
	oomKilled bool
	usage     result.ResourceUsage
}

func (d *fakeDominion) ID() string { return "dominion-1" }
func (d *fakeDominion) Spawn(ctx context.Context, command spec.Command) (engine.Child, error) {
	if d.spawnErr != nil {
		return nil, d.spawnErr
	}
	return d.child, nil
}
func (d *fakeDominion) ResourceUsage(ctx context.Context) (result.ResourceUsage, error) {
	return d.usage, nil
}
func (d *fakeDominion) CheckCPUTLE(ctx context.Context) (bool, error)    { return d.cpuTLE, nil }
func (d *fakeDominion) CheckOOMKilled(ctx context.Context) (bool, error) { return d.oomKilled, nil }
func (d *fakeDominion) Destroy(ctx context.Context)                      {}

func TestRunClassifiesSuccessfulExit(t *testing.T) {
	dominion := &fakeDominion{
		child: &fakeChild{waitOutcome: result.Exited, exitCode: 0},
		usage: result.ResourceUsage{CPUTimeNs: 1000, PeakMemoryBytes: 4096},
	}
	out, err := Run(context.Background(), dominion, model.CommandTemplate{Argv: []string{"a.out"}}, Dictionary{}, "", "out.txt", "err.txt", time.Second)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.WaitKind != result.Exited || out.WallTLE || out.CPUTLE {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Run.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", out.Run.ExitCode)
	}
	if out.Run.Usage.PeakMemoryBytes != 4096 {
		t.Fatalf("expected resource usage to be propagated, got %+v", out.Run.Usage)
	}
}

func TestRunClassifiesWallTimeout(t *testing.T) {
	dominion := &fakeDominion{child: &fakeChild{waitOutcome: result.Timeout, exitCode: -1, signaled: true}}
	out, err := Run(context.Background(), dominion, model.CommandTemplate{Argv: []string{"a.out"}}, Dictionary{}, "", "out.txt", "err.txt", time.Second)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !out.WallTLE {
		t.Fatal("expected WallTLE to be set for a Timeout wait outcome")
	}
	if !out.Run.Signaled {
		t.Fatal("expected Signaled to propagate from the child")
	}
}

func TestRunPropagatesOomKilled(t *testing.T) {
	dominion := &fakeDominion{
		child:     &fakeChild{waitOutcome: result.Exited, exitCode: -1, signaled: true},
		oomKilled: true,
	}
	out, err := Run(context.Background(), dominion, model.CommandTemplate{Argv: []string{"a.out"}}, Dictionary{}, "", "out.txt", "err.txt", time.Second)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !out.Run.OomKilled {
		t.Fatal("expected OomKilled to propagate from the dominion's CheckOOMKilled")
	}
}

func TestRunPropagatesBuildErrorBeforeSpawning(t *testing.T) {
	dominion := &fakeDominion{child: &fakeChild{}}
	_, err := Run(context.Background(), dominion, model.CommandTemplate{}, Dictionary{}, "", "out.txt", "err.txt", time.Second)
	if appErr.GetCode(err) != appErr.BadConfig {
		t.Fatalf("expected BadConfig for an empty-argv template, got %v", err)
	}
}
