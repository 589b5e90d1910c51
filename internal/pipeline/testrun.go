package pipeline

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jjs-dev/invoker/internal/executor"
	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/sandbox"
	"github.com/jjs-dev/invoker/internal/sandbox/result"
	"github.com/jjs-dev/invoker/internal/valuer"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/pkg/logger"

	"go.uber.org/zap"
)

// testAndValue drives spec §4.3 stages 4-6: launch the valuer, relay every
// Test it requests to runOneTest, notify it of the outcome, and stop at its
// Finish. Returns the final score and terminal outcome.
func (r *requestRun) testAndValue(ctx context.Context, compileRes compileResult) (uint32, model.RequestOutcome) {
	p := r.pipeline

	valuerExe := resolveFileRef(r.problem.Path, r.ws.Root, r.problem.Problem.ValuerExe)
	valuerCfgDir := resolveFileRef(r.problem.Path, r.ws.Root, r.problem.Problem.ValuerCfg)

	coord, err := valuer.Launch(ctx, valuerExe, valuerCfgDir, os.Environ())
	if err != nil {
		logger.Error(ctx, "launch valuer failed", zap.Error(err))
		return 0, model.OutcomeFault
	}
	defer coord.Close()

	testCount := uint32(len(r.problem.Problem.Tests))
	if err := coord.WriteProblemInfo(valuer.ProblemInfo{TestCount: testCount}); err != nil {
		logger.Error(ctx, "write valuer ProblemInfo failed", zap.Error(err))
		return 0, model.OutcomeFault
	}

	var currentTest uint32
	executedRows := make([]model.JudgeLogTestRow, 0, testCount)

	for {
		resp, err := coord.Poll()
		if err != nil {
			logger.Error(ctx, "valuer protocol error", zap.String("request_id", r.req.RequestID), zap.Error(err))
			return 0, model.OutcomeFault
		}

		if resp.Kind == valuer.ResponseFinish {
			full := resp.JudgeLog
			full.CompileStdout = compileRes.Stdout
			full.CompileStderr = compileRes.Stderr
			if len(full.Tests) == 0 {
				full.Tests = executedRows
			}
			for _, kind := range []string{model.JudgeLogKindContestant, model.JudgeLogKindFull} {
				p.Sink.DeliverJudgeLog(ctx, r.req.RequestID, full.Redact(kind))
			}
			return resp.Score, model.OutcomeTestingDone
		}

		if err := valuer.ValidateTestID(resp.TestID, testCount); err != nil {
			logger.Error(ctx, "valuer protocol violation", zap.Error(err))
			return 0, model.OutcomeFault
		}

		row, fault := r.runOneTest(ctx, resp.TestID, compileRes)
		if fault {
			return 0, model.OutcomeFault
		}
		executedRows = append(executedRows, row)

		if err := coord.NotifyTestDone(valuer.TestDoneNotification{TestID: resp.TestID, TestStatus: row.Status}); err != nil {
			logger.Error(ctx, "notify valuer of test outcome failed", zap.Error(err))
			return 0, model.OutcomeFault
		}

		if resp.TestID > currentTest {
			currentTest = resp.TestID
		}
		if resp.Live {
			ct := currentTest
			p.Sink.DeliverLiveStatusUpdate(ctx, r.req.RequestID, model.LiveStatusUpdate{CurrentTest: &ct})
		}
	}
}

// runOneTest drives spec §4.3 stage 5: stage the test, run the artifact in
// a fresh sandbox, then adjudicate with the checker outside it. The bool
// return reports whether the request must terminate with Fault.
func (r *requestRun) runOneTest(ctx context.Context, testID uint32, compileRes compileResult) (model.JudgeLogTestRow, bool) {
	test := r.problem.Problem.Tests[testID-1]

	if err := r.ws.PrepareTest(testID); err != nil {
		logger.Error(ctx, "prepare test workspace failed", zap.Uint32("test_id", testID), zap.Error(err))
		return model.JudgeLogTestRow{}, true
	}
	dataDir := r.ws.TestDataDir(testID)

	if compileRes.BinaryPath != "" {
		// A toolchain without build commands runs its source file directly,
		// so the artifact keeps the source file name under /jjs.
		artifactName := "build"
		if len(r.toolchain.Spec.BuildCommands) == 0 {
			artifactName = r.toolchain.Spec.SourceFilename
		}
		if err := stageArtifact(compileRes.BinaryPath, filepath.Join(dataDir, artifactName)); err != nil {
			logger.Error(ctx, "stage compiled artifact into test sandbox failed", zap.Uint32("test_id", testID), zap.Error(err))
			return model.JudgeLogTestRow{}, true
		}
	}

	inputPath := resolveFileRef(r.problem.Path, r.ws.Root, test.Input)
	correctPath := ""
	if test.Correct != nil {
		correctPath = resolveFileRef(r.problem.Path, r.ws.Root, *test.Correct)
	}

	solOutPath := filepath.Join(dataDir, "out")
	solErrPath := filepath.Join(dataDir, "err")

	sb, err := sandbox.Create(ctx, r.pipeline.Engine, sandbox.Options{
		SubmissionID: r.req.RequestID,
		StageID:      sandbox.StageID(testID),
		Limits:       test.Limits,
		IsolationDir: r.ws.TestRootDir(testID),
		SharedDirs:   sandbox.BuildSharedDirs(r.exposedHostDirs(), r.toolchainSysroot(), dataDir),
		Isolation:    r.isolation,
	})
	if err != nil {
		logger.Error(ctx, "create test sandbox failed", zap.Uint32("test_id", testID), zap.Error(err))
		return model.JudgeLogTestRow{}, true
	}
	defer sb.Destroy(ctx)

	dict := executor.Base(r.pipeline.Config.InvokerID, r.toolchain.Spec.Name, r.req.RequestID, r.toolchain.Spec.SourceFilename, r.req.Metadata)
	tmpl := r.toolchain.Spec.RunCommand
	tmpl.Env = buildEnv(r.toolchain.Spec, tmpl.Env, r.pipeline.Config.HostEnv)

	outcome, err := executor.Run(ctx, sb.Dominion(), tmpl, dict, inputPath, solOutPath, solErrPath, sb.WallTimeout())
	// Destroy now, before reading back stdout/stderr: Destroy syncs the
	// scratch tmpfs mount back to dataDir, and the reads below need that
	// sync to have already happened. The deferred call above is a no-op
	// safety net for the early-return paths above this point.
	sb.Destroy(ctx)
	row := model.JudgeLogTestRow{TestID: testID, Visibility: model.FullTestVisibility}
	if b, rerr := os.ReadFile(inputPath); rerr == nil {
		row.Stdin = string(b)
	}
	if b, rerr := os.ReadFile(solOutPath); rerr == nil {
		row.Stdout = string(b)
	}
	if b, rerr := os.ReadFile(solErrPath); rerr == nil {
		row.Stderr = string(b)
	}
	if correctPath != "" {
		if b, rerr := os.ReadFile(correctPath); rerr == nil {
			row.Answer = string(b)
		}
	}

	if err != nil {
		if appErr.Is(err, appErr.SpawnUser) || appErr.Is(err, appErr.BadConfig) {
			row.Status = model.Status{Kind: model.Rejected, Code: model.CodeLaunchError}
			return row, false
		}
		logger.Error(ctx, "run test spawn failed", zap.Uint32("test_id", testID), zap.Error(err))
		return model.JudgeLogTestRow{}, true
	}

	if outcome.WaitKind == result.Timeout || outcome.CPUTLE {
		row.Status = model.Status{Kind: model.Rejected, Code: model.CodeTimeLimitExceeded}
		return row, false
	}
	if outcome.Run.OomKilled || outcome.Run.ExitCode != 0 || outcome.Run.Signaled {
		row.Status = model.Status{Kind: model.Rejected, Code: model.CodeRuntimeError}
		return row, false
	}

	status, fault := r.runChecker(ctx, inputPath, solOutPath, correctPath, dataDir)
	if fault {
		return model.JudgeLogTestRow{}, true
	}
	row.Status = status
	return row, false
}

// Checker environment variable names, per spec §6's checker contract.
const (
	envTest           = "JJS_TEST"
	envSol            = "JJS_SOL"
	envCorr           = "JJS_CORR"
	envCheckerOut     = "JJS_CHECKER_OUT"
	envCheckerComment = "JJS_CHECKER_COMMENT"
)

// runChecker invokes the problem's checker outside any sandbox (it is
// trusted problem tooling, spec §4.3 stage 5.e), handing it the test input,
// solution output and correct answer via inherited file descriptors named
// by environment variables, and parses its Outcome line.
func (r *requestRun) runChecker(ctx context.Context, testPath, solPath, correctPath, dataDir string) (model.Status, bool) {
	testF, err := os.Open(testPath)
	if err != nil {
		logger.Error(ctx, "open checker test input failed", zap.Error(err))
		return model.Status{}, true
	}
	defer testF.Close()

	solF, err := os.Open(solPath)
	if err != nil {
		logger.Error(ctx, "open checker solution output failed", zap.Error(err))
		return model.Status{}, true
	}
	defer solF.Close()

	corrF, closeCorr, err := openOrEmpty(correctPath)
	if err != nil {
		logger.Error(ctx, "open checker correct answer failed", zap.Error(err))
		return model.Status{}, true
	}
	defer closeCorr()

	outPath := filepath.Join(dataDir, "checker-out.txt")
	outF, err := os.OpenFile(outPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		logger.Error(ctx, "create checker output file failed", zap.Error(err))
		return model.Status{}, true
	}
	defer outF.Close()

	commentPath := filepath.Join(dataDir, "checker-comment.txt")
	commentF, err := os.OpenFile(commentPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		logger.Error(ctx, "create checker comment file failed", zap.Error(err))
		return model.Status{}, true
	}
	defer commentF.Close()

	checkerExe := resolveFileRef(r.problem.Path, r.ws.Root, r.problem.Problem.CheckerExe)
	cmd := exec.CommandContext(ctx, checkerExe, r.problem.Problem.CheckerArgv...)
	cmd.ExtraFiles = []*os.File{testF, solF, corrF, outF, commentF}
	cmd.Env = append(os.Environ(),
		envTest+"=3", envSol+"=4", envCorr+"=5", envCheckerOut+"=6", envCheckerComment+"=7",
	)

	if err := cmd.Run(); err != nil {
		logger.Error(ctx, "checker malfunction: non-zero exit", zap.Error(err))
		return model.Status{}, true
	}

	verdict, err := parseCheckerOutcome(outF)
	if err != nil {
		logger.Error(ctx, "checker malfunction: unparseable verdict", zap.Error(err))
		return model.Status{}, true
	}

	switch verdict {
	case "Ok":
		return model.Status{Kind: model.Accepted, Code: model.CodeTestPassed}, false
	case "WrongAnswer":
		return model.Status{Kind: model.Rejected, Code: model.CodeWrongAnswer}, false
	case "PresentationError":
		return model.Status{Kind: model.Rejected, Code: model.CodePresentationError}, false
	default: // "BadChecker" or anything unrecognized
		return model.Status{Kind: model.InternalError, Code: model.CodeJudgeFault}, false
	}
}

// stageArtifact copies the compiled binary into a test's own data
// directory, which a fresh dominion mounts at /jjs for that test only; the
// compile stage's dominion already went out of scope, so the artifact
// cannot be referenced from where it was originally built.
func stageArtifact(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func openOrEmpty(path string) (*os.File, func(), error) {
	if path == "" {
		f, err := os.CreateTemp("", "jjs-empty-corr-*")
		if err != nil {
			return nil, func() {}, err
		}
		name := f.Name()
		return f, func() { f.Close(); os.Remove(name) }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, func() {}, err
	}
	return f, func() { f.Close() }, nil
}

// parseCheckerOutcome reads the "Outcome: <Verdict>" line the checker wrote
// to JJS_CHECKER_OUT.
func parseCheckerOutcome(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		const prefix = "Outcome:"
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), nil
		}
		return "", appErr.New(appErr.CheckerMalfunction).WithMessagef("unexpected checker output line %q", line)
	}
	return "", appErr.New(appErr.CheckerMalfunction).WithMessage("checker wrote no output")
}
