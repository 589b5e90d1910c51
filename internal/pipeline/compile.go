package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jjs-dev/invoker/internal/executor"
	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/sandbox"
	"github.com/jjs-dev/invoker/internal/sandbox/result"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/pkg/logger"

	"go.uber.org/zap"
)

// compileResult carries the compile stage's output: the produced artifact
// path (empty on failure), a short status code, and captured stdio.
type compileResult struct {
	BinaryPath string
	Code       string
	Stdout     string
	Stderr     string
}

// compile drives spec §4.3 stage 3: copy the source into compile/data,
// create one sandbox shared by every build_command, run them in order, and
// classify the result.
func (r *requestRun) compile(ctx context.Context) (compileResult, model.RequestOutcome) {
	if err := r.ws.PrepareCompile(); err != nil {
		logger.Error(ctx, "prepare compile workspace failed", zap.Error(err))
		return compileResult{}, model.OutcomeFault
	}

	dataDir := r.ws.CompileDataDir()
	sourcePath := filepath.Join(dataDir, r.toolchain.Spec.SourceFilename)
	if err := os.WriteFile(sourcePath, r.req.SourceBytes, 0644); err != nil {
		logger.Error(ctx, "stage submission source failed", zap.Error(err))
		return compileResult{}, model.OutcomeFault
	}

	if len(r.toolchain.Spec.BuildCommands) == 0 {
		// Script-like toolchain: nothing to build, the source file is the
		// artifact at /jjs/<source_filename> (spec §8 boundary behavior).
		return compileResult{BinaryPath: sourcePath}, model.OutcomeTestingDone
	}

	sb, err := sandbox.Create(ctx, r.pipeline.Engine, sandbox.Options{
		SubmissionID: r.req.RequestID,
		StageID:      "compile",
		Limits:       r.toolchain.Spec.BuildLimits,
		IsolationDir: r.ws.CompileRootDir(),
		SharedDirs:   sandbox.BuildSharedDirs(r.exposedHostDirs(), r.toolchainSysroot(), dataDir),
		Isolation:    r.isolation,
	})
	if err != nil {
		logger.Error(ctx, "create compile sandbox failed", zap.Error(err))
		return compileResult{}, model.OutcomeFault
	}
	defer sb.Destroy(ctx)

	dict := executor.Base(r.pipeline.Config.InvokerID, r.toolchain.Spec.Name, r.req.RequestID, r.toolchain.Spec.SourceFilename, r.req.Metadata)

	var out compileResult
	for i, tmpl := range r.toolchain.Spec.BuildCommands {
		merged := tmpl
		merged.Env = buildEnv(r.toolchain.Spec, tmpl.Env, r.pipeline.Config.HostEnv)

		stdoutPath := filepath.Join(dataDir, stepFileName("stdout", i))
		stderrPath := filepath.Join(dataDir, stepFileName("stderr", i))

		outcome, err := executor.Run(ctx, sb.Dominion(), merged, dict, "", stdoutPath, stderrPath, sb.WallTimeout())
		if err != nil {
			if appErr.Is(err, appErr.SpawnUser) || appErr.Is(err, appErr.BadConfig) {
				out.Code = model.CodeLaunchError
				appendStdio(&out, stdoutPath, stderrPath)
				return out, model.OutcomeCompileError
			}
			logger.Error(ctx, "compile step spawn failed", zap.Int("step", i), zap.Error(err))
			return compileResult{}, model.OutcomeFault
		}

		appendStdio(&out, stdoutPath, stderrPath)

		if outcome.WaitKind == result.Timeout || outcome.CPUTLE {
			out.Code = model.CodeCompilationTimedOut
			return out, model.OutcomeCompileError
		}
		if outcome.Run.ExitCode != 0 || outcome.Run.Signaled {
			out.Code = model.CodeCompilerFailed
			return out, model.OutcomeCompileError
		}
	}

	out.BinaryPath = sandbox.JoinJJS(dataDir, "build")
	return out, model.OutcomeTestingDone
}

func (r *requestRun) exposedHostDirs() []string {
	dirs := r.pipeline.Config.ExposeHostDirs
	if len(dirs) == 0 {
		dirs = sandbox.DefaultExposedPaths()
	}
	return dirs
}

func stepFileName(stream string, i int) string {
	return stream + "-" + strconv.Itoa(i) + ".txt"
}

func appendStdio(out *compileResult, stdoutPath, stderrPath string) {
	if b, err := os.ReadFile(stdoutPath); err == nil {
		out.Stdout += string(b)
	}
	if b, err := os.ReadFile(stderrPath); err == nil {
		out.Stderr += string(b)
	}
}
