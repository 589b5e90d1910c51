// Package pipeline implements the Judging Pipeline (spec §4.3): given one
// JudgeRequest, resolve its toolchain and problem assets, compile the
// submission, run it against each test the valuer selects in a fresh
// sandbox, adjudicate with the checker, and relay everything to the
// valuer coordinator until it emits Finish. Grounded on the teacher's
// services/judge_service/internal/logic judging flow for stage sequencing
// and on the Rust original's invoker/src/invoker.rs for the compile/test
// staging discipline spec §4.3 describes.
package pipeline

import (
	"context"
	"path/filepath"

	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/pipeline/workspace"
	"github.com/jjs-dev/invoker/internal/problemasset"
	"github.com/jjs-dev/invoker/internal/sandbox/engine"
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/internal/toolchain"
	"github.com/jjs-dev/invoker/pkg/logger"

	"go.uber.org/zap"
)

// ToolchainLoader resolves a toolchain_ref to its extracted sysroot and
// manifest-derived spec. *toolchain.Loader satisfies this directly.
type ToolchainLoader interface {
	Resolve(ctx context.Context, ref string) (toolchain.Resolved, error)
}

// ProblemLoader resolves a problem_ref to its extracted asset directory and
// manifest-derived Problem. *problemasset.Loader satisfies this directly.
type ProblemLoader interface {
	Resolve(ctx context.Context, ref string) (problemasset.Resolved, error)
}

// Sink is the subset of the external Task Source interface (spec §6) the
// pipeline itself drives: terminal/outcome/live-status delivery. Task
// fetching (load_tasks) belongs to the worker pool's scheduler, not here.
type Sink interface {
	SetFinished(ctx context.Context, requestID string, outcome model.RequestOutcome)
	AddOutcomeHeader(ctx context.Context, requestID string, header model.OutcomeHeader)
	DeliverLiveStatusUpdate(ctx context.Context, requestID string, update model.LiveStatusUpdate)
	DeliverJudgeLog(ctx context.Context, requestID string, log model.JudgeLog)
}

// ProfileResolver maps a toolchain/task reference to the isolation policy
// applied to its dominions (seccomp profile, network posture).
type ProfileResolver interface {
	Resolve(ref string) (security.IsolationProfile, error)
}

// Config holds the installation-wide settings a Pipeline needs per spec §6.
type Config struct {
	InvokerID      string
	WorkspaceRoot  string
	ExposeHostDirs []string
	HostToolchains bool
	HostEnv        []string // os.Environ(), captured once at startup
}

// Pipeline drives one judge request to a terminal outcome. A fresh Pipeline
// (or at least a fresh invocation of Run) is used per request; the engine,
// loaders and sink are shared across a worker pool.
type Pipeline struct {
	Engine     engine.Engine
	Toolchains ToolchainLoader
	Problems   ProblemLoader
	Profiles   ProfileResolver
	Sink       Sink
	Config     Config
}

// Run executes the full stage sequence of spec §4.3 for req and returns the
// request's terminal outcome. Every path, success or failure, ends by
// calling Sink.SetFinished exactly once, per spec §8's universal invariant.
func (p *Pipeline) Run(ctx context.Context, req model.JudgeRequest) model.RequestOutcome {
	ws, err := workspace.Create(p.Config.WorkspaceRoot, req.RequestID)
	if err != nil {
		logger.Error(ctx, "create workspace failed", zap.String("request_id", req.RequestID), zap.Error(err))
		p.Sink.SetFinished(ctx, req.RequestID, model.OutcomeFault)
		return model.OutcomeFault
	}
	defer ws.Remove()

	tc, err := p.Toolchains.Resolve(ctx, req.ToolchainRef)
	if err != nil {
		logger.Error(ctx, "resolve toolchain failed", zap.String("request_id", req.RequestID), zap.Error(err))
		p.Sink.SetFinished(ctx, req.RequestID, model.OutcomeFault)
		return model.OutcomeFault
	}

	prob, err := p.Problems.Resolve(ctx, req.ProblemRef)
	if err != nil {
		logger.Error(ctx, "resolve problem assets failed", zap.String("request_id", req.RequestID), zap.Error(err))
		p.Sink.SetFinished(ctx, req.RequestID, model.OutcomeFault)
		return model.OutcomeFault
	}

	isolation, err := p.Profiles.Resolve(req.ToolchainRef)
	if err != nil {
		logger.Error(ctx, "resolve isolation profile failed", zap.String("request_id", req.RequestID), zap.Error(err))
		p.Sink.SetFinished(ctx, req.RequestID, model.OutcomeFault)
		return model.OutcomeFault
	}

	run := &requestRun{
		pipeline:  p,
		req:       req,
		ws:        ws,
		toolchain: tc,
		problem:   prob,
		isolation: isolation,
	}
	return run.execute(ctx)
}

// requestRun bundles the state threaded through one request's stages so
// pipeline.go's helpers don't need long parameter lists.
type requestRun struct {
	pipeline  *Pipeline
	req       model.JudgeRequest
	ws        *workspace.Workspace
	toolchain toolchain.Resolved
	problem   problemasset.Resolved
	isolation security.IsolationProfile
}

func (r *requestRun) execute(ctx context.Context) model.RequestOutcome {
	p := r.pipeline

	compileResult, outcome := r.compile(ctx)
	if outcome == model.OutcomeCompileError || outcome == model.OutcomeFault {
		status := model.Status{Kind: outcome.StatusKind(), Code: compileResult.Code}
		r.emitHeaders(ctx, 0, status)
		p.Sink.SetFinished(ctx, r.req.RequestID, outcome)
		return outcome
	}

	score, outcome := r.testAndValue(ctx, compileResult)
	status := model.Status{Kind: outcome.StatusKind()}
	r.emitHeaders(ctx, score, status)
	p.Sink.SetFinished(ctx, r.req.RequestID, outcome)
	return outcome
}

func (r *requestRun) emitHeaders(ctx context.Context, score uint32, status model.Status) {
	for _, kind := range []string{model.JudgeLogKindContestant, model.JudgeLogKindFull} {
		r.pipeline.Sink.AddOutcomeHeader(ctx, r.req.RequestID, model.OutcomeHeader{
			Score:  score,
			Status: status,
			Kind:   kind,
		})
	}
}

// toolchainSysroot returns the directory to mount as the sandbox's
// filesystem root: the cached image extraction, or (host-toolchains mode)
// the host's own filesystem, per spec §9's mutually-exclusive modes.
func (r *requestRun) toolchainSysroot() string {
	if r.pipeline.Config.HostToolchains {
		return "/"
	}
	return r.toolchain.Path
}

// buildEnv merges host env (if the toolchain opts in and the blacklist
// doesn't drop a key), the toolchain's own env, and a step's template env,
// per spec §3's Toolchain.env_passing/env_blacklist fields.
func buildEnv(tc model.Toolchain, stepEnv map[string]string, hostEnv []string) map[string]string {
	merged := make(map[string]string)
	if tc.EnvPassing {
		for _, kv := range hostEnv {
			k, v, ok := splitEnv(kv)
			if !ok {
				continue
			}
			if _, blocked := tc.EnvBlacklist[k]; blocked {
				continue
			}
			merged[k] = v
		}
	}
	for k, v := range tc.Env {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}
	return merged
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// resolveFileRef resolves a model.FileRef against the staged problem
// directory or the request workspace, per spec §3's FileRef shape.
func resolveFileRef(problemDir, requestDir string, ref model.FileRef) string {
	switch ref.Root {
	case model.RootProblem:
		return problemasset.Resolve(problemDir, ref)
	default:
		return filepath.Join(requestDir, filepath.Clean("/"+ref.Path))
	}
}
