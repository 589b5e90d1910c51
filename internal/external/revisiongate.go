package external

import (
	"context"

	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/pipeline"
	"github.com/jjs-dev/invoker/internal/worker"
)

// RevisionGate wraps a pipeline template so every request runs against a
// Sink scoped to its own (request_id, revision) pair, per spec §3: a
// redelivered, out-of-order run for a request_id a newer revision has
// already started for has every non-terminal sink call dropped, instead of
// racing its stale score/status against the current run's.
//
// template's own Sink field is never used directly; RevisionGate swaps in
// sink.Scoped(...) for each request. template is otherwise shared
// read-only state (engine, loaders, profiles, config) safe for concurrent
// Run calls, matching how a *pipeline.Pipeline is already used across a
// worker pool.
type RevisionGate struct {
	template pipeline.Pipeline
	sink     *KafkaSink
}

// NewRevisionGate builds a RevisionGate. template.Sink is ignored in favor
// of a per-call scoped view of sink.
func NewRevisionGate(template pipeline.Pipeline, sink *KafkaSink) *RevisionGate {
	return &RevisionGate{template: template, sink: sink}
}

// Run records req's revision as the floor for req.RequestID, then executes
// the pipeline with a Sink scoped to that exact revision and throttled per
// spec §4.5/§5 (a fresh ThrottledSink is cheap and its coalescing state
// only needs to live for this one request's duration). Satisfies
// worker.Runner.
func (g *RevisionGate) Run(ctx context.Context, req model.JudgeRequest) model.RequestOutcome {
	g.sink.WithRevision(req.RequestID, req.Revision)

	run := g.template
	run.Sink = worker.NewThrottledSink(g.sink.Scoped(req.RequestID, req.Revision))
	return run.Run(ctx, req)
}
