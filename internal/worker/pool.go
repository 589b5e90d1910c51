// Package worker implements the Worker Pool wrapper of spec §4.5: bounded
// concurrency over the Judging Pipeline, back-pressure when every slot is
// busy, and a graceful shutdown deadline. Grounded on the teacher's
// internal/judge/service pool_retry.go semaphore-channel pattern
// (acquireSlot/releaseSlot over a buffered chan struct{}), generalized from
// its 2-second fixed backpressure wait to spec §4.5's slot-acquire timeout.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jjs-dev/invoker/internal/model"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/pkg/logger"

	"go.uber.org/zap"
)

// TaskSource delivers the next judge request to run. Fetch blocks until a
// request is available, ctx is canceled, or the source is exhausted.
type TaskSource interface {
	Fetch(ctx context.Context) (model.JudgeRequest, error)
}

// Runner drives one judge request to a terminal outcome. *pipeline.Pipeline
// satisfies this via its Run method.
type Runner interface {
	Run(ctx context.Context, req model.JudgeRequest) model.RequestOutcome
}

// Pool bounds how many requests run concurrently and tracks them for
// graceful shutdown.
type Pool struct {
	runner      Runner
	concurrency int
	acquireWait time.Duration

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Pool that runs at most concurrency requests at once via
// runner. A slot acquisition that does not succeed within acquireWait fails
// with JudgeQueueFull; Run logs that and tries again, without calling Fetch
// in the meantime.
func New(runner Runner, concurrency int, acquireWait time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if acquireWait <= 0 {
		acquireWait = 2 * time.Second
	}
	return &Pool{
		runner:      runner,
		concurrency: concurrency,
		acquireWait: acquireWait,
		sem:         make(chan struct{}, concurrency),
	}
}

// Run dispatches requests from source until ctx is canceled or Fetch
// returns a fatal error. Per spec §4.5, a concurrency slot is acquired
// BEFORE the next request is fetched: when every worker is busy, Run simply
// does not call Fetch again until one frees up, rather than pulling a task
// off the source and then having nowhere to run it. This also guarantees
// every fetched request is handed to the runner, so Sink.SetFinished still
// fires exactly once per request (spec §8) with no silently dropped task.
func (p *Pool) Run(ctx context.Context, source TaskSource) {
	for {
		if err := p.acquireSlot(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "worker pool full, waiting for a free slot", zap.Error(err))
			continue
		}

		req, err := source.Fetch(ctx)
		if err != nil {
			p.releaseSlot()
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "task source fetch failed", zap.Error(err))
			return
		}

		p.wg.Add(1)
		go func(r model.JudgeRequest) {
			defer p.wg.Done()
			defer p.releaseSlot()
			p.runner.Run(ctx, r)
		}(req)
	}
}

// Shutdown waits for in-flight requests to complete, up to deadline. It
// does not cancel them: a judge request that is mid-sandbox-run is left to
// finish so its SetFinished still fires exactly once, per spec §8.
func (p *Pool) Shutdown(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}

func (p *Pool) acquireSlot(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.acquireWait):
		return appErr.New(appErr.JudgeQueueFull)
	}
}

func (p *Pool) releaseSlot() {
	select {
	case <-p.sem:
	default:
	}
}
