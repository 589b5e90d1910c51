package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/pipeline"
)

// liveUpdateInterval is the minimum spacing between delivered live-status
// updates for one request, per spec §4.5. Terminal calls (SetFinished,
// AddOutcomeHeader, DeliverJudgeLog) are never throttled.
const liveUpdateInterval = 250 * time.Millisecond

// throttleState tracks one request's live-update suppression window: the
// time the last update was actually delivered, and a pending value queued
// during the window that a timer will flush once it closes.
type throttleState struct {
	lastSent time.Time
	pending  *model.LiveStatusUpdate
	timer    *time.Timer
}

// ThrottledSink wraps a pipeline.Sink so that DeliverLiveStatusUpdate calls
// for the same request are coalesced to at most one per liveUpdateInterval;
// every other method passes straight through. Per spec §5, an update that
// arrives inside the suppression window is not simply dropped: it becomes
// the pending value for that request, and is delivered on a timer once the
// window closes, unless a still-newer update supersedes it first.
type ThrottledSink struct {
	pipeline.Sink

	mu     sync.Mutex
	states map[string]*throttleState
}

// NewThrottledSink wraps next.
func NewThrottledSink(next pipeline.Sink) *ThrottledSink {
	return &ThrottledSink{Sink: next, states: make(map[string]*throttleState)}
}

// DeliverLiveStatusUpdate delivers update immediately if liveUpdateInterval
// has elapsed since the last delivered update for requestID; otherwise it
// replaces any already-pending value for requestID and lets the open
// window's timer flush it when the window closes.
func (s *ThrottledSink) DeliverLiveStatusUpdate(ctx context.Context, requestID string, update model.LiveStatusUpdate) {
	now := time.Now()

	s.mu.Lock()
	st, ok := s.states[requestID]
	if !ok {
		st = &throttleState{}
		s.states[requestID] = st
	}

	if now.Sub(st.lastSent) >= liveUpdateInterval {
		st.lastSent = now
		st.pending = nil
		s.mu.Unlock()
		s.Sink.DeliverLiveStatusUpdate(ctx, requestID, update)
		return
	}

	st.pending = &update
	if st.timer == nil {
		remaining := liveUpdateInterval - now.Sub(st.lastSent)
		st.timer = time.AfterFunc(remaining, func() { s.flush(ctx, requestID) })
	}
	s.mu.Unlock()
}

// flush delivers requestID's pending update, if any, once its suppression
// window has closed, and clears the window so the next update is sent
// immediately.
func (s *ThrottledSink) flush(ctx context.Context, requestID string) {
	s.mu.Lock()
	st, ok := s.states[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	pending := st.pending
	st.pending = nil
	if pending != nil {
		st.lastSent = time.Now()
	}
	s.mu.Unlock()

	if pending != nil {
		s.Sink.DeliverLiveStatusUpdate(ctx, requestID, *pending)
	}
}

// SetFinished forgets the request's throttle state once it terminates, so
// the map does not grow without bound across a long-running worker.
func (s *ThrottledSink) SetFinished(ctx context.Context, requestID string, outcome model.RequestOutcome) {
	s.mu.Lock()
	if st, ok := s.states[requestID]; ok && st.timer != nil {
		st.timer.Stop()
	}
	delete(s.states, requestID)
	s.mu.Unlock()
	s.Sink.SetFinished(ctx, requestID, outcome)
}
