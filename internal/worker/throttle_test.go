package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/pipeline"
)

func testNum(v uint32) *uint32 { return &v }

type recordingSink struct {
	pipeline.Sink

	mu      sync.Mutex
	updates []model.LiveStatusUpdate
	finished []model.RequestOutcome
}

func (s *recordingSink) DeliverLiveStatusUpdate(ctx context.Context, requestID string, update model.LiveStatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

func (s *recordingSink) SetFinished(ctx context.Context, requestID string, outcome model.RequestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, outcome)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *recordingSink) last() model.LiveStatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func TestThrottledSinkDeliversFirstUpdateImmediately(t *testing.T) {
	next := &recordingSink{}
	sink := NewThrottledSink(next)

	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(1)})

	if next.count() != 1 {
		t.Fatalf("expected the first update to be delivered immediately, got %d delivered", next.count())
	}
}

func TestThrottledSinkCoalescesUpdatesWithinWindowAndFlushesTrailingValue(t *testing.T) {
	next := &recordingSink{}
	sink := NewThrottledSink(next)

	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(1)})
	if next.count() != 1 {
		t.Fatalf("expected exactly one immediate delivery, got %d", next.count())
	}

	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(2)})
	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(3)})
	if next.count() != 1 {
		t.Fatalf("expected updates inside the suppression window to be coalesced, got %d delivered", next.count())
	}

	deadline := time.Now().Add(time.Second)
	for next.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if next.count() != 2 {
		t.Fatalf("expected the pending update to flush once the window closed, got %d delivered", next.count())
	}
	if next.last().CurrentTest == nil || *next.last().CurrentTest != 3 {
		t.Fatalf("expected the flushed update to be the most recent pending value, got %+v", next.last())
	}
}

func TestThrottledSinkTracksIndependentWindowsPerRequest(t *testing.T) {
	next := &recordingSink{}
	sink := NewThrottledSink(next)

	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(1)})
	sink.DeliverLiveStatusUpdate(context.Background(), "req-2", model.LiveStatusUpdate{CurrentTest: testNum(1)})

	if next.count() != 2 {
		t.Fatalf("expected the first update for each distinct request to deliver immediately, got %d", next.count())
	}
}

func TestThrottledSinkSetFinishedPassesThroughAndCancelsPendingTimer(t *testing.T) {
	next := &recordingSink{}
	sink := NewThrottledSink(next)

	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(1)})
	sink.DeliverLiveStatusUpdate(context.Background(), "req-1", model.LiveStatusUpdate{CurrentTest: testNum(2)})

	sink.SetFinished(context.Background(), "req-1", model.OutcomeTestingDone)

	if len(next.finished) != 1 || next.finished[0] != model.OutcomeTestingDone {
		t.Fatalf("expected SetFinished to pass through to the wrapped sink, got %+v", next.finished)
	}

	sink.mu.Lock()
	_, stillTracked := sink.states["req-1"]
	sink.mu.Unlock()
	if stillTracked {
		t.Fatal("expected SetFinished to forget the request's throttle state")
	}

	time.Sleep(liveUpdateInterval + 50*time.Millisecond)
	if next.count() != 1 {
		t.Fatalf("expected the cancelled pending update to never flush, got %d delivered", next.count())
	}
}
