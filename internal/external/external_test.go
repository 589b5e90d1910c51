package external

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jjs-dev/invoker/internal/common/mq"
	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/internal/pipeline"
	"github.com/jjs-dev/invoker/internal/toolchain"
)

// fakeQueue is a minimal in-memory mq.MessageQueue: Publish appends to a
// slice, Subscribe/SubscribeWithOptions just remembers the handler so a
// test can drive it directly with deliver.
type fakeQueue struct {
	mu        sync.Mutex
	published []*mq.Message
	topics    map[string][]*mq.Message
	handlers  map[string]mq.HandlerFunc
	started   bool
	stopped   bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		topics:   make(map[string][]*mq.Message),
		handlers: make(map[string]mq.HandlerFunc),
	}
}

func (q *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, message)
	q.topics[topic] = append(q.topics[topic], message)
	return nil
}

func (q *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := q.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (q *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = handler
	return nil
}

func (q *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return q.Subscribe(ctx, topic, handler)
}

func (q *fakeQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.started = true
	return nil
}

func (q *fakeQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	return nil
}

func (q *fakeQueue) Pause() error  { return nil }
func (q *fakeQueue) Resume() error { return nil }

func (q *fakeQueue) Ping(ctx context.Context) error { return nil }
func (q *fakeQueue) Close() error                   { return nil }

// deliver hands msg to topic's registered handler directly, bypassing any
// real transport, mirroring how the teacher's tests drive HandleMessage.
func (q *fakeQueue) deliver(ctx context.Context, topic string, msg *mq.Message) error {
	q.mu.Lock()
	h := q.handlers[topic]
	q.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, msg)
}

func TestKafkaTaskSourceDecodesAndDelivers(t *testing.T) {
	q := newFakeQueue()
	src := NewKafkaTaskSource(q, "tasks", nil, 4)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !q.started {
		t.Fatalf("expected underlying queue to be started")
	}

	const requestID = "11111111-1111-1111-1111-111111111111"
	body, _ := json.Marshal(wireJudgeRequest{
		RequestID:    requestID,
		Revision:     3,
		ToolchainRef: "gcc-12",
		ProblemRef:   "problem-1",
	})
	if err := q.deliver(ctx, "tasks", mq.NewMessage(body)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := src.Fetch(fetchCtx)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if req.RequestID != requestID || req.Revision != 3 || req.ToolchainRef != "gcc-12" {
		t.Fatalf("unexpected decoded request: %+v", req)
	}
}

func TestKafkaTaskSourceDropsNonUUIDRequestID(t *testing.T) {
	q := newFakeQueue()
	src := NewKafkaTaskSource(q, "tasks", nil, 4)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	body, _ := json.Marshal(wireJudgeRequest{RequestID: "not-a-uuid", Revision: 1, ToolchainRef: "gcc-12", ProblemRef: "problem-1"})
	if err := q.deliver(ctx, "tasks", mq.NewMessage(body)); err != nil {
		t.Fatalf("deliver of non-UUID request_id should ack (nil error), got %v", err)
	}

	select {
	case req := <-src.pending:
		t.Fatalf("expected no decoded request, got %+v", req)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestKafkaTaskSourceDropsMalformedMessage(t *testing.T) {
	q := newFakeQueue()
	src := NewKafkaTaskSource(q, "tasks", nil, 4)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := q.deliver(ctx, "tasks", mq.NewMessage([]byte("not json"))); err != nil {
		t.Fatalf("deliver of malformed message should ack (nil error), got %v", err)
	}

	select {
	case req := <-src.pending:
		t.Fatalf("expected no decoded request, got %+v", req)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestKafkaTaskSourceStartIsIdempotent(t *testing.T) {
	q := newFakeQueue()
	src := NewKafkaTaskSource(q, "tasks", nil, 1)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := src.Start(ctx); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
}

func TestKafkaSinkPublishesEachEventKind(t *testing.T) {
	q := newFakeQueue()
	sink := NewKafkaSink(q, "results")
	ctx := context.Background()

	sink.AddOutcomeHeader(ctx, "req-1", model.OutcomeHeader{Score: 100, Kind: model.JudgeLogKindFull})
	sink.DeliverLiveStatusUpdate(ctx, "req-1", model.LiveStatusUpdate{})
	sink.DeliverJudgeLog(ctx, "req-1", model.JudgeLog{Name: "full"})
	sink.SetFinished(ctx, "req-1", model.OutcomeTestingDone)

	if len(q.topics["results"]) != 4 {
		t.Fatalf("expected 4 published events, got %d", len(q.topics["results"]))
	}
	var kinds []string
	for _, m := range q.topics["results"] {
		var ev wireEvent
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			t.Fatalf("unmarshal event failed: %v", err)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []string{eventHeader, eventLive, eventLog, eventFinished}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("event %d: want kind %s, got %s", i, k, kinds[i])
		}
	}
}

func TestScopedSinkDropsCallsFromSupersededRevision(t *testing.T) {
	q := newFakeQueue()
	sink := NewKafkaSink(q, "results")
	ctx := context.Background()

	sink.WithRevision("req-1", 3)
	stale := sink.Scoped("req-1", 3)
	stale.AddOutcomeHeader(ctx, "req-1", model.OutcomeHeader{Score: 1})
	if len(q.topics["results"]) != 1 {
		t.Fatalf("expected the in-order call to publish, got %d events", len(q.topics["results"]))
	}

	// A newer revision is fetched and starts running for the same
	// request_id, raising the floor.
	sink.WithRevision("req-1", 5)
	current := sink.Scoped("req-1", 5)
	current.AddOutcomeHeader(ctx, "req-1", model.OutcomeHeader{Score: 2})
	if len(q.topics["results"]) != 2 {
		t.Fatalf("expected the newer revision's call to publish, got %d events", len(q.topics["results"]))
	}

	// The stale run (still scoped to revision 3) keeps running concurrently
	// and emits another event: it must be dropped now that revision 5 is
	// on file.
	stale.DeliverLiveStatusUpdate(ctx, "req-1", model.LiveStatusUpdate{})
	stale.DeliverJudgeLog(ctx, "req-1", model.JudgeLog{Name: "full"})
	if len(q.topics["results"]) != 2 {
		t.Fatalf("expected stale revision's calls to be dropped, got %d events", len(q.topics["results"]))
	}

	// A same-revision redelivery (exactly matching the floor) is still
	// admitted, since it is not older than what the sink holds.
	current.DeliverLiveStatusUpdate(ctx, "req-1", model.LiveStatusUpdate{})
	if len(q.topics["results"]) != 3 {
		t.Fatalf("expected same-revision call to publish, got %d events", len(q.topics["results"]))
	}
}

func TestScopedSinkSetFinishedAlwaysPublishes(t *testing.T) {
	q := newFakeQueue()
	sink := NewKafkaSink(q, "results")
	ctx := context.Background()

	sink.WithRevision("req-1", 9)
	stale := sink.Scoped("req-1", 1)
	stale.SetFinished(ctx, "req-1", model.OutcomeFault)

	if len(q.topics["results"]) != 1 {
		t.Fatalf("expected SetFinished to publish unconditionally, got %d events", len(q.topics["results"]))
	}
}

// fakeToolchainLoader always fails, so pipeline.Pipeline.Run reaches its
// OutcomeFault path immediately without needing a real sandbox engine.
type fakeToolchainLoader struct{}

func (fakeToolchainLoader) Resolve(ctx context.Context, ref string) (toolchain.Resolved, error) {
	return toolchain.Resolved{}, errors.New("no toolchain in this fake")
}

func TestRevisionGateScopesSinkToTheFetchedRevision(t *testing.T) {
	q := newFakeQueue()
	sink := NewKafkaSink(q, "results")
	template := pipeline.Pipeline{
		Toolchains: fakeToolchainLoader{},
		Config:     pipeline.Config{WorkspaceRoot: t.TempDir()},
	}
	gate := NewRevisionGate(template, sink)

	req := model.JudgeRequest{RequestID: "req-9", Revision: 42, ToolchainRef: "gcc-12"}
	outcome := gate.Run(context.Background(), req)

	if outcome != model.OutcomeFault {
		t.Fatalf("expected OutcomeFault from the failing loader, got %v", outcome)
	}

	sink.mu.Lock()
	got := sink.seen["req-9"]
	sink.mu.Unlock()
	if got != 42 {
		t.Fatalf("expected revision 42 recorded for req-9, got %d", got)
	}

	if len(q.topics["results"]) != 1 {
		t.Fatalf("expected exactly one finished event, got %d", len(q.topics["results"]))
	}
	var ev wireEvent
	if err := json.Unmarshal(q.topics["results"][0].Body, &ev); err != nil {
		t.Fatalf("unmarshal event failed: %v", err)
	}
	if ev.Kind != eventFinished || ev.Outcome != model.OutcomeFault {
		t.Fatalf("unexpected finished event: %+v", ev)
	}
}
