package external

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jjs-dev/invoker/internal/common/mq"
	"github.com/jjs-dev/invoker/internal/model"
	"github.com/jjs-dev/invoker/pkg/logger"

	"go.uber.org/zap"
)

// wireEvent is the envelope published to the sink topic for every kind of
// event a pipeline.Sink method produces, tagged so a single downstream
// consumer topic can demultiplex them.
type wireEvent struct {
	Kind      string                  `json:"kind"`
	RequestID string                  `json:"request_id"`
	Revision  int64                   `json:"revision"`
	Outcome   model.RequestOutcome    `json:"outcome,omitempty"`
	Header    *model.OutcomeHeader    `json:"header,omitempty"`
	Live      *model.LiveStatusUpdate `json:"live,omitempty"`
	Log       *model.JudgeLog         `json:"log,omitempty"`
}

const (
	eventFinished = "finished"
	eventHeader   = "outcome_header"
	eventLive     = "live_status_update"
	eventLog      = "judge_log"
)

// staleRevisionGrace is how long KafkaSink remembers a finished request's
// revision before forgetting it, so a redelivered, out-of-order event for
// an already-finished request arriving shortly after is still dropped
// instead of being mistaken for a brand new request_id.
const staleRevisionGrace = 5 * time.Minute

// KafkaSink implements pipeline.Sink over an internal/common/mq producer,
// grounded on MQStatusEventPublisher.PublishFinalStatus: marshal an event
// envelope, wrap it in mq.NewMessage, publish to a fixed topic. Unlike the
// teacher's publisher, which only ever emits one event kind, this sink
// emits the full set spec §6 requires (header/live/log/finished).
//
// The plain pipeline.Sink methods (SetFinished/AddOutcomeHeader/...) always
// publish: revision §3 filtering needs to know which revision a given call
// belongs to, which the Sink interface's fixed signatures don't carry. Use
// Scoped to get a per-request, per-revision view that does enforce it --
// this is what RevisionGate wires into the pipeline.
type KafkaSink struct {
	queue mq.MessageQueue
	topic string

	mu   sync.Mutex
	seen map[string]int64
}

// NewKafkaSink builds a Sink that publishes every event to topic on queue.
func NewKafkaSink(queue mq.MessageQueue, topic string) *KafkaSink {
	return &KafkaSink{queue: queue, topic: topic, seen: make(map[string]int64)}
}

// WithRevision raises the floor recorded for requestID to revision, if
// revision is newer than what is already on file. Called by RevisionGate
// once per fetched request, before the pipeline starts running it.
func (s *KafkaSink) WithRevision(requestID string, revision int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.seen[requestID]; !ok || revision > cur {
		s.seen[requestID] = revision
	}
}

// admits reports whether revision may still publish for requestID: it must
// be at or above the highest revision on record, per spec §3 ("the sink
// must ignore updates with lower revision than it already holds").
func (s *KafkaSink) admits(requestID string, revision int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.seen[requestID]
	return !ok || revision >= cur
}

// forgetAfter schedules requestID's revision floor for removal once no
// further redelivery is plausible.
func (s *KafkaSink) forgetAfter(requestID string, grace time.Duration) {
	time.AfterFunc(grace, func() {
		s.mu.Lock()
		delete(s.seen, requestID)
		s.mu.Unlock()
	})
}

func (s *KafkaSink) publish(ctx context.Context, requestID string, ev wireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error(ctx, "marshal sink event failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	msg := mq.NewMessage(payload)
	msg.ID = requestID
	if err := s.queue.Publish(ctx, s.topic, msg); err != nil {
		logger.Error(ctx, "publish sink event failed", zap.String("request_id", requestID), zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// SetFinished publishes the request's terminal outcome unconditionally:
// whatever revision is running still owes the task source exactly one
// terminal event, per spec §8, so the pool driving it does not wait
// forever on a superseded request.
func (s *KafkaSink) SetFinished(ctx context.Context, requestID string, outcome model.RequestOutcome) {
	s.publish(ctx, requestID, wireEvent{Kind: eventFinished, RequestID: requestID, Outcome: outcome})
	s.forgetAfter(requestID, staleRevisionGrace)
}

// AddOutcomeHeader publishes header unconditionally; use Scoped for
// revision-filtered delivery.
func (s *KafkaSink) AddOutcomeHeader(ctx context.Context, requestID string, header model.OutcomeHeader) {
	s.publish(ctx, requestID, wireEvent{Kind: eventHeader, RequestID: requestID, Header: &header})
}

// DeliverLiveStatusUpdate publishes update unconditionally; use Scoped for
// revision-filtered delivery.
func (s *KafkaSink) DeliverLiveStatusUpdate(ctx context.Context, requestID string, update model.LiveStatusUpdate) {
	s.publish(ctx, requestID, wireEvent{Kind: eventLive, RequestID: requestID, Live: &update})
}

// DeliverJudgeLog publishes log unconditionally; use Scoped for
// revision-filtered delivery.
func (s *KafkaSink) DeliverJudgeLog(ctx context.Context, requestID string, log model.JudgeLog) {
	s.publish(ctx, requestID, wireEvent{Kind: eventLog, RequestID: requestID, Log: &log})
}

// scopedSink is a pipeline.Sink bound to one request_id/revision pair: its
// non-terminal calls are dropped once a newer revision has been recorded
// for the same request_id, implementing spec §3's ordering rule per call
// rather than per sink instance.
type scopedSink struct {
	kafka     *KafkaSink
	requestID string
	revision  int64
}

// Scoped returns a pipeline.Sink for one (requestID, revision) pair. Every
// call through it is attributed to revision for admission purposes.
func (s *KafkaSink) Scoped(requestID string, revision int64) *scopedSink {
	return &scopedSink{kafka: s, requestID: requestID, revision: revision}
}

func (s *scopedSink) SetFinished(ctx context.Context, requestID string, outcome model.RequestOutcome) {
	s.kafka.SetFinished(ctx, requestID, outcome)
}

func (s *scopedSink) AddOutcomeHeader(ctx context.Context, requestID string, header model.OutcomeHeader) {
	if !s.kafka.admits(s.requestID, s.revision) {
		return
	}
	s.kafka.publish(ctx, requestID, wireEvent{Kind: eventHeader, RequestID: requestID, Revision: s.revision, Header: &header})
}

func (s *scopedSink) DeliverLiveStatusUpdate(ctx context.Context, requestID string, update model.LiveStatusUpdate) {
	if !s.kafka.admits(s.requestID, s.revision) {
		return
	}
	s.kafka.publish(ctx, requestID, wireEvent{Kind: eventLive, RequestID: requestID, Revision: s.revision, Live: &update})
}

func (s *scopedSink) DeliverJudgeLog(ctx context.Context, requestID string, log model.JudgeLog) {
	if !s.kafka.admits(s.requestID, s.revision) {
		return
	}
	s.kafka.publish(ctx, requestID, wireEvent{Kind: eventLog, RequestID: requestID, Revision: s.revision, Log: &log})
}
