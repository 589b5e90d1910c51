// Package external adapts the Task Source, Toolchain/Asset caches' sibling
// result Sink (spec §6) to concrete transports. The pipeline and worker pool
// only depend on the narrow interfaces they declare themselves
// (pipeline.Sink, worker.TaskSource); this package supplies implementations
// of those interfaces plus the revision-ordering guard spec §3 requires of
// the sink ("the sink must ignore updates with lower revision than it
// already holds"). Grounded on the teacher's judgeconsumerlogic.go /
// status_event_publisher.go: a Kafka consumer decodes queued work, a Kafka
// producer republishes status events, both over internal/common/mq.
package external

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jjs-dev/invoker/internal/common/mq"
	"github.com/jjs-dev/invoker/internal/model"
	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// wireJudgeRequest is the JSON envelope a task-source message carries on the
// wire, decoupled from model.JudgeRequest's in-memory shape so the wire
// format can gain fields independently.
type wireJudgeRequest struct {
	RequestID    string            `json:"request_id"`
	Revision     int64             `json:"revision"`
	ToolchainRef string            `json:"toolchain_ref"`
	ProblemRef   string            `json:"problem_ref"`
	SourceBytes  []byte            `json:"source_bytes"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// KafkaTaskSource implements worker.TaskSource over an internal/common/mq
// consumer: each queued message decodes to one JudgeRequest. Messages are
// acknowledged (committed) by the underlying mq.Consumer once the handler
// installed by Subscribe returns nil, which happens as soon as the decoded
// request is queued in the pending buffer Fetch reads from -- the queue's
// at-least-once redelivery is the
// mechanism spec §6 relies on for duplicate-tolerant terminal events, not a
// second ack path here.
type KafkaTaskSource struct {
	queue mq.MessageQueue
	topic string
	opts  *mq.SubscribeOptions

	mu      sync.Mutex
	pending chan model.JudgeRequest
	started bool
}

// NewKafkaTaskSource builds a TaskSource that pulls JudgeRequests off topic.
// opts may be nil to use the queue's defaults. Call Start before the worker
// pool begins fetching.
func NewKafkaTaskSource(queue mq.MessageQueue, topic string, opts *mq.SubscribeOptions, buffer int) *KafkaTaskSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &KafkaTaskSource{queue: queue, topic: topic, opts: opts, pending: make(chan model.JudgeRequest, buffer)}
}

// Start subscribes to the configured topic and begins consuming. Safe to
// call once; a second call is a no-op.
func (s *KafkaTaskSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	var err error
	if s.opts != nil {
		err = s.queue.SubscribeWithOptions(ctx, s.topic, s.handle, s.opts)
	} else {
		err = s.queue.Subscribe(ctx, s.topic, s.handle)
	}
	if err != nil {
		return appErr.Wrap(err, appErr.ServiceUnavailable).WithMessagef("subscribe task source topic %s", s.topic)
	}
	if err := s.queue.Start(); err != nil {
		return appErr.Wrap(err, appErr.ServiceUnavailable).WithMessage("start task source consumer")
	}
	s.started = true
	return nil
}

func (s *KafkaTaskSource) handle(ctx context.Context, msg *mq.Message) error {
	var w wireJudgeRequest
	if err := json.Unmarshal(msg.Body, &w); err != nil {
		// A malformed queue entry is dropped rather than retried forever;
		// returning nil acknowledges it so it does not jam the topic.
		return nil
	}
	if _, err := uuid.Parse(w.RequestID); err != nil {
		logger.Warn(ctx, "dropping task source message with non-UUID request_id", zap.String("request_id", w.RequestID))
		return nil
	}
	req := model.JudgeRequest{
		RequestID:    w.RequestID,
		Revision:     w.Revision,
		ToolchainRef: w.ToolchainRef,
		ProblemRef:   w.ProblemRef,
		SourceBytes:  w.SourceBytes,
		Metadata:     w.Metadata,
	}
	select {
	case s.pending <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch returns the next decoded JudgeRequest, blocking until one arrives
// or ctx is canceled.
func (s *KafkaTaskSource) Fetch(ctx context.Context) (model.JudgeRequest, error) {
	select {
	case req := <-s.pending:
		return req, nil
	case <-ctx.Done():
		return model.JudgeRequest{}, ctx.Err()
	}
}

// Close stops the underlying consumer.
func (s *KafkaTaskSource) Close() error {
	return s.queue.Stop()
}
