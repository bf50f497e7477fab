package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
)

// Handler executes one ingest work item. Handle is retried by the worker
// per the configured policy; Abort runs once after retries are exhausted.
type Handler interface {
	Handle(ctx context.Context, item WorkItem) error
	Abort(ctx context.Context, item WorkItem, cause error)
}

// WorkerConfig tunes the worker's concurrency and retry behaviour.
type WorkerConfig struct {
	// PoolSize bounds how many jobs run concurrently across all policies.
	PoolSize int
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// RetryInterval is the initial backoff; it doubles per attempt.
	RetryInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	return c
}

// laneBuffer bounds how many work items can wait per policy lane before
// dispatch applies backpressure to the subscription.
const laneBuffer = 64

// Worker consumes ingest work items and executes them through per-policy
// lanes: jobs for the same policy run strictly in enqueue order on a single
// lane, while independent policies proceed in parallel up to PoolSize.
// Lane order matches publication order because messages are acked at
// dispatch and the transport must not hand over the next message before
// the previous ack (AMQP queues do this inherently; the in-process queue
// needs BlockPublishUntilSubscriberAck).
type Worker struct {
	subscriber message.Subscriber
	handler    Handler
	process    message.HandlerFunc
	cfg        WorkerConfig
	logger     logr.Logger
	sem        *semaphore.Weighted

	mu    sync.Mutex
	lanes map[int64]chan *message.Message
	wg    sync.WaitGroup
}

func NewWorker(subscriber message.Subscriber, handler Handler, cfg WorkerConfig, logger logr.Logger, wmLogger watermill.LoggerAdapter) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		subscriber: subscriber,
		handler:    handler,
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.PoolSize)),
		lanes:      make(map[int64]chan *message.Message),
	}

	attempt := func(msg *message.Message) ([]*message.Message, error) {
		var item WorkItem
		if err := json.Unmarshal(msg.Payload, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal work item: %w", err)
		}
		return nil, handler.Handle(msg.Context(), item)
	}
	// Recoverer sits inside Retry so a panicking attempt is converted to an
	// error and retried like any other failure.
	w.process = middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.RetryInterval,
		Multiplier:      2.0,
		Logger:          wmLogger,
	}.Middleware(middleware.Recoverer(attempt))

	return w
}

// Run subscribes to the ingest topic and dispatches until ctx is canceled,
// then drains: no new messages are accepted while in-flight jobs finish.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, TopicIngestJobs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicIngestJobs, err)
	}

	// Jobs already dispatched keep running to completion on shutdown.
	workCtx := context.WithoutCancel(ctx)
	for msg := range messages {
		w.dispatch(workCtx, msg)
	}

	w.mu.Lock()
	for _, lane := range w.lanes {
		close(lane)
	}
	w.lanes = nil
	w.mu.Unlock()
	w.wg.Wait()
	w.logger.Info("worker drained")
	return nil
}

func (w *Worker) dispatch(ctx context.Context, msg *message.Message) {
	policyID, err := strconv.ParseInt(msg.Metadata.Get(metadataPolicyID), 10, 64)
	if err != nil {
		w.logger.Error(err, "work item missing policy id metadata", "messageId", msg.UUID)
		msg.Ack()
		return
	}

	w.mu.Lock()
	lane, ok := w.lanes[policyID]
	if !ok {
		lane = make(chan *message.Message, laneBuffer)
		w.lanes[policyID] = lane
		w.wg.Add(1)
		go w.runLane(ctx, policyID, lane)
	}
	w.mu.Unlock()
	lane <- msg

	// Ack once the item sits in its lane. The job outcome is durable in the
	// job record either way, and with a publisher that blocks until ack
	// (the in-process queue) this keeps lane order equal to publication
	// order: the next publish cannot proceed until this one is enqueued.
	msg.Ack()
}

func (w *Worker) runLane(ctx context.Context, policyID int64, lane <-chan *message.Message) {
	defer w.wg.Done()
	logger := w.logger.WithValues("policyId", policyID)
	for msg := range lane {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		w.handleMessage(ctx, msg, logger)
		w.sem.Release(1)
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg *message.Message, logger logr.Logger) {
	msg.SetContext(ctx)
	if _, err := w.process(msg); err != nil {
		logger.Error(err, "work item failed after retries", "messageId", msg.UUID)
		var item WorkItem
		if decodeErr := json.Unmarshal(msg.Payload, &item); decodeErr == nil {
			w.handler.Abort(ctx, item, err)
		}
	}
}
