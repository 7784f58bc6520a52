package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/forgenet/core-go/pkg/async"
	"github.com/forgenet/core-go/pkg/observability"
)

// TypeDelivery is the asynq task type for webhook delivery attempts.
const TypeDelivery = "webhook:deliver"

// Task identifies a pending delivery to process.
type Task struct {
	Resource   string `json:"resource"`
	DeliveryID int64  `json:"delivery_id"`
}

// TaskQueue dispatches delivery tasks for asynchronous processing. The
// delivery row is already committed when Enqueue is called.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Processor handles a dispatched delivery task. *Engine implements it; the
// indirection lets worker wiring register engines per resource.
type Processor interface {
	ProcessDelivery(ctx context.Context, deliveryID int64) error
}

// SyncQueue processes deliveries inline. Used in tests and single-process
// deployments without redis.
type SyncQueue struct {
	processors map[string]Processor
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{processors: make(map[string]Processor)}
}

// Register binds the processor for a resource name.
func (q *SyncQueue) Register(resource string, p Processor) {
	q.processors[resource] = p
}

func (q *SyncQueue) Enqueue(ctx context.Context, task Task) error {
	p, ok := q.processors[task.Resource]
	if !ok {
		return fmt.Errorf("no processor registered for resource %q", task.Resource)
	}
	return p.ProcessDelivery(ctx, task.DeliveryID)
}

// PoolQueue processes deliveries on an in-process worker pool. Deliveries do
// not survive a restart; pending rows remain visible for manual redelivery.
type PoolQueue struct {
	pool       *async.WorkerPool
	processors map[string]Processor
	logger     *observability.Logger
}

func NewPoolQueue(ctx context.Context, workers int, timeout time.Duration, logger *observability.Logger) *PoolQueue {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	q := &PoolQueue{
		pool:       async.NewWorkerPool(ctx, workers, "webhook-delivery", timeout, logger),
		processors: make(map[string]Processor),
		logger:     logger,
	}
	// Delivery failures are logged at enqueue time, so anything arriving
	// here is a panicked worker task.
	go func() {
		for err := range q.pool.Errors() {
			q.logger.WithError(err).Error("webhook delivery worker error")
		}
	}()
	return q
}

// Register binds the processor for a resource name.
func (q *PoolQueue) Register(resource string, p Processor) {
	q.processors[resource] = p
}

func (q *PoolQueue) Enqueue(ctx context.Context, task Task) error {
	p, ok := q.processors[task.Resource]
	if !ok {
		return fmt.Errorf("no processor registered for resource %q", task.Resource)
	}
	return q.pool.Submit(func(ctx context.Context) error {
		if err := p.ProcessDelivery(ctx, task.DeliveryID); err != nil {
			q.logger.WithError(err).WithFields(map[string]interface{}{
				"resource":    task.Resource,
				"delivery_id": task.DeliveryID,
			}).Error("webhook delivery failed")
		}
		return nil
	})
}

// Shutdown drains the pool.
func (q *PoolQueue) Shutdown(timeout time.Duration) error {
	return q.pool.Shutdown(timeout)
}

// AsynqQueue dispatches deliveries through redis so a separate worker
// process can attempt them.
type AsynqQueue struct {
	client *asynq.Client
}

func NewAsynqQueue(redisURL string) (*AsynqQueue, error) {
	opts, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return &AsynqQueue{client: asynq.NewClient(opts)}, nil
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding delivery task: %w", err)
	}
	// Delivery attempts are not retried. A timeout or error is a final
	// outcome; users redeliver manually.
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TypeDelivery, payload),
		asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("enqueueing delivery task: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// Worker consumes delivery tasks from redis and routes them to the engine
// registered for each resource.
type Worker struct {
	server     *asynq.Server
	processors map[string]Processor
}

func NewWorker(redisURL string, concurrency int, logger *logrus.Logger) (*Worker, error) {
	opts, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	server := asynq.NewServer(opts, asynq.Config{
		Concurrency: concurrency,
		Logger:      logger,
	})
	return &Worker{
		server:     server,
		processors: make(map[string]Processor),
	}, nil
}

// Register binds the processor for a resource name.
func (w *Worker) Register(resource string, p Processor) {
	w.processors[resource] = p
}

// Run blocks, processing tasks until Shutdown.
func (w *Worker) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDelivery, w.handleDelivery)
	return w.server.Run(mux)
}

func (w *Worker) handleDelivery(ctx context.Context, t *asynq.Task) error {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decoding delivery task: %w", err)
	}
	p, ok := w.processors[task.Resource]
	if !ok {
		return fmt.Errorf("no processor registered for resource %q", task.Resource)
	}
	return p.ProcessDelivery(ctx, task.DeliveryID)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
