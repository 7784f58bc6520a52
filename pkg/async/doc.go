// Package async runs background work on a bounded worker pool.
//
// # Overview
//
// WorkerPool owns a fixed set of goroutines, gives every task its own
// deadline, and contains panics so one bad delivery cannot take a worker
// down. It backs the in-process webhook delivery queue.
//
//	pool := async.NewWorkerPool(ctx, 10, "webhook-delivery", 30*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//		return engine.ProcessDelivery(ctx, deliveryID)
//	})
//
// Task failures and recovered panics surface on Errors; reading them is
// optional. Shutdown stops intake, finishes what was queued, and reports
// an error when the drain window expires.
//
// # Related Packages
//
//   - pkg/webhooks: uses WorkerPool for the in-process delivery queue
//   - pkg/observability: panic recovery and logging used by the workers
package async
