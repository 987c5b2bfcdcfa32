package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// LocalQueue runs requests on a fixed pool of in-process workers.
type LocalQueue struct {
	requests chan Request
	workers  int
	logger   *slog.Logger
}

// NewLocalQueue constructs a queue buffering up to buffer requests.
func NewLocalQueue(workers, buffer int, logger *slog.Logger) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		requests: make(chan Request, buffer),
		workers:  workers,
		logger:   logger,
	}
}

// Enqueue implements Queue without blocking the caller.
func (q *LocalQueue) Enqueue(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.requests <- req:
		queueDepthGauge.Set(float64(len(q.requests)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes requests with executor until ctx is cancelled, then waits
// for in-flight runs to return.
func (q *LocalQueue) Run(ctx context.Context, executor Executor) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-q.requests:
					queueDepthGauge.Set(float64(len(q.requests)))
					if err := executor.Run(ctx, req); err != nil {
						q.logger.Warn("sync request not completed",
							slog.Int("worker", worker),
							slog.String("job_id", req.JobID),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}
