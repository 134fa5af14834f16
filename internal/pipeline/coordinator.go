package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/logging"
	"caseflow/internal/queue"
)

// CacheEnsurer provides the run-wide context cache handle.
type CacheEnsurer interface {
	Ensure(ctx context.Context) (string, error)
}

// CaseProcessor runs one case to a terminal status.
type CaseProcessor interface {
	Process(ctx context.Context, row queue.CaseRow, cacheHandle string) error
}

// RunLedger records a finished run. Optional: queue backends without a
// ledger simply skip it.
type RunLedger interface {
	RecordRun(ctx context.Context, runID string, startedAt, finishedAt time.Time, completed, failed int) error
}

// RunSummary is the outcome of one coordinator run.
type RunSummary struct {
	RunID     string
	Total     int
	Completed int
	Failed    int
	Elapsed   time.Duration
}

// Coordinator walks the queue once: cache bootstrap, a single PENDING
// snapshot, then strictly sequential case processing. One case's failure
// never ends the run; only cache bootstrap or queue breakage does.
type Coordinator struct {
	queue        queue.Queue
	cache        CacheEnsurer
	processor    CaseProcessor
	requeueAfter time.Duration
}

// NewCoordinator creates a run coordinator. requeueAfter of zero leaves
// stale PROCESSING rows alone.
func NewCoordinator(q queue.Queue, cache CacheEnsurer, processor CaseProcessor, requeueAfter time.Duration) *Coordinator {
	return &Coordinator{
		queue:        q,
		cache:        cache,
		processor:    processor,
		requeueAfter: requeueAfter,
	}
}

// Run executes one full pass over the queue.
func (c *Coordinator) Run(ctx context.Context) (*RunSummary, error) {
	runID := uuid.NewString()
	startedAt := time.Now()
	logging.Run("Run %s starting", runID)

	if c.requeueAfter > 0 {
		n, err := c.queue.RequeueStale(ctx, c.requeueAfter)
		if err != nil {
			logging.RunWarn("Run %s: stale requeue failed: %v", runID, err)
		} else if n > 0 {
			logging.Run("Run %s: requeued %d stale rows", runID, n)
		}
	}

	handle, err := c.cache.Ensure(ctx)
	if err != nil {
		logging.RunError("Run %s aborted: %v", runID, err)
		return nil, err
	}

	// One snapshot per run. Rows queued after this point wait for the next run.
	rows, err := c.queue.ListPending(ctx)
	if err != nil {
		logging.RunError("Run %s aborted: %v", runID, err)
		return nil, err
	}
	logging.Run("Run %s: %d pending cases", runID, len(rows))

	summary := &RunSummary{RunID: runID, Total: len(rows)}
	for _, row := range rows {
		if ctx.Err() != nil {
			logging.RunWarn("Run %s interrupted after %d cases", runID, summary.Completed+summary.Failed)
			break
		}
		if err := c.processor.Process(ctx, row, handle); err != nil {
			summary.Failed++
			continue
		}
		summary.Completed++
	}
	summary.Elapsed = time.Since(startedAt)

	if ledger, ok := c.queue.(RunLedger); ok {
		if err := ledger.RecordRun(ctx, runID, startedAt, time.Now(), summary.Completed, summary.Failed); err != nil {
			logging.RunWarn("Run %s: ledger write failed: %v", runID, err)
		}
	}

	logging.Run("Run %s finished: %d completed, %d failed of %d in %s",
		runID, summary.Completed, summary.Failed, summary.Total, summary.Elapsed.Round(time.Second))
	return summary, nil
}
