// Package workerpool summarizes items concurrently with a bounded number of
// in-flight tasks, per-attempt timeouts and the shared retry policy.
//
// Per-item failures never escape the pool: every dispatched item that is not
// cancelled ends in exactly one SummaryResult.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the number of tasks run at once when unset.
const DefaultConcurrency = 5

// ErrMalformedResponse marks a reply that could not be parsed into a
// Summary. Tasks wrap it; the pool records the item as failed without
// retrying.
var ErrMalformedResponse = errors.New("malformed response")

// Task performs one attempt for item: a single text service call plus
// parsing of the reply.
type Task func(ctx context.Context, item types.Item, attempt int) (*types.Summary, error)

// ResultFunc receives each terminal result as soon as it is known. It may be
// called from several goroutines at once.
type ResultFunc func(result types.SummaryResult)

// Options configure a pool.
type Options struct {
	Concurrency int
	// TaskTimeout bounds each attempt. Zero means no per-attempt bound.
	TaskTimeout time.Duration
	Retry       textgen.RetryPolicy
	Logger      zerolog.Logger
}

// Results aggregates one Run.
type Results struct {
	Results   []types.SummaryResult
	Succeeded int
	Failed    int
	// Cancelled counts items that were queued or in flight when the run
	// context was cancelled. They have no entry in Results.
	Cancelled int
}

// Pool runs summarization tasks.
type Pool struct {
	opts   Options
	logger zerolog.Logger
}

// New creates a pool.
func New(opts Options) *Pool {
	observability.EnsureRegistered()
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.TaskTimeout > 0 {
		opts.Retry.AttemptTimeout = opts.TaskTimeout
	}
	return &Pool{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "workerpool").Logger(),
	}
}

// Concurrency returns the in-flight bound.
func (p *Pool) Concurrency() int { return p.opts.Concurrency }

// Run dispatches one task per item and blocks until every dispatched task
// has a terminal outcome or ctx is cancelled. Results are ordered by item
// position.
func (p *Pool) Run(ctx context.Context, items []types.Item, task Task, onResult ResultFunc) Results {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Debug().Int("items", len(items)).Int("concurrency", p.opts.Concurrency).Msg("Starting worker pool run")

	sem := semaphore.NewWeighted(int64(p.opts.Concurrency))
	slots := make([]*types.SummaryResult, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(index int, item types.Item) {
			defer wg.Done()
			defer sem.Release(1)

			res, ok := p.runTask(ctx, item, task)
			if !ok {
				return
			}
			slots[index] = &res
			if onResult != nil {
				onResult(res)
			}
		}(i, item)
	}
	wg.Wait()

	var out Results
	for _, r := range slots {
		if r == nil {
			out.Cancelled++
			continue
		}
		out.Results = append(out.Results, *r)
		if r.Succeeded() {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}

	logger.Info().
		Int("succeeded", out.Succeeded).
		Int("failed", out.Failed).
		Int("cancelled", out.Cancelled).
		Dur("duration", time.Since(start)).
		Msg("Worker pool run completed")
	return out
}

// runTask returns false when the task was cancelled and must not be recorded.
func (p *Pool) runTask(ctx context.Context, item types.Item, task Task) (types.SummaryResult, bool) {
	ctx, span := tracing.StartSpan(ctx, "paperlens.workerpool", "workerpool.task",
		attribute.String("item_id", item.ID))
	start := time.Now()
	observability.AddWorkersInFlight(1)
	defer observability.AddWorkersInFlight(-1)

	var summary *types.Summary
	policy := p.opts.Retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ErrMalformedResponse) && textgen.IsTransient(err)
	}
	attempts, err := policy.Do(ctx, "summarize "+item.ID, func(ctx context.Context, attempt int) error {
		s, err := task(ctx, item, attempt)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("empty summary: %w", ErrMalformedResponse)
		}
		summary = s
		return nil
	})

	if ctx.Err() != nil {
		tracing.EndSpan(span, ctx.Err())
		observability.RecordWorkerTask("cancelled", time.Since(start))
		return types.SummaryResult{}, false
	}
	tracing.EndSpan(span, err)

	res := types.SummaryResult{ItemID: item.ID, Attempts: attempts}
	if err == nil {
		res.Status = types.SummarySuccess
		res.Payload = summary
		observability.RecordWorkerTask("success", time.Since(start))
		return res, true
	}

	res.Status = types.SummaryFailed
	res.ErrorCode = failureCode(err)
	res.ErrorReason = err.Error()
	observability.RecordWorkerTask("failed", time.Since(start))
	p.logger.Warn().
		Err(err).
		Str("item_id", item.ID).
		Str("code", res.ErrorCode).
		Int("attempts", attempts).
		Msg("Item summarization failed")
	return res, true
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedResponse):
		return types.ErrCodeMalformedResponse
	case errors.Is(err, textgen.ErrRetriesExhausted):
		return types.ErrCodeRetriesExhausted
	default:
		return types.ErrCodePermanent
	}
}
