package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is reported for tasks submitted to, or still queued in, a closed queue.
	ErrClosed = errors.New("lane queue closed")
	// ErrLaneCleared is reported for queued tasks dropped by Clear.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is one unit of lane work.
type Task func(ctx context.Context) error

type job struct {
	id         string
	ctx        context.Context
	task       Task
	done       chan error
	enqueuedAt time.Time
}

type lane struct {
	queue   []*job
	running bool
}

// Queue serializes tasks per lane.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates an empty queue. Lanes are created on first use and dropped
// once drained.
func New(logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "lanes").Logger(),
	}
}

// Submit appends task to the lane and returns a channel that receives the
// task's error (nil on success) exactly once.
func (q *Queue) Submit(ctx context.Context, name string, task Task) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrClosed
		return done
	}
	l, ok := q.lanes[name]
	if !ok {
		l = &lane{}
		q.lanes[name] = l
	}
	q.seq++
	j := &job{
		id:         fmt.Sprintf("%s-%d", name, q.seq),
		ctx:        ctx,
		task:       task,
		done:       done,
		enqueuedAt: time.Now(),
	}
	l.queue = append(l.queue, j)
	size := len(l.queue)
	start := !l.running
	if start {
		l.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	observability.SetLaneQueueSize(name, size)
	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("lane", name).
		Str("task_id", j.id).
		Int("queue_size", size).
		Msg("Task enqueued")

	if start {
		go q.drain(name, l)
	}
	return done
}

// Do submits task and waits for it. If ctx ends first, Do returns ctx.Err()
// and the task is skipped when its turn comes.
func (q *Queue) Do(ctx context.Context, name string, task Task) error {
	done := q.Submit(ctx, name, task)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(name string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			if q.lanes[name] == l {
				delete(q.lanes, name)
			}
			q.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		remaining := len(l.queue)
		q.mu.Unlock()

		observability.SetLaneQueueSize(name, remaining)
		q.execute(name, j, remaining)
	}
}

func (q *Queue) execute(name string, j *job, remaining int) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}

	ctx, span := tracing.StartSpan(j.ctx, "paperlens.lanes", "lanes.execute",
		attribute.String("lane", name),
		attribute.String("task_id", j.id))
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)

	logger := tracing.LoggerFromContext(ctx, q.logger)
	start := time.Now()
	err := runTask(runCtx, j.task)
	duration := time.Since(start)

	stop()
	cancel()
	tracing.EndSpan(span, err)
	observability.RecordLaneTask(name, err == nil, remaining)

	if err != nil {
		logger.Warn().Err(err).Str("lane", name).Str("task_id", j.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", name).Str("task_id", j.id).
			Dur("duration", duration).
			Dur("wait", start.Sub(j.enqueuedAt)).
			Msg("Task completed")
	}
	j.done <- err
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Len returns the number of queued, not yet running, tasks in a lane.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[name]; ok {
		return len(l.queue)
	}
	return 0
}

// Clear drops every queued task of a lane, reporting ErrLaneCleared to
// each. The running task, if any, is left alone.
func (q *Queue) Clear(name string) int {
	q.mu.Lock()
	l, ok := q.lanes[name]
	var dropped []*job
	if ok {
		dropped = l.queue
		l.queue = nil
	}
	q.mu.Unlock()

	for _, j := range dropped {
		j.done <- ErrLaneCleared
	}
	if len(dropped) > 0 {
		observability.SetLaneQueueSize(name, 0)
		q.logger.Info().Str("lane", name).Int("cleared", len(dropped)).Msg("Lane cleared")
	}
	return len(dropped)
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var dropped []*job
	for _, l := range q.lanes {
		dropped = append(dropped, l.queue...)
		l.queue = nil
	}
	q.mu.Unlock()

	for _, j := range dropped {
		j.done <- ErrClosed
	}
	q.cancel()
	q.wg.Wait()
	return nil
}
