// Package lanes runs tasks in named FIFO lanes.
//
// Invariants:
// - Tasks in the same lane run one at a time, in submission order.
// - Tasks in different lanes run concurrently.
// - A task whose context is done before it starts is skipped and reports ctx.Err().
//
// Usage:
//
//	q := lanes.New(logger)
//	defer q.Close()
//	done := q.Submit(ctx, "conn:abc", func(ctx context.Context) error {
//		return answer(ctx)
//	})
//	err := <-done
package lanes
