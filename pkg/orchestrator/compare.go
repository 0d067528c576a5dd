package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/prompts"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// MaxCompareItems bounds the number of items in one comparison.
const MaxCompareItems = 10

// CompareRequest names the items to compare by their source ids.
type CompareRequest struct {
	ItemIDs []string    `json:"itemIds"`
	Depth   types.Depth `json:"depth,omitempty"`
}

func (r CompareRequest) normalize() (CompareRequest, error) {
	seen := make(map[string]bool, len(r.ItemIDs))
	var ids []string
	for _, id := range r.ItemIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) < 2 || len(ids) > MaxCompareItems {
		return r, fmt.Errorf("%w: between 2 and %d distinct item ids are required, got %d", session.ErrInvalidParams, MaxCompareItems, len(ids))
	}
	if r.Depth == "" {
		r.Depth = types.DepthComprehensive
	}
	if !r.Depth.Valid() {
		return r, fmt.Errorf("%w: unknown depth %q", session.ErrInvalidParams, r.Depth)
	}
	r.ItemIDs = ids
	return r, nil
}

// Compare fetches the named items, summarizes them on the worker pool and
// contrasts the summaries. It runs outside any session and keeps nothing.
func (o *Orchestrator) Compare(ctx context.Context, req CompareRequest) (cmp *types.Comparison, err error) {
	if o.closing.Load() {
		return nil, ErrShuttingDown
	}
	req, err = req.normalize()
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	defer o.wg.Done()

	ctx, span := tracing.StartSpan(ctx, "paperlens.orchestrator", "orchestrator.compare",
		attribute.Int("items", len(req.ItemIDs)))
	defer func() { tracing.EndSpan(span, err) }()

	sctx, cancel := o.stageContext(ctx)
	defer cancel()

	items, err := o.source.Fetch(sctx, req.ItemIDs)
	observability.RecordSourceSearch(o.source.Name(), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stageError(session.Retrieving, CodeRetrievalFailed, err)
	}
	if len(items) < 2 {
		return nil, &StageError{
			Stage:  session.Retrieving,
			Code:   CodeNoItemsFound,
			Reason: fmt.Sprintf("found %d of %d requested items", len(items), len(req.ItemIDs)),
		}
	}

	res := o.newPool().Run(ctx, items, o.summaryTask(req.Depth), nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byID := make(map[string]types.SummaryResult, len(res.Results))
	for _, r := range res.Results {
		byID[r.ItemID] = r
	}
	var views []prompts.SummaryView
	var failures []types.FailureNote
	for _, item := range items {
		r := byID[item.ID]
		if r.Succeeded() {
			views = append(views, prompts.View(item, r.Payload))
			continue
		}
		failures = append(failures, types.FailureNote{ItemID: item.ID, Title: item.Title, Code: r.ErrorCode, Reason: r.ErrorReason})
	}
	if len(views) < 2 {
		return nil, &StageError{
			Stage:  session.Summarizing,
			Code:   CodeAllSummariesFailed,
			Reason: fmt.Sprintf("only %d of %d items were summarized", len(views), len(items)),
		}
	}

	prompt, err := o.prompts.Compare(views)
	if err != nil {
		return nil, stageError(session.CrossReferencing, CodeStageFailed, err)
	}
	reply, err := o.generate(sctx, "compare", prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stageError(session.CrossReferencing, CodeStageFailed, err)
	}

	cmp = prompts.ParseComparison(reply)
	cmp.Items = make([]types.ItemRef, len(items))
	for i, item := range items {
		cmp.Items[i] = item.Ref()
	}
	cmp.Failures = failures
	cmp.GeneratedAt = o.now()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().
		Int("items", len(items)).
		Int("summarized", len(views)).
		Bool("structured", cmp.Raw == "").
		Msg("Items compared")
	return cmp, nil
}
