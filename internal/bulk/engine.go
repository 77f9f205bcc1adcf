// Package bulk orchestrates typed action sequences over the items a
// selector names inside a query handle. Actions run in declared order;
// items within an action run with bounded concurrency. Every mutation
// captures its pre-image first so the history store can undo it, and every
// attempt (including dry-run) leaves an OperationRecord.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/ai"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/history"
	"github.com/steveyegge/handlebar/internal/types"
)

const (
	// DefaultPerItemConcurrency bounds parallel items within one action.
	DefaultPerItemConcurrency = 8
	// DefaultMaxPreviewItems bounds dry-run previews.
	DefaultMaxPreviewItems = 10
	// DefaultMinConfidence gates AI-assisted mutations.
	DefaultMinConfidence = 0.7
)

// Engine executes bulk operations. Construct once and share; all methods
// are safe for concurrent use.
type Engine struct {
	client   ado.Client
	handles  *handle.Service
	history  *history.Store
	sampling ai.SamplingChannel // may be nil: AI actions fail AI_UNAVAILABLE
	clock    types.Clock
	log      *logrus.Entry

	minConfidence float64
}

// NewEngine wires an engine. sampling may be nil.
func NewEngine(client ado.Client, handles *handle.Service, hist *history.Store, sampling ai.SamplingChannel, clock types.Clock, logger *logrus.Logger, minConfidence float64) *Engine {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = DefaultMinConfidence
	}
	return &Engine{
		client:        client,
		handles:       handles,
		history:       hist,
		sampling:      sampling,
		clock:         clock,
		log:           logger.WithField("component", "bulk"),
		minConfidence: minConfidence,
	}
}

// Execute applies the action list to the items the selector names.
// Actions are serialized: action N starts only after action N-1 finished
// for every item. Errors in individual items never escape the Result;
// only selector/handle/validation failures return an error.
func (e *Engine) Execute(ctx context.Context, handleID string, selector types.Selector, actions []types.Action, opts Options) (*Result, error) {
	if len(actions) == 0 {
		return nil, ado.NewError(ado.CategoryValidation, "actions must be non-empty")
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, ado.NewError(ado.CategoryValidation, "action %d: %v", i, err)
		}
	}
	if opts.StopOnError == "" {
		opts.StopOnError = StopItem
	}
	if opts.PerItemConcurrency <= 0 {
		opts.PerItemConcurrency = DefaultPerItemConcurrency
	}
	if opts.MaxPreviewItems <= 0 {
		opts.MaxPreviewItems = DefaultMaxPreviewItems
	}

	h, err := e.handles.Get(handleID)
	if err != nil {
		return nil, err
	}
	resolved, err := e.handles.Resolve(handleID, selector)
	if err != nil {
		return nil, err
	}

	res := &Result{
		HandleID:         handleID,
		DryRun:           opts.DryRun,
		ItemsSelected:    len(resolved),
		ActionsRequested: len(actions),
		Items:            make([]ItemResult, len(resolved)),
	}
	for i, r := range resolved {
		res.Items[i] = ItemResult{Index: r.Index, ID: r.ID}
		if item := h.Item(r.Index); item != nil {
			res.Items[i].Title = item.Title
		}
	}

	if opts.DryRun {
		for _, a := range actions {
			if types.IsAIAssisted(a) && e.sampling == nil {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s requires an LLM sampling channel; a live run would fail those items", a.Kind()))
				break
			}
		}
		e.dryRun(h, resolved, actions, opts, res)
		res.ActionsCompleted = len(actions)
		res.finalize(opts.StopOnError)
		return res, nil
	}

	metricsOnce.Do(initMetrics)

	// abortedItems marks items that stop receiving actions (StopItem).
	abortedItems := make([]bool, len(resolved))
	abortAll := false
	var conflictRetries int

	for step, action := range actions {
		if ctx.Err() != nil {
			e.markRemainder(res, step, actions, types.ReasonCancelled)
			break
		}
		if abortAll {
			e.markRemainder(res, step, actions, types.ReasonStopOnError)
			break
		}
		retries := e.runAction(ctx, h, resolved, step, action, opts, res, abortedItems, &abortAll)
		conflictRetries += retries
		res.ActionsCompleted++
	}

	if conflictRetries > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%d optimistic-concurrency conflict(s) were resolved by refetch-and-retry", conflictRetries))
	}
	res.finalize(opts.StopOnError)
	e.log.Infof("bulk %s: %d items x %d actions, success=%t", handleID, len(resolved), len(actions), res.Success)
	return res, nil
}

// runAction applies one action to every live item with bounded
// concurrency. Returns the number of conflict retries that succeeded.
func (e *Engine) runAction(ctx context.Context, h *types.QueryHandle, resolved []handle.ResolvedItem, actionIdx int, action types.Action, opts Options, res *Result, aborted []bool, abortAll *bool) int {
	sem := semaphore.NewWeighted(int64(opts.PerItemConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	conflictRetries := 0

	for i := range resolved {
		mu.Lock()
		skip := aborted[i] || *abortAll
		mu.Unlock()

		outcome := ActionOutcome{ActionIndex: actionIdx, Kind: action.Kind()}

		if skip {
			outcome.Outcome = types.OutcomeSkipped
			outcome.Reason = types.ReasonStopOnError
			mu.Lock()
			res.Items[i].Outcomes = append(res.Items[i].Outcomes, outcome)
			mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			outcome.Outcome = types.OutcomeSkipped
			outcome.Reason = types.ReasonCancelled
			mu.Lock()
			res.Items[i].Outcomes = append(res.Items[i].Outcomes, outcome)
			mu.Unlock()
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			outcome.Outcome = types.OutcomeSkipped
			outcome.Reason = types.ReasonCancelled
			mu.Lock()
			res.Items[i].Outcomes = append(res.Items[i].Outcomes, outcome)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(slot int, target handle.ResolvedItem) {
			defer wg.Done()
			defer sem.Release(1)

			out, retried := e.applyToItem(ctx, h, target, action, actionIdx)
			recordItemMetrics(ctx, action.Kind(), out.Outcome, retried)

			mu.Lock()
			defer mu.Unlock()
			if retried {
				conflictRetries++
			}
			res.Items[slot].Outcomes = append(res.Items[slot].Outcomes, out)
			if out.Outcome == types.OutcomeFailed {
				switch opts.StopOnError {
				case StopItem:
					aborted[slot] = true
				case StopAll:
					*abortAll = true
				}
			}
		}(i, resolved[i])
	}
	wg.Wait()
	return conflictRetries
}

// applyToItem runs the full per-item pipeline for one action:
// pre-image fetch, patch composition, dispatch with one conflict retry,
// history record. Returns the outcome and whether a conflict retry
// succeeded.
func (e *Engine) applyToItem(ctx context.Context, h *types.QueryHandle, target handle.ResolvedItem, action types.Action, actionIdx int) (ActionOutcome, bool) {
	out := ActionOutcome{ActionIndex: actionIdx, Kind: action.Kind()}

	rec := types.OperationRecord{
		HandleID:  h.ID,
		Index:     target.Index,
		ID:        target.ID,
		Kind:      action.Kind(),
		AppliedAt: e.clock.Now(),
	}

	applied, retried, err := e.dispatch(ctx, h, target, action, &rec)
	switch {
	case err != nil:
		out.Outcome = types.OutcomeFailed
		out.Error = err.Error()
		out.Reason = failureReason(err)
		rec.Outcome = types.OutcomeFailed
		rec.Reason = out.Reason
		rec.Error = err.Error()
	case !applied.mutated:
		out.Outcome = types.OutcomeSkipped
		out.Reason = applied.skipReason
		rec.Outcome = types.OutcomeSkipped
		rec.Reason = applied.skipReason
	default:
		out.Outcome = types.OutcomeApplied
		out.Analysis = applied.analysis
		rec.Outcome = types.OutcomeApplied
	}

	e.history.Append(rec)
	return out, retried
}

func failureReason(err error) string {
	switch {
	case ado.IsConflict(err):
		return types.ReasonConflict
	case ado.IsCategory(err, ado.CategoryAIUnavailable):
		return "ai-unavailable"
	}
	var pe *parseError
	if errors.As(err, &pe) {
		return types.ReasonAIParse
	}
	return ""
}

// markRemainder records skipped/cancelled outcomes for every action that
// never started after a StopAll abort or cancellation.
func (e *Engine) markRemainder(res *Result, fromAction int, actions []types.Action, reason string) {
	for step := fromAction; step < len(actions); step++ {
		for i := range res.Items {
			res.Items[i].Outcomes = append(res.Items[i].Outcomes, ActionOutcome{
				ActionIndex: step,
				Kind:        actions[step].Kind(),
				Outcome:     types.OutcomeSkipped,
				Reason:      reason,
			})
		}
	}
}

// dryRun records skipped/dry-run outcomes and builds the preview without
// touching ADO. Invariant: zero mutating client calls happen on this path.
func (e *Engine) dryRun(h *types.QueryHandle, resolved []handle.ResolvedItem, actions []types.Action, opts Options, res *Result) {
	for step, action := range actions {
		for i, target := range resolved {
			res.Items[i].Outcomes = append(res.Items[i].Outcomes, ActionOutcome{
				ActionIndex: step,
				Kind:        action.Kind(),
				Outcome:     types.OutcomeSkipped,
				Reason:      types.ReasonDryRun,
			})
			e.history.Append(types.OperationRecord{
				HandleID:  h.ID,
				Index:     target.Index,
				ID:        target.ID,
				Kind:      action.Kind(),
				AppliedAt: e.clock.Now(),
				Outcome:   types.OutcomeSkipped,
				Reason:    types.ReasonDryRun,
			})
			if len(res.Preview) < opts.MaxPreviewItems {
				title := ""
				if item := h.Item(target.Index); item != nil {
					title = item.Title
				}
				res.Preview = append(res.Preview, PreviewItem{
					Index:   target.Index,
					ID:      target.ID,
					Title:   title,
					Kind:    action.Kind(),
					Summary: previewSummary(action, target),
				})
			}
		}
	}
}

func previewSummary(action types.Action, target handle.ResolvedItem) string {
	switch a := action.(type) {
	case types.UpdateAction:
		return fmt.Sprintf("would apply %d field patch op(s) to #%d", len(a.Ops), target.ID)
	case types.CommentAction:
		return fmt.Sprintf("would comment on #%d", target.ID)
	case types.AddTagAction:
		return fmt.Sprintf("would add tags %v to #%d", a.Tags, target.ID)
	case types.RemoveTagAction:
		return fmt.Sprintf("would remove tags %v from #%d", a.Tags, target.ID)
	case types.AssignAction:
		if a.AssignTo == "" {
			return fmt.Sprintf("would unassign #%d", target.ID)
		}
		return fmt.Sprintf("would assign #%d to %s", target.ID, a.AssignTo)
	case types.MoveIterationAction:
		return fmt.Sprintf("would move #%d to iteration %s", target.ID, a.TargetIterationPath)
	case types.RemoveAction:
		if a.Destroy {
			return fmt.Sprintf("would permanently destroy #%d (irreversible)", target.ID)
		}
		return fmt.Sprintf("would remove #%d: %s", target.ID, a.Reason)
	case types.EnhanceDescriptionsAction:
		return fmt.Sprintf("would rewrite the description of #%d via AI", target.ID)
	case types.AssignStoryPointsAction:
		return fmt.Sprintf("would estimate story points for #%d via AI", target.ID)
	case types.AnalyzeAction:
		return fmt.Sprintf("would analyze #%d (%v)", target.ID, a.AnalysisTypes)
	default:
		return fmt.Sprintf("would apply %s to #%d", action.Kind(), target.ID)
	}
}
