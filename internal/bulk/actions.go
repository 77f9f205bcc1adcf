package bulk

import (
	"context"
	"strings"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/types"
)

// applied is dispatch's verdict for one (item, action) pair that did not
// error: either a mutation landed, or the action decided to skip.
type applied struct {
	mutated    bool
	skipReason string
	// analysis carries the reply of read-only analyze actions.
	analysis string
}

// dispatch routes one action to its applier. The applier is responsible
// for fetching the live pre-image, composing a rev-guarded patch, and
// filling rec.Payload / rec.InversePayload so the history store can undo
// the mutation. Returns whether a conflict retry succeeded.
func (e *Engine) dispatch(ctx context.Context, h *types.QueryHandle, target handle.ResolvedItem, action types.Action, rec *types.OperationRecord) (applied, bool, error) {
	switch a := action.(type) {
	case types.UpdateAction:
		return e.applyUpdate(ctx, target.ID, a, rec)
	case types.CommentAction:
		return e.applyComment(ctx, target.ID, a, rec)
	case types.AddTagAction:
		return e.applyAddTag(ctx, target.ID, a, rec)
	case types.RemoveTagAction:
		return e.applyRemoveTag(ctx, target.ID, a, rec)
	case types.AssignAction:
		return e.applyAssign(ctx, target.ID, a, rec)
	case types.MoveIterationAction:
		return e.applyMoveIteration(ctx, target.ID, a, rec)
	case types.RemoveAction:
		return e.applyRemove(ctx, target.ID, a, rec)
	case types.EnhanceDescriptionsAction:
		return e.applyEnhanceDescription(ctx, h, target, a, rec)
	case types.AssignStoryPointsAction:
		return e.applyAssignStoryPoints(ctx, h, target, a, rec)
	case types.AnalyzeAction:
		return e.applyAnalyze(ctx, h, target, a, rec)
	default:
		return applied{}, false, ado.NewError(ado.CategoryValidation, "unhandled action kind %q", action.Kind())
	}
}

// patchGuarded fetches the live item, prepends a /rev test op, and PATCHes.
// On a concurrency conflict it refetches once and retries; a second
// conflict propagates. Returns the pre-image the successful patch was
// composed against, so inverses reflect what was actually overwritten.
func (e *Engine) patchGuarded(ctx context.Context, id int, compose func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error)) (*types.WorkItemSnapshot, bool, error) {
	retried := false
	for attempt := 0; ; attempt++ {
		pre, err := ado.GetWorkItem(ctx, e.client, id)
		if err != nil {
			return nil, retried, err
		}
		ops, err := compose(pre)
		if err != nil {
			return nil, retried, err
		}
		if ops == nil {
			// Composer decided the patch is a no-op against the live item.
			return pre, retried, nil
		}
		doc := ado.GuardedPatch(pre.RevAtCapture, ops...)
		err = e.client.PatchJSON(ctx, ado.WorkItemPath(id), doc, nil, ado.ContentTypeJSONPatch)
		if err == nil {
			return pre, retried, nil
		}
		if ado.IsConflict(err) && attempt == 0 {
			e.log.Warnf("rev conflict on #%d, refetching and retrying once", id)
			retried = true
			continue
		}
		return nil, retried, err
	}
}

// inverseForOps derives the JSON-Patch that restores pre's field values
// after ops have been applied.
func inverseForOps(pre *types.WorkItemSnapshot, ops []types.PatchOp) []types.PatchOp {
	inverse := make([]types.PatchOp, 0, len(ops))
	for _, op := range ops {
		ref := strings.TrimPrefix(op.Path, "/fields/")
		old, existed := pre.Fields[ref]
		switch {
		case !existed && op.Op == "remove":
			// Nothing was there; nothing to restore.
		case !existed:
			inverse = append(inverse, ado.RemoveField(ref))
		default:
			inverse = append(inverse, ado.ReplaceField(ref, inverseValue(old)))
		}
	}
	return inverse
}

// inverseValue converts normalized snapshot values back into what ADO
// accepts in a patch. Identities patch as their unique name.
func inverseValue(v any) any {
	if ident, ok := v.(*types.Identity); ok {
		if ident.UniqueName != "" {
			return ident.UniqueName
		}
		return ident.DisplayName
	}
	return v
}

func (e *Engine) applyUpdate(ctx context.Context, id int, a types.UpdateAction, rec *types.OperationRecord) (applied, bool, error) {
	var inverse []types.PatchOp
	_, retried, err := e.patchGuarded(ctx, id, func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		inverse = inverseForOps(pre, a.Ops)
		return a.Ops, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	rec.Payload = a
	rec.InversePayload = &types.InversePayload{Patch: inverse}
	return applied{mutated: true}, retried, nil
}

func (e *Engine) applyComment(ctx context.Context, id int, a types.CommentAction, rec *types.OperationRecord) (applied, bool, error) {
	commentID, err := ado.AddComment(ctx, e.client, id, a.Text)
	if err != nil {
		return applied{}, false, err
	}
	rec.Payload = a
	rec.InversePayload = &types.InversePayload{DeleteCommentID: commentID}
	return applied{mutated: true}, false, nil
}

func (e *Engine) applyAddTag(ctx context.Context, id int, a types.AddTagAction, rec *types.OperationRecord) (applied, bool, error) {
	var inverse []types.PatchOp
	changed := false
	_, retried, err := e.patchGuarded(ctx, id, func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		existing := existingTags(pre)
		merged := types.MergeTags(existing, a.Tags)
		if len(merged) == len(existing) {
			return nil, nil
		}
		changed = true
		op := tagOp(pre, merged)
		inverse = inverseForOps(pre, []types.PatchOp{op})
		return []types.PatchOp{op}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	if !changed {
		return applied{skipReason: types.ReasonNoChange}, retried, nil
	}
	rec.Payload = a
	rec.InversePayload = &types.InversePayload{Patch: inverse}
	return applied{mutated: true}, retried, nil
}

func (e *Engine) applyRemoveTag(ctx context.Context, id int, a types.RemoveTagAction, rec *types.OperationRecord) (applied, bool, error) {
	var inverse []types.PatchOp
	changed := false
	_, retried, err := e.patchGuarded(ctx, id, func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		existing := existingTags(pre)
		stripped := types.StripTags(existing, a.Tags)
		if len(stripped) == len(existing) {
			return nil, nil
		}
		changed = true
		op := tagOp(pre, stripped)
		inverse = inverseForOps(pre, []types.PatchOp{op})
		return []types.PatchOp{op}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	if !changed {
		return applied{skipReason: types.ReasonNoChange}, retried, nil
	}
	rec.Payload = a
	rec.InversePayload = &types.InversePayload{Patch: inverse}
	return applied{mutated: true}, retried, nil
}

func existingTags(pre *types.WorkItemSnapshot) []string {
	raw, _ := pre.Fields["System.Tags"].(string)
	return types.SplitTags(raw)
}

// tagOp composes the System.Tags write: add when the field has never been
// set, replace otherwise.
func tagOp(pre *types.WorkItemSnapshot, tags []string) types.PatchOp {
	joined := types.JoinTags(tags)
	if _, existed := pre.Fields["System.Tags"]; !existed {
		return ado.AddField("System.Tags", joined)
	}
	return ado.ReplaceField("System.Tags", joined)
}

func (e *Engine) applyAssign(ctx context.Context, id int, a types.AssignAction, rec *types.OperationRecord) (applied, bool, error) {
	var op types.PatchOp
	if a.AssignTo == "" {
		op = ado.RemoveField("System.AssignedTo")
	} else {
		// Validate the identity before composing the patch so a typo fails
		// with NOT_FOUND instead of a confusing ADO 400.
		ident, err := ado.ResolveIdentity(ctx, e.client, a.AssignTo)
		if err != nil {
			return applied{}, false, err
		}
		op = ado.ReplaceField("System.AssignedTo", ident.UniqueName)
	}

	var inverse []types.PatchOp
	_, retried, err := e.patchGuarded(ctx, id, func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		if a.AssignTo == "" {
			if _, assigned := pre.Fields["System.AssignedTo"]; !assigned {
				return nil, nil
			}
		}
		inverse = inverseForOps(pre, []types.PatchOp{op})
		return []types.PatchOp{op}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	if inverse == nil && a.AssignTo == "" {
		return applied{skipReason: types.ReasonNoChange}, retried, nil
	}
	rec.Payload = a
	rec.InversePayload = &types.InversePayload{Patch: inverse}
	return applied{mutated: true}, retried, nil
}

func (e *Engine) applyMoveIteration(ctx context.Context, id int, a types.MoveIterationAction, rec *types.OperationRecord) (applied, bool, error) {
	op := ado.ReplaceField("System.IterationPath", a.TargetIterationPath)
	var inverse []types.PatchOp
	_, retried, err := e.patchGuarded(ctx, id, func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		if current, _ := pre.Fields["System.IterationPath"].(string); current == a.TargetIterationPath {
			return nil, nil
		}
		inverse = inverseForOps(pre, []types.PatchOp{op})
		return []types.PatchOp{op}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	if inverse == nil {
		return applied{skipReason: types.ReasonNoChange}, retried, nil
	}

	inv := &types.InversePayload{Patch: inverse}
	if a.Comment != "" {
		commentID, cerr := ado.AddComment(ctx, e.client, id, a.Comment)
		if cerr != nil {
			// The move landed; surface the annotation failure as a warning
			// through the log rather than failing the item.
			e.log.Warnf("move-iteration comment on #%d failed: %v", id, cerr)
		} else {
			inv.DeleteCommentID = commentID
		}
	}
	rec.Payload = a
	rec.InversePayload = inv
	return applied{mutated: true}, retried, nil
}

func (e *Engine) applyRemove(ctx context.Context, id int, a types.RemoveAction, rec *types.OperationRecord) (applied, bool, error) {
	if a.Destroy {
		if err := e.client.DeleteJSON(ctx, ado.WorkItemDestroyPath(id, true), nil); err != nil {
			return applied{}, false, err
		}
		rec.Payload = a
		rec.Irreversible = true
		return applied{mutated: true}, false, nil
	}

	priorState := ""
	_, retried, err := e.patchGuarded(ctx, id, func(pre *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		priorState, _ = pre.Fields["System.State"].(string)
		if priorState == "Removed" {
			return nil, nil
		}
		return []types.PatchOp{ado.ReplaceField("System.State", "Removed")}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	if priorState == "Removed" {
		return applied{skipReason: types.ReasonNoChange}, retried, nil
	}
	rec.Payload = a
	rec.InversePayload = &types.InversePayload{RestoreState: priorState}
	return applied{mutated: true}, retried, nil
}
