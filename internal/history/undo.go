package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

// UndoItemResult reports the outcome of undoing one record.
type UndoItemResult struct {
	SequenceNo int64            `json:"sequence_no"`
	Index      int              `json:"index"`
	ID         int              `json:"id"`
	Kind       types.ActionKind `json:"kind"`
	Outcome    types.Outcome    `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// UndoResult summarizes one undo pass.
type UndoResult struct {
	HandleID  string           `json:"handle_id"`
	Attempted int              `json:"attempted"`
	Undone    int              `json:"undone"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Items     []UndoItemResult `json:"items"`
}

// Undoer replays inverse payloads against ADO.
type Undoer struct {
	store  *Store
	client ado.Client
	clock  types.Clock
	log    *logrus.Entry
}

// NewUndoer wires an undoer to a history store and a client.
func NewUndoer(store *Store, client ado.Client, clock types.Clock, logger *logrus.Logger) *Undoer {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Undoer{store: store, client: client, clock: clock, log: logger.WithField("component", "undo")}
}

// Undo replays inverses in strict reverse sequence order. Records whose
// outcome was not applied, whose inverse is missing, or that are marked
// irreversible are skipped. A failing inverse does not stop the pass; the
// remainder is still attempted and per-item results report what happened.
// The undo itself is recorded as new OperationRecords whose inverse is the
// original payload, preserving auditability.
//
// The optional indexFilter restricts undo to records for the given item
// indices (nil undoes everything).
func (u *Undoer) Undo(ctx context.Context, handleID string, indexFilter []int) (*UndoResult, error) {
	records := u.store.Records(handleID)
	if len(records) == 0 {
		return nil, ado.NewError(ado.CategoryNotFound, "no recorded operations for handle %q", handleID)
	}

	var wantIndex map[int]bool
	if indexFilter != nil {
		wantIndex = make(map[int]bool, len(indexFilter))
		for _, i := range indexFilter {
			wantIndex[i] = true
		}
	}

	// Reverse sequence order; skip undo-of-undo bookkeeping records so a
	// second undo pass doesn't ping-pong.
	sort.Slice(records, func(i, j int) bool { return records[i].SequenceNo > records[j].SequenceNo })

	res := &UndoResult{HandleID: handleID}
	for _, rec := range records {
		if wantIndex != nil && !wantIndex[rec.Index] {
			continue
		}
		if rec.Reason == types.ReasonUndone {
			continue
		}
		res.Attempted++

		item := UndoItemResult{SequenceNo: rec.SequenceNo, Index: rec.Index, ID: rec.ID, Kind: rec.Kind}
		switch {
		case rec.Outcome != types.OutcomeApplied:
			item.Outcome = types.OutcomeSkipped
			item.Reason = fmt.Sprintf("record outcome was %s", rec.Outcome)
		case rec.Irreversible:
			item.Outcome = types.OutcomeSkipped
			item.Reason = "irreversible (destroy)"
		case rec.InversePayload == nil:
			item.Outcome = types.OutcomeSkipped
			item.Reason = types.ReasonNoInverse
		default:
			if err := u.applyInverse(ctx, rec); err != nil {
				item.Outcome = types.OutcomeFailed
				item.Error = err.Error()
			} else {
				item.Outcome = types.OutcomeApplied
			}
		}

		switch item.Outcome {
		case types.OutcomeApplied:
			res.Undone++
			u.recordUndo(rec)
		case types.OutcomeSkipped:
			res.Skipped++
		case types.OutcomeFailed:
			res.Failed++
		}
		res.Items = append(res.Items, item)
	}
	u.log.Infof("undo for %s: %d undone, %d skipped, %d failed", handleID, res.Undone, res.Skipped, res.Failed)
	return res, nil
}

// applyInverse replays every populated member of the inverse payload.
// Move-iteration with an annotation comment carries both a patch and a
// comment deletion.
func (u *Undoer) applyInverse(ctx context.Context, rec types.OperationRecord) error {
	inv := rec.InversePayload
	replayed := false
	if inv.DeleteCommentID != 0 {
		if err := ado.DeleteComment(ctx, u.client, rec.ID, inv.DeleteCommentID); err != nil {
			return err
		}
		replayed = true
	}
	if inv.RestoreState != "" {
		patch := []types.PatchOp{ado.ReplaceField("System.State", inv.RestoreState)}
		if err := u.client.PatchJSON(ctx, ado.WorkItemPath(rec.ID), patch, nil, ""); err != nil {
			return err
		}
		replayed = true
	}
	if len(inv.Patch) > 0 {
		if err := u.client.PatchJSON(ctx, ado.WorkItemPath(rec.ID), inv.Patch, nil, ""); err != nil {
			return err
		}
		replayed = true
	}
	if !replayed {
		return ado.NewError(ado.CategoryValidation, "record %d has an empty inverse payload", rec.SequenceNo)
	}
	return nil
}

// recordUndo appends the bookkeeping record for a successful inverse.
// Its inverse payload is the original mutation, so undo-then-redo stays
// expressible from the log alone.
func (u *Undoer) recordUndo(orig types.OperationRecord) {
	inverseOfUndo := originalAsInverse(orig)
	u.store.Append(types.OperationRecord{
		HandleID:       orig.HandleID,
		Index:          orig.Index,
		ID:             orig.ID,
		Kind:           orig.Kind,
		AppliedAt:      u.clock.Now(),
		Payload:        orig.InversePayload,
		InversePayload: inverseOfUndo,
		Outcome:        types.OutcomeApplied,
		Reason:         types.ReasonUndone,
	})
}

// originalAsInverse re-expresses the original mutation as an inverse
// payload where that is possible.
func originalAsInverse(orig types.OperationRecord) *types.InversePayload {
	switch p := orig.Payload.(type) {
	case []types.PatchOp:
		return &types.InversePayload{Patch: p}
	case *types.InversePayload:
		return p
	default:
		return nil
	}
}
