package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

// fakeClient records mutations and can fail specific paths.
type fakeClient struct {
	patches []patchCall
	deletes []string
	failOn  func(path string) error
}

type patchCall struct {
	path string
	body any
}

func (f *fakeClient) GetJSON(ctx context.Context, relPath string, out any) error {
	return fmt.Errorf("unexpected GET %s", relPath)
}

func (f *fakeClient) PostJSON(ctx context.Context, relPath string, body, out any) error {
	return fmt.Errorf("unexpected POST %s", relPath)
}

func (f *fakeClient) PatchJSON(ctx context.Context, relPath string, body, out any, contentType string) error {
	if f.failOn != nil {
		if err := f.failOn(relPath); err != nil {
			return err
		}
	}
	f.patches = append(f.patches, patchCall{path: relPath, body: body})
	return nil
}

func (f *fakeClient) DeleteJSON(ctx context.Context, relPath string, out any) error {
	if f.failOn != nil {
		if err := f.failOn(relPath); err != nil {
			return err
		}
	}
	f.deletes = append(f.deletes, relPath)
	return nil
}

func (f *fakeClient) Organization() string { return "org" }
func (f *fakeClient) Project() string      { return "proj" }

type stoppedClock struct{ t time.Time }

func (c stoppedClock) Now() time.Time { return c.t }

func appliedRecord(handleID string, index, id int, kind types.ActionKind, inv *types.InversePayload) types.OperationRecord {
	return types.OperationRecord{
		HandleID:       handleID,
		Index:          index,
		ID:             id,
		Kind:           kind,
		Outcome:        types.OutcomeApplied,
		InversePayload: inv,
	}
}

func TestUndoReplaysInReverseOrder(t *testing.T) {
	store := NewStore()
	client := &fakeClient{}
	u := NewUndoer(store, client, stoppedClock{time.Now()}, nil)

	store.Append(appliedRecord("qh_a", 0, 101, types.ActionUpdate, &types.InversePayload{
		Patch: []types.PatchOp{ado.ReplaceField("System.Title", "old")},
	}))
	store.Append(appliedRecord("qh_a", 0, 101, types.ActionComment, &types.InversePayload{
		DeleteCommentID: 55,
	}))

	res, err := u.Undo(context.Background(), "qh_a", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Undone)
	assert.Zero(t, res.Failed)

	// Comment (seq 2) is undone before the field patch (seq 1).
	require.Len(t, client.deletes, 1)
	assert.Contains(t, client.deletes[0], "comments/55")
	require.Len(t, client.patches, 1)
	assert.Contains(t, client.patches[0].path, "workitems/101")
	assert.EqualValues(t, 2, res.Items[0].SequenceNo)
	assert.EqualValues(t, 1, res.Items[1].SequenceNo)
}

func TestUndoSkipsNonAppliedIrreversibleAndNoInverse(t *testing.T) {
	store := NewStore()
	client := &fakeClient{}
	u := NewUndoer(store, client, stoppedClock{time.Now()}, nil)

	store.Append(types.OperationRecord{
		HandleID: "qh_a", ID: 1, Kind: types.ActionComment,
		Outcome: types.OutcomeSkipped, Reason: types.ReasonDryRun,
	})
	store.Append(types.OperationRecord{
		HandleID: "qh_a", ID: 2, Kind: types.ActionRemove,
		Outcome: types.OutcomeApplied, Irreversible: true,
	})
	store.Append(types.OperationRecord{
		HandleID: "qh_a", ID: 3, Kind: types.ActionAnalyze,
		Outcome: types.OutcomeApplied,
	})

	res, err := u.Undo(context.Background(), "qh_a", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Undone)
	assert.Equal(t, 3, res.Skipped)
	assert.Empty(t, client.patches)
	assert.Empty(t, client.deletes)
}

func TestUndoRestoresStateForSoftRemove(t *testing.T) {
	store := NewStore()
	client := &fakeClient{}
	u := NewUndoer(store, client, stoppedClock{time.Now()}, nil)

	store.Append(appliedRecord("qh_a", 0, 101, types.ActionRemove, &types.InversePayload{
		RestoreState: "Active",
	}))

	res, err := u.Undo(context.Background(), "qh_a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Undone)
	require.Len(t, client.patches, 1)
	ops, ok := client.patches[0].body.([]types.PatchOp)
	require.True(t, ok)
	require.Len(t, ops, 1)
	assert.Equal(t, "/fields/System.State", ops[0].Path)
	assert.Equal(t, "Active", ops[0].Value)
}

func TestUndoFailureDoesNotStopThePass(t *testing.T) {
	store := NewStore()
	client := &fakeClient{failOn: func(path string) error {
		if path == ado.WorkItemPath(202) {
			return ado.NewError(ado.CategoryUpstream, "boom")
		}
		return nil
	}}
	u := NewUndoer(store, client, stoppedClock{time.Now()}, nil)

	store.Append(appliedRecord("qh_a", 0, 101, types.ActionUpdate, &types.InversePayload{
		Patch: []types.PatchOp{ado.ReplaceField("System.Title", "old")},
	}))
	store.Append(appliedRecord("qh_a", 1, 202, types.ActionUpdate, &types.InversePayload{
		Patch: []types.PatchOp{ado.ReplaceField("System.Title", "older")},
	}))

	res, err := u.Undo(context.Background(), "qh_a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Undone)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, client.patches, 1)
	assert.Contains(t, client.patches[0].path, "workitems/101")
}

func TestUndoIndexFilter(t *testing.T) {
	store := NewStore()
	client := &fakeClient{}
	u := NewUndoer(store, client, stoppedClock{time.Now()}, nil)

	store.Append(appliedRecord("qh_a", 0, 101, types.ActionUpdate, &types.InversePayload{
		Patch: []types.PatchOp{ado.ReplaceField("System.Title", "a")},
	}))
	store.Append(appliedRecord("qh_a", 1, 202, types.ActionUpdate, &types.InversePayload{
		Patch: []types.PatchOp{ado.ReplaceField("System.Title", "b")},
	}))

	res, err := u.Undo(context.Background(), "qh_a", []int{1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Undone)
	require.Len(t, client.patches, 1)
	assert.Contains(t, client.patches[0].path, "workitems/202")
}

func TestSecondUndoPassIsIdempotent(t *testing.T) {
	store := NewStore()
	client := &fakeClient{}
	u := NewUndoer(store, client, stoppedClock{time.Now()}, nil)

	store.Append(appliedRecord("qh_a", 0, 101, types.ActionUpdate, &types.InversePayload{
		Patch: []types.PatchOp{ado.ReplaceField("System.Title", "old")},
	}))

	first, err := u.Undo(context.Background(), "qh_a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Undone)

	// The pass appended an undo bookkeeping record; running again must not
	// ping-pong by undoing the undo, and the original is already undone
	// once more via its unchanged record.
	second, err := u.Undo(context.Background(), "qh_a", nil)
	require.NoError(t, err)
	for _, item := range second.Items {
		assert.NotEqual(t, types.OutcomeFailed, item.Outcome)
	}
	// The undo-of-undo record itself was skipped from attempts.
	assert.Equal(t, first.Attempted, second.Attempted)
}

func TestUndoUnknownHandle(t *testing.T) {
	u := NewUndoer(NewStore(), &fakeClient{}, stoppedClock{time.Now()}, nil)
	_, err := u.Undo(context.Background(), "qh_missing", nil)
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryNotFound))
}
