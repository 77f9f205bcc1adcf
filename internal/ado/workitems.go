package ado

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/steveyegge/handlebar/internal/types"
)

// Typed wrappers over the work-item endpoints the executor and bulk engine
// share. These stay thin: compose the path, call the client, normalize the
// response shape.

// rawWorkItem is ADO's wire shape for a single work item.
type rawWorkItem struct {
	ID        int              `json:"id"`
	Rev       int              `json:"rev"`
	Fields    map[string]any   `json:"fields"`
	Relations []types.Relation `json:"relations,omitempty"`
}

type workItemBatchResponse struct {
	Count int           `json:"count"`
	Value []rawWorkItem `json:"value"`
}

// GetWorkItem fetches one work item with all fields expanded.
func GetWorkItem(ctx context.Context, c Client, id int) (*types.WorkItemSnapshot, error) {
	var raw rawWorkItem
	path := fmt.Sprintf("wit/workitems/%d?$expand=all&api-version=%s", id, DefaultAPIVersion)
	if err := c.GetJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return snapshotFromRaw(raw), nil
}

// GetWorkItemBatch fetches up to 200 items with the given field bundle.
// $expand and fields are mutually exclusive on this endpoint, so relations
// require the single-item path.
func GetWorkItemBatch(ctx context.Context, c Client, ids []int, fields []string) ([]*types.WorkItemSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 200 {
		return nil, NewError(CategoryValidation, "work-item batch limited to 200 ids, got %d", len(ids))
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = strconv.Itoa(id)
	}
	path := fmt.Sprintf("wit/workitems?ids=%s&fields=%s&api-version=%s",
		strings.Join(idStrs, ","), url.QueryEscape(strings.Join(fields, ",")), DefaultAPIVersion)
	var resp workItemBatchResponse
	if err := c.GetJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	snaps := make([]*types.WorkItemSnapshot, 0, len(resp.Value))
	for _, raw := range resp.Value {
		snaps = append(snaps, snapshotFromRaw(raw))
	}
	return snaps, nil
}

func snapshotFromRaw(raw rawWorkItem) *types.WorkItemSnapshot {
	fields := make(map[string]any, len(raw.Fields))
	for k, v := range raw.Fields {
		fields[k] = normalizeFieldValue(v)
	}
	return &types.WorkItemSnapshot{
		ID:           raw.ID,
		RevAtCapture: raw.Rev,
		Fields:       fields,
		Relations:    raw.Relations,
	}
}

// normalizeFieldValue converts identity-shaped maps into *types.Identity
// so callers never dig through raw JSON maps.
func normalizeFieldValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	display, ok := m["displayName"].(string)
	if !ok {
		return v
	}
	ident := &types.Identity{DisplayName: display}
	if s, ok := m["uniqueName"].(string); ok {
		ident.UniqueName = s
	}
	if s, ok := m["id"].(string); ok {
		ident.ID = s
	}
	return ident
}

// commentsResponse is the wire shape of the comments endpoint.
type commentsResponse struct {
	Count    int             `json:"count"`
	Comments []types.Comment `json:"comments"`
}

// ListComments pages through a work item's comments.
func ListComments(ctx context.Context, c Client, id int) ([]types.Comment, error) {
	var resp commentsResponse
	if err := c.GetJSON(ctx, CommentsPath(id), &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

// AddComment posts a comment and returns its id for inverse bookkeeping.
func AddComment(ctx context.Context, c Client, id int, text string) (int, error) {
	var created types.Comment
	body := map[string]string{"text": text}
	if err := c.PostJSON(ctx, CommentsPath(id), body, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// DeleteComment removes a comment (the inverse of AddComment).
func DeleteComment(ctx context.Context, c Client, workItemID, commentID int) error {
	return c.DeleteJSON(ctx, CommentPath(workItemID, commentID), nil)
}
