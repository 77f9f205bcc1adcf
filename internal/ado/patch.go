package ado

import (
	"fmt"

	"github.com/steveyegge/handlebar/internal/types"
)

// Patch document helpers. ADO consumes RFC 6902 JSON-Patch with
// Content-Type application/json-patch+json; optimistic concurrency is a
// test op on /rev prepended to the document.

// TestRev returns the optimistic-concurrency guard op.
func TestRev(rev int) types.PatchOp {
	return types.PatchOp{Op: "test", Path: "/rev", Value: rev}
}

// ReplaceField returns a replace op for a field reference name.
func ReplaceField(refName string, value any) types.PatchOp {
	return types.PatchOp{Op: "replace", Path: "/fields/" + refName, Value: value}
}

// AddField returns an add op for a field reference name. ADO treats add
// and replace identically for scalar fields, but add is required when the
// field has never been set.
func AddField(refName string, value any) types.PatchOp {
	return types.PatchOp{Op: "add", Path: "/fields/" + refName, Value: value}
}

// RemoveField returns a remove op for a field reference name.
func RemoveField(refName string) types.PatchOp {
	return types.PatchOp{Op: "remove", Path: "/fields/" + refName}
}

// GuardedPatch prepends a /rev test op to the given field ops.
func GuardedPatch(rev int, ops ...types.PatchOp) []types.PatchOp {
	doc := make([]types.PatchOp, 0, len(ops)+1)
	doc = append(doc, TestRev(rev))
	doc = append(doc, ops...)
	return doc
}

// WorkItemPath returns the relative path for a single work item.
func WorkItemPath(id int) string {
	return fmt.Sprintf("wit/workitems/%d", id)
}

// WorkItemDestroyPath returns the DELETE path with the destroy flag.
func WorkItemDestroyPath(id int, destroy bool) string {
	return fmt.Sprintf("wit/workitems/%d?destroy=%t&api-version=%s", id, destroy, DefaultAPIVersion)
}

// CommentsPath returns the comments collection path for a work item.
// Comments are still a preview API surface in 7.1.
func CommentsPath(id int) string {
	return fmt.Sprintf("wit/workitems/%d/comments?api-version=7.1-preview.3", id)
}

// CommentPath returns the path of one comment on a work item.
func CommentPath(workItemID, commentID int) string {
	return fmt.Sprintf("wit/workitems/%d/comments/%d?api-version=7.1-preview.3", workItemID, commentID)
}

// RevisionsPath returns the revision-history path, newest-first paging is
// handled by the caller via $top/$skip.
func RevisionsPath(id, top, skip int) string {
	return fmt.Sprintf("wit/workitems/%d/revisions?$top=%d&$skip=%d&$expand=fields", id, top, skip)
}
