package queryexec

import (
	"strings"
	"time"

	"github.com/steveyegge/handlebar/internal/types"
)

// Field reference names used across the executor.
const (
	FieldID                 = "System.Id"
	FieldTitle              = "System.Title"
	FieldState              = "System.State"
	FieldWorkItemType       = "System.WorkItemType"
	FieldAssignedTo         = "System.AssignedTo"
	FieldTags               = "System.Tags"
	FieldAreaPath           = "System.AreaPath"
	FieldIterationPath      = "System.IterationPath"
	FieldPriority           = "Microsoft.VSTS.Common.Priority"
	FieldStoryPoints        = "Microsoft.VSTS.Scheduling.StoryPoints"
	FieldCreatedDate        = "System.CreatedDate"
	FieldChangedDate        = "System.ChangedDate"
	FieldDescription        = "System.Description"
	FieldAcceptanceCriteria = "Microsoft.VSTS.Common.AcceptanceCriteria"
)

// alwaysOnFields is the minimal bundle every query fetches regardless of
// what the caller asked for; ItemContext is built from it.
var alwaysOnFields = []string{
	FieldID, FieldTitle, FieldState, FieldWorkItemType, FieldAssignedTo,
	FieldTags, FieldAreaPath, FieldIterationPath, FieldPriority,
	FieldStoryPoints, FieldCreatedDate, FieldChangedDate,
	FieldDescription, FieldAcceptanceCriteria,
}

// fieldBundle merges the caller's includeFields with the always-on set,
// deduplicated and order-preserving.
func fieldBundle(includeFields []string) []string {
	seen := make(map[string]bool, len(alwaysOnFields)+len(includeFields))
	out := make([]string, 0, len(alwaysOnFields)+len(includeFields))
	for _, f := range alwaysOnFields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range includeFields {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// contextFromSnapshot derives the per-item view from a snapshot's field
// bag. index is assigned by the caller after filtering.
func contextFromSnapshot(snap *types.WorkItemSnapshot) types.ItemContext {
	f := snap.Fields
	ic := types.ItemContext{
		ID:    snap.ID,
		Title: stringField(f, FieldTitle),
		State: stringField(f, FieldState),
		Type:  stringField(f, FieldWorkItemType),
	}
	if ident, ok := f[FieldAssignedTo].(*types.Identity); ok {
		ic.AssignedTo = ident
	}
	if tags := stringField(f, FieldTags); tags != "" {
		ic.Tags = types.SplitTags(tags)
	}
	if p, ok := numberField(f, FieldPriority); ok {
		pi := int(p)
		ic.Priority = &pi
	}
	if sp, ok := numberField(f, FieldStoryPoints); ok {
		ic.StoryPoints = &sp
	}
	ic.CreatedDate = timeField(f, FieldCreatedDate)
	ic.ChangedDate = timeField(f, FieldChangedDate)
	ic.HasDescription = strings.TrimSpace(stringField(f, FieldDescription)) != ""
	ic.HasAcceptanceCriteria = strings.TrimSpace(stringField(f, FieldAcceptanceCriteria)) != ""
	return ic
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

func numberField(fields map[string]any, name string) (float64, bool) {
	switch v := fields[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func timeField(fields map[string]any, name string) time.Time {
	s, ok := fields[name].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
