package bulk

import (
	"fmt"

	"github.com/steveyegge/handlebar/internal/types"
)

// StopPolicy controls how far a failure propagates.
type StopPolicy string

const (
	// StopOff keeps applying remaining actions even to an item that
	// already failed one.
	StopOff StopPolicy = "off"
	// StopItem aborts the remaining actions for the failing item only.
	// This is the default.
	StopItem StopPolicy = "item"
	// StopAll aborts the whole run on the first failure.
	StopAll StopPolicy = "all"
)

// ParseStopPolicy maps the wire value ("", "off", "item", "all", plus the
// booleans older clients send) onto a policy.
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch s {
	case "", "item", "true":
		return StopItem, nil
	case "off", "false":
		return StopOff, nil
	case "all":
		return StopAll, nil
	default:
		return "", fmt.Errorf("unknown stop_on_error value %q (want off, item, or all)", s)
	}
}

// Options tunes one Execute call.
type Options struct {
	DryRun             bool
	StopOnError        StopPolicy
	MaxPreviewItems    int
	PerItemConcurrency int
}

// ActionOutcome is the result of one action applied to one item.
type ActionOutcome struct {
	ActionIndex int              `json:"action_index"`
	Kind        types.ActionKind `json:"kind"`
	Outcome     types.Outcome    `json:"outcome"`
	Reason      string           `json:"reason,omitempty"`
	Error       string           `json:"error,omitempty"`
	// Analysis carries the reply of read-only analyze actions.
	Analysis string `json:"analysis,omitempty"`
}

// ItemResult aggregates one item's outcomes across the action list.
type ItemResult struct {
	Index    int             `json:"index"`
	ID       int             `json:"id"`
	Title    string          `json:"title,omitempty"`
	Outcomes []ActionOutcome `json:"outcomes"`
}

// Failed reports whether any action failed for this item.
func (r *ItemResult) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Outcome == types.OutcomeFailed {
			return true
		}
	}
	return false
}

// applied reports whether at least one action applied for this item.
func (r *ItemResult) applied() bool {
	for _, o := range r.Outcomes {
		if o.Outcome == types.OutcomeApplied {
			return true
		}
	}
	return false
}

// PreviewItem is one entry of a dry-run preview.
type PreviewItem struct {
	Index int              `json:"index"`
	ID    int              `json:"id"`
	Title string           `json:"title"`
	Kind  types.ActionKind `json:"kind"`
	// Summary is a human-readable description of what would happen.
	Summary string `json:"summary"`
}

// Result is the bulk-operation envelope payload.
type Result struct {
	HandleID         string        `json:"handle_id"`
	DryRun           bool          `json:"dry_run"`
	ItemsSelected    int           `json:"items_selected"`
	ActionsRequested int           `json:"actions_requested"`
	ActionsCompleted int           `json:"actions_completed"`
	Success          bool          `json:"success"`
	Items            []ItemResult  `json:"items"`
	Preview          []PreviewItem `json:"preview,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// finalize computes the envelope's success per the partial-failure rule:
// with StopOff the run succeeds as long as one item completed one action;
// otherwise any per-item failure fails the envelope.
func (r *Result) finalize(policy StopPolicy) {
	if r.DryRun {
		r.Success = true
		return
	}
	anyApplied := false
	anyFailed := false
	for i := range r.Items {
		if r.Items[i].applied() {
			anyApplied = true
		}
		if r.Items[i].Failed() {
			anyFailed = true
		}
	}
	if policy == StopOff {
		r.Success = anyApplied || !anyFailed
		return
	}
	r.Success = !anyFailed
}
