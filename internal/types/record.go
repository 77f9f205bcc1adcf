package types

import "time"

// Outcome is the terminal state of one action applied to one item.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip/failure reasons recorded alongside an Outcome.
const (
	ReasonDryRun        = "dry-run"
	ReasonLowConfidence = "low-confidence"
	ReasonCancelled     = "cancelled"
	ReasonConflict      = "conflict"
	ReasonAIParse       = "ai-parse"
	ReasonStopOnError   = "stop-on-error"
	ReasonNoChange      = "no-change"
	ReasonNoInverse     = "no-inverse"
	ReasonUndone        = "undo"
)

// OperationRecord is one append-only entry in a handle's mutation log.
// InversePayload, when present, is sufficient to restore the pre-image;
// Irreversible marks mutations (destroy) that cannot be undone.
type OperationRecord struct {
	HandleID       string          `json:"handle_id"`
	Index          int             `json:"index"`
	ID             int             `json:"id"`
	SequenceNo     int64           `json:"sequence_no"`
	Kind           ActionKind      `json:"kind"`
	AppliedAt      time.Time       `json:"applied_at"`
	Payload        any             `json:"payload,omitempty"`
	InversePayload *InversePayload `json:"inverse_payload,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	Irreversible   bool            `json:"irreversible,omitempty"`
}

// InversePayload describes how to undo a mutation. The populated members
// match what the original action touched; move-iteration with an
// annotation comment sets both Patch and DeleteCommentID.
type InversePayload struct {
	// Patch restores field values via a JSON-Patch document.
	Patch []PatchOp `json:"patch,omitempty"`
	// DeleteCommentID removes a comment posted by the original action.
	DeleteCommentID int `json:"delete_comment_id,omitempty"`
	// RestoreState re-applies the pre-removal System.State.
	RestoreState string `json:"restore_state,omitempty"`
}
