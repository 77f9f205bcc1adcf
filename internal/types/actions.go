package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind names a bulk-operation action variant.
type ActionKind string

const (
	ActionUpdate              ActionKind = "update"
	ActionComment             ActionKind = "comment"
	ActionAddTag              ActionKind = "add-tag"
	ActionRemoveTag           ActionKind = "remove-tag"
	ActionAssign              ActionKind = "assign"
	ActionMoveIteration       ActionKind = "move-iteration"
	ActionRemove              ActionKind = "remove"
	ActionEnhanceDescriptions ActionKind = "enhance-descriptions"
	ActionAssignStoryPoints   ActionKind = "assign-story-points"
	ActionAnalyze             ActionKind = "analyze"
)

// Action is a closed sum of typed bulk-operation variants.
type Action interface {
	Kind() ActionKind
	// Validate checks payload shape before any item is touched.
	Validate() error
}

// PatchOp is a single JSON-Patch operation (RFC 6902) as ADO consumes it.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// UpdateAction applies an ordered sequence of JSON-Patch ops on /fields/*.
type UpdateAction struct {
	Ops []PatchOp `json:"ops"`
}

func (UpdateAction) Kind() ActionKind { return ActionUpdate }

func (a UpdateAction) Validate() error {
	if len(a.Ops) == 0 {
		return fmt.Errorf("update action requires at least one patch op")
	}
	for i, op := range a.Ops {
		if !strings.HasPrefix(op.Path, "/fields/") {
			return fmt.Errorf("update op %d: path %q must target /fields/*", i, op.Path)
		}
		switch op.Op {
		case "add", "replace", "remove":
		default:
			return fmt.Errorf("update op %d: unsupported op %q", i, op.Op)
		}
	}
	return nil
}

// CommentAction posts a discussion comment.
type CommentAction struct {
	Text string `json:"text"`
}

func (CommentAction) Kind() ActionKind { return ActionComment }

func (a CommentAction) Validate() error {
	if strings.TrimSpace(a.Text) == "" {
		return fmt.Errorf("comment action requires non-empty text")
	}
	return nil
}

// AddTagAction appends tags (semicolon-joined on the wire).
type AddTagAction struct {
	Tags []string `json:"tags"`
}

func (AddTagAction) Kind() ActionKind { return ActionAddTag }

func (a AddTagAction) Validate() error { return validateTags(a.Tags, "add-tag") }

// RemoveTagAction strips tags.
type RemoveTagAction struct {
	Tags []string `json:"tags"`
}

func (RemoveTagAction) Kind() ActionKind { return ActionRemoveTag }

func (a RemoveTagAction) Validate() error { return validateTags(a.Tags, "remove-tag") }

func validateTags(tags []string, kind string) error {
	if len(tags) == 0 {
		return fmt.Errorf("%s action requires at least one tag", kind)
	}
	for _, t := range tags {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%s action: empty tag", kind)
		}
		if strings.Contains(t, ";") {
			return fmt.Errorf("%s action: tag %q contains the separator ';'", kind, t)
		}
	}
	return nil
}

// AssignAction sets System.AssignedTo; empty AssignTo unassigns.
type AssignAction struct {
	AssignTo string `json:"assign_to"`
}

func (AssignAction) Kind() ActionKind { return ActionAssign }
func (AssignAction) Validate() error  { return nil }

// MoveIterationAction changes System.IterationPath.
type MoveIterationAction struct {
	TargetIterationPath string `json:"target_iteration_path"`
	Comment             string `json:"comment,omitempty"`
}

func (MoveIterationAction) Kind() ActionKind { return ActionMoveIteration }

func (a MoveIterationAction) Validate() error {
	if strings.TrimSpace(a.TargetIterationPath) == "" {
		return fmt.Errorf("move-iteration action requires target_iteration_path")
	}
	return nil
}

// RemoveAction soft-deletes (state transition to Removed) or, with Destroy,
// permanently deletes. Destroyed items record no inverse.
type RemoveAction struct {
	Reason  string `json:"reason"`
	Destroy bool   `json:"destroy,omitempty"`
}

func (RemoveAction) Kind() ActionKind { return ActionRemove }

func (a RemoveAction) Validate() error {
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("remove action requires a reason")
	}
	return nil
}

// EnhanceDescriptionsAction rewrites descriptions via the sampling channel.
type EnhanceDescriptionsAction struct {
	Style         string  `json:"style,omitempty"` // e.g. "concise", "detailed"
	PreserveTone  bool    `json:"preserve_tone,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

func (EnhanceDescriptionsAction) Kind() ActionKind { return ActionEnhanceDescriptions }
func (EnhanceDescriptionsAction) Validate() error  { return nil }

// AssignStoryPointsAction estimates story points via the sampling channel.
type AssignStoryPointsAction struct {
	Scale             string  `json:"scale,omitempty"` // "fibonacci", "linear", "t-shirt"
	OverwriteExisting bool    `json:"overwrite_existing,omitempty"`
	IncludeReasoning  bool    `json:"include_reasoning,omitempty"`
	MinConfidence     float64 `json:"min_confidence,omitempty"`
}

func (AssignStoryPointsAction) Kind() ActionKind { return ActionAssignStoryPoints }

func (a AssignStoryPointsAction) Validate() error {
	switch a.Scale {
	case "", "fibonacci", "linear", "t-shirt":
		return nil
	}
	return fmt.Errorf("assign-story-points: unknown scale %q", a.Scale)
}

// AnalyzeAction runs read-only AI analysis over the selected items.
type AnalyzeAction struct {
	AnalysisTypes []string `json:"analysis_types"`
}

func (AnalyzeAction) Kind() ActionKind { return ActionAnalyze }

func (a AnalyzeAction) Validate() error {
	if len(a.AnalysisTypes) == 0 {
		return fmt.Errorf("analyze action requires at least one analysis type")
	}
	return nil
}

// IsAIAssisted reports whether the action requires the LLM sampling channel.
func IsAIAssisted(a Action) bool {
	switch a.Kind() {
	case ActionEnhanceDescriptions, ActionAssignStoryPoints, ActionAnalyze:
		return true
	}
	return false
}

// actionEnvelope is the wire shape of an action: a kind tag plus the
// variant's own fields, flattened.
type actionEnvelope struct {
	Kind ActionKind `json:"kind"`
}

// ParseActions decodes the wire form of an action list into typed variants
// and validates each one.
func ParseActions(raw json.RawMessage) ([]Action, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("actions must be a JSON array: %w", err)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("actions must be non-empty")
	}
	actions := make([]Action, 0, len(elems))
	for i, e := range elems {
		var env actionEnvelope
		if err := json.Unmarshal(e, &env); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		a, err := decodeAction(env.Kind, e)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func decodeAction(kind ActionKind, raw json.RawMessage) (Action, error) {
	switch kind {
	case ActionUpdate:
		var a UpdateAction
		return a, json.Unmarshal(raw, &a)
	case ActionComment:
		var a CommentAction
		return a, json.Unmarshal(raw, &a)
	case ActionAddTag:
		var a AddTagAction
		return a, json.Unmarshal(raw, &a)
	case ActionRemoveTag:
		var a RemoveTagAction
		return a, json.Unmarshal(raw, &a)
	case ActionAssign:
		var a AssignAction
		return a, json.Unmarshal(raw, &a)
	case ActionMoveIteration:
		var a MoveIterationAction
		return a, json.Unmarshal(raw, &a)
	case ActionRemove:
		var a RemoveAction
		return a, json.Unmarshal(raw, &a)
	case ActionEnhanceDescriptions:
		var a EnhanceDescriptionsAction
		return a, json.Unmarshal(raw, &a)
	case ActionAssignStoryPoints:
		var a AssignStoryPointsAction
		return a, json.Unmarshal(raw, &a)
	case ActionAnalyze:
		var a AnalyzeAction
		return a, json.Unmarshal(raw, &a)
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}
