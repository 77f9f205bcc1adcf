package bulk

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/ai"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/types"
)

// parseError marks a model reply that did not yield a usable decision.
// The item fails (reason ai-parse) rather than being silently skipped, so
// operators see which items the model mangled.
type parseError struct {
	err error
}

func (p *parseError) Error() string { return "model reply did not parse: " + p.err.Error() }
func (p *parseError) Unwrap() error { return p.err }

// reasonExistingValue marks items skipped because a value was already set
// and the action declined to overwrite it.
const reasonExistingValue = "existing-value"

// StoryPointsField is the agile-process reference name for estimates.
const StoryPointsField = "Microsoft.VSTS.Scheduling.StoryPoints"

// confidenceFloor resolves the threshold for one action: action-level
// override if set, engine default otherwise.
func (e *Engine) confidenceFloor(actionLevel float64) float64 {
	if actionLevel > 0 && actionLevel <= 1 {
		return actionLevel
	}
	return e.minConfidence
}

// sampleDecision runs one sampling call and parses the typed decision.
func (e *Engine) sampleDecision(ctx context.Context, system, user string) (*ai.Decision, error) {
	if e.sampling == nil {
		return nil, ado.NewError(ado.CategoryAIUnavailable, "no LLM sampling channel configured")
	}
	reply, err := e.sampling.Sample(ctx, ai.SampleRequest{SystemPrompt: system, UserPrompt: user})
	if err != nil {
		return nil, ado.NewError(ado.CategoryAIUnavailable, "sampling failed: %v", err)
	}
	d, err := ai.ParseDecision(reply)
	if err != nil {
		return nil, &parseError{err: err}
	}
	return d, nil
}

const enhanceSystemPrompt = `You improve Azure DevOps work item descriptions.
Reply with a single JSON object:
{"confidence": <0..1>, "description": "<rewritten description, HTML allowed>", "reasoning": "<one sentence>"}
Confidence reflects how sure you are the rewrite preserves the item's intent.
Never invent requirements that are not implied by the existing text.`

func (e *Engine) applyEnhanceDescription(ctx context.Context, h *types.QueryHandle, target handle.ResolvedItem, a types.EnhanceDescriptionsAction, rec *types.OperationRecord) (applied, bool, error) {
	pre, err := ado.GetWorkItem(ctx, e.client, target.ID)
	if err != nil {
		return applied{}, false, err
	}
	title, _ := pre.Fields["System.Title"].(string)
	desc, _ := pre.Fields["System.Description"].(string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Work item #%d: %s\n\nCurrent description:\n%s\n", target.ID, title, desc)
	if a.Style != "" {
		fmt.Fprintf(&sb, "\nRewrite style: %s\n", a.Style)
	}
	if a.PreserveTone {
		sb.WriteString("\nPreserve the original author's tone.\n")
	}

	d, err := e.sampleDecision(ctx, enhanceSystemPrompt, sb.String())
	if err != nil {
		return applied{}, false, err
	}
	if strings.TrimSpace(d.Description) == "" {
		return applied{}, false, &parseError{err: fmt.Errorf("decision carries no description")}
	}
	if d.Confidence < e.confidenceFloor(a.MinConfidence) {
		e.log.Debugf("enhance #%d below confidence floor (%.2f)", target.ID, d.Confidence)
		return applied{skipReason: types.ReasonLowConfidence}, false, nil
	}

	op := ado.ReplaceField("System.Description", d.Description)
	if desc == "" {
		op = ado.AddField("System.Description", d.Description)
	}
	var inverse []types.PatchOp
	_, retried, err := e.patchGuarded(ctx, target.ID, func(live *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		inverse = inverseForOps(live, []types.PatchOp{op})
		return []types.PatchOp{op}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}
	rec.Payload = map[string]any{"kind": a.Kind(), "confidence": d.Confidence, "reasoning": d.Reasoning}
	rec.InversePayload = &types.InversePayload{Patch: inverse}
	return applied{mutated: true}, retried, nil
}

const storyPointsSystemPrompt = `You estimate story points for Azure DevOps work items.
Reply with a single JSON object:
{"confidence": <0..1>, "story_points": <number>, "reasoning": "<one sentence>"}
Base the estimate only on the item's title, description, and acceptance criteria.`

func (e *Engine) applyAssignStoryPoints(ctx context.Context, h *types.QueryHandle, target handle.ResolvedItem, a types.AssignStoryPointsAction, rec *types.OperationRecord) (applied, bool, error) {
	pre, err := ado.GetWorkItem(ctx, e.client, target.ID)
	if err != nil {
		return applied{}, false, err
	}
	if _, set := pre.Fields[StoryPointsField]; set && !a.OverwriteExisting {
		return applied{skipReason: reasonExistingValue}, false, nil
	}
	title, _ := pre.Fields["System.Title"].(string)
	desc, _ := pre.Fields["System.Description"].(string)
	acceptance, _ := pre.Fields["Microsoft.VSTS.Common.AcceptanceCriteria"].(string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Work item #%d: %s\n\nDescription:\n%s\n\nAcceptance criteria:\n%s\n",
		target.ID, title, desc, acceptance)
	switch a.Scale {
	case "", "fibonacci":
		sb.WriteString("\nUse the fibonacci scale: 1, 2, 3, 5, 8, 13, 21.\n")
	case "linear":
		sb.WriteString("\nUse a linear 1-10 scale.\n")
	case "t-shirt":
		sb.WriteString("\nUse t-shirt sizing mapped to points: S=2, M=5, L=8, XL=13.\n")
	}

	d, err := e.sampleDecision(ctx, storyPointsSystemPrompt, sb.String())
	if err != nil {
		return applied{}, false, err
	}
	if d.StoryPoints == nil {
		return applied{}, false, &parseError{err: fmt.Errorf("decision carries no story_points")}
	}
	if d.Confidence < e.confidenceFloor(a.MinConfidence) {
		return applied{skipReason: types.ReasonLowConfidence}, false, nil
	}

	op := ado.ReplaceField(StoryPointsField, *d.StoryPoints)
	if _, set := pre.Fields[StoryPointsField]; !set {
		op = ado.AddField(StoryPointsField, *d.StoryPoints)
	}
	var inverse []types.PatchOp
	_, retried, err := e.patchGuarded(ctx, target.ID, func(live *types.WorkItemSnapshot) ([]types.PatchOp, error) {
		inverse = inverseForOps(live, []types.PatchOp{op})
		return []types.PatchOp{op}, nil
	})
	if err != nil {
		return applied{}, retried, err
	}

	inv := &types.InversePayload{Patch: inverse}
	if a.IncludeReasoning && d.Reasoning != "" {
		text := fmt.Sprintf("Estimated %.1f story points: %s", *d.StoryPoints, d.Reasoning)
		if commentID, cerr := ado.AddComment(ctx, e.client, target.ID, text); cerr != nil {
			e.log.Warnf("story-point reasoning comment on #%d failed: %v", target.ID, cerr)
		} else {
			inv.DeleteCommentID = commentID
		}
	}
	rec.Payload = map[string]any{"kind": a.Kind(), "points": *d.StoryPoints, "confidence": d.Confidence}
	rec.InversePayload = inv
	return applied{mutated: true}, retried, nil
}

const analyzeSystemPrompt = `You analyze Azure DevOps work items for an engineering team.
Answer in plain prose, a short paragraph per requested analysis type.`

// applyAnalyze is read-only: it samples the model and surfaces the reply,
// touching nothing in ADO.
func (e *Engine) applyAnalyze(ctx context.Context, h *types.QueryHandle, target handle.ResolvedItem, a types.AnalyzeAction, rec *types.OperationRecord) (applied, bool, error) {
	if e.sampling == nil {
		return applied{}, false, ado.NewError(ado.CategoryAIUnavailable, "no LLM sampling channel configured")
	}
	pre, err := ado.GetWorkItem(ctx, e.client, target.ID)
	if err != nil {
		return applied{}, false, err
	}
	title, _ := pre.Fields["System.Title"].(string)
	desc, _ := pre.Fields["System.Description"].(string)
	state, _ := pre.Fields["System.State"].(string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis types requested: %s\n\n", strings.Join(a.AnalysisTypes, ", "))
	fmt.Fprintf(&sb, "Work item #%d [%s]: %s\n\nDescription:\n%s\n", target.ID, state, title, desc)
	if item := h.Item(target.Index); item != nil && item.DaysInactive != nil {
		fmt.Fprintf(&sb, "\nDays since last substantive change: %d\n", *item.DaysInactive)
	}

	reply, err := e.sampling.Sample(ctx, ai.SampleRequest{SystemPrompt: analyzeSystemPrompt, UserPrompt: sb.String()})
	if err != nil {
		return applied{}, false, ado.NewError(ado.CategoryAIUnavailable, "sampling failed: %v", err)
	}
	analysis := strings.TrimSpace(reply)
	if analysis == "" {
		return applied{}, false, &parseError{err: fmt.Errorf("empty analysis reply")}
	}
	rec.Payload = map[string]any{"kind": a.Kind(), "analysis_types": a.AnalysisTypes, "analysis": analysis}
	return applied{mutated: true, analysis: analysis}, false, nil
}
