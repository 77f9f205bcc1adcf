package main

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/bulk"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/history"
	"github.com/steveyegge/handlebar/internal/queryexec"
	"github.com/steveyegge/handlebar/internal/response"
	"github.com/steveyegge/handlebar/internal/types"
)

// toolHandlers holds the dependencies every MCP tool handler needs.
type toolHandlers struct {
	executor *queryexec.Executor
	handles  *handle.Service
	engine   *bulk.Engine
	undoer   *history.Undoer
	hist     *history.Store
	log      *logrus.Logger

	// Configured defaults; per-call arguments override previewCount.
	perItemConcurrency int
	previewCount       int
}

// register declares every tool and binds its handler.
func (h *toolHandlers) register(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("wit-query",
		mcp.WithDescription("Run a WIQL or Analytics OData query against Azure DevOps and pin the result under an opaque query handle. Returns the handle id, item count, and a bounded preview; pass the handle to the other wit-* tools instead of raw work-item ids."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The WIQL text, or the OData path after the Analytics base URL")),
		mcp.WithString("kind", mcp.Description("Query surface: wiql (default) or odata")),
		mcp.WithArray("include_fields", mcp.Description("Extra field reference names to capture beyond the always-on bundle")),
		mcp.WithNumber("top", mcp.Description("Keep at most this many rows (client-side window)")),
		mcp.WithNumber("skip", mcp.Description("Skip this many rows before the window")),
		mcp.WithBoolean("include_substantive_change", mcp.Description("Enrich items with staleness analysis (last substantive change, days inactive)")),
		mcp.WithNumber("substantive_change_history_count", mcp.Description("Revisions to inspect per item, default 50, max 200")),
		mcp.WithArray("filter_by_patterns", mcp.Description("Named client-side filters: duplicates, missing_description, missing_acceptance_criteria, stale")),
		mcp.WithNumber("filter_days_inactive_min", mcp.Description("Keep items at least this stale (requires include_substantive_change)")),
		mcp.WithNumber("filter_days_inactive_max", mcp.Description("Keep items at most this stale")),
		mcp.WithBoolean("fetch_full_packages", mcp.Description("Also capture comments, recent revisions, and relations per item (2-3x API cost)")),
		mcp.WithNumber("preview_count", mcp.Description("Preview size, default 10")),
	), h.handleQuery)

	srv.AddTool(mcp.NewTool("wit-inspect-handle",
		mcp.WithDescription("Inspect a query handle: item count, expiry, state/type histograms, and a bounded item preview. Supply a selector to preview the selected subset instead."),
		mcp.WithString("handle_id", mcp.Required(), mcp.Description("The qh_ handle id")),
		mcp.WithNumber("preview_count", mcp.Description("Preview size, default 10")),
		mcp.WithObject("selector", mcp.Description("Optional selector: \"all\", an index array, or a criteria object")),
	), h.handleInspect)

	srv.AddTool(mcp.NewTool("wit-select-items",
		mcp.WithDescription("Resolve a selector against a handle without touching anything: returns the exact (index, id) pairs a bulk operation with this selector would target."),
		mcp.WithString("handle_id", mcp.Required(), mcp.Description("The qh_ handle id")),
		mcp.WithObject("selector", mcp.Required(), mcp.Description("Selector: \"all\", an index array, or a criteria object")),
	), h.handleSelect)

	srv.AddTool(mcp.NewTool("wit-bulk-execute",
		mcp.WithDescription("Apply a typed action list to the items a selector names inside a handle. Supports dry-run (no mutations, preview only), stop-on-error policies, optimistic-concurrency retry, and per-item history for undo."),
		mcp.WithString("handle_id", mcp.Required(), mcp.Description("The qh_ handle id")),
		mcp.WithObject("selector", mcp.Required(), mcp.Description("Selector: \"all\", an index array, or a criteria object")),
		mcp.WithArray("actions", mcp.Required(), mcp.Description("Ordered action list; each element is {kind, ...fields}. Kinds: update, comment, add-tag, remove-tag, assign, move-iteration, remove, enhance-descriptions, assign-story-points, analyze")),
		mcp.WithBoolean("dry_run", mcp.Description("Preview what would happen without calling Azure DevOps")),
		mcp.WithString("stop_on_error", mcp.Description("Failure policy: off, item (default), or all")),
		mcp.WithNumber("max_preview_items", mcp.Description("Dry-run preview size, default 10")),
	), h.handleBulk)

	srv.AddTool(mcp.NewTool("wit-undo",
		mcp.WithDescription("Undo the recorded mutations of a handle in reverse order, optionally restricted to specific item indices. Destroyed items cannot be restored."),
		mcp.WithString("handle_id", mcp.Required(), mcp.Description("The qh_ handle id")),
		mcp.WithArray("indices", mcp.Description("Optional item indices to restrict the undo to")),
	), h.handleUndo)

	srv.AddTool(mcp.NewTool("wit-list-handles",
		mcp.WithDescription("List every live query handle with its item count, originating query, and expiry."),
	), h.handleList)
}

// decode re-marshals the tool arguments into a typed request.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// result converts an envelope into an MCP tool result, marking failures
// so clients branch without parsing the payload.
func result(env *response.Envelope) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	res := mcp.NewToolResultText(string(payload))
	if !env.Success {
		res.IsError = true
	}
	return res, nil
}

type queryRequest struct {
	Query                         string   `json:"query"`
	Kind                          string   `json:"kind,omitempty"`
	IncludeFields                 []string `json:"include_fields,omitempty"`
	Top                           int      `json:"top,omitempty"`
	Skip                          int      `json:"skip,omitempty"`
	IncludeSubstantiveChange      bool     `json:"include_substantive_change,omitempty"`
	SubstantiveChangeHistoryCount int      `json:"substantive_change_history_count,omitempty"`
	FilterByPatterns              []string `json:"filter_by_patterns,omitempty"`
	FilterDaysInactiveMin         *int     `json:"filter_days_inactive_min,omitempty"`
	FilterDaysInactiveMax         *int     `json:"filter_days_inactive_max,omitempty"`
	FilterMissingDescription      bool     `json:"filter_missing_description,omitempty"`
	FilterMissingAcceptance       bool     `json:"filter_missing_acceptance_criteria,omitempty"`
	FetchFullPackages             bool     `json:"fetch_full_packages,omitempty"`
	PreviewCount                  int      `json:"preview_count,omitempty"`
}

func (h *toolHandlers) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[queryRequest](req)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "bad arguments: %v", err))
	}
	opts := queryexec.Options{
		IncludeFields:                     input.IncludeFields,
		Top:                               input.Top,
		Skip:                              input.Skip,
		IncludeSubstantiveChange:          input.IncludeSubstantiveChange,
		SubstantiveChangeHistoryCount:     input.SubstantiveChangeHistoryCount,
		FilterByPatterns:                  input.FilterByPatterns,
		FilterByDaysInactiveMin:           input.FilterDaysInactiveMin,
		FilterByDaysInactiveMax:           input.FilterDaysInactiveMax,
		FilterByMissingDescription:        input.FilterMissingDescription,
		FilterByMissingAcceptanceCriteria: input.FilterMissingAcceptance,
		FetchFullPackages:                 input.FetchFullPackages,
		PreviewCount:                      input.PreviewCount,
	}
	if opts.PreviewCount <= 0 {
		opts.PreviewCount = h.previewCount
	}

	var res *queryexec.Result
	switch input.Kind {
	case "", "wiql":
		res, err = h.executor.ExecuteWIQL(ctx, input.Query, opts)
	case "odata":
		res, err = h.executor.ExecuteOData(ctx, input.Query, opts)
	default:
		return result(response.Fail(ado.CategoryValidation, "unknown query kind %q (want wiql or odata)", input.Kind))
	}
	if err != nil {
		return result(response.FromError(err))
	}
	env := response.OK(res).WithWarnings(res.Warnings...).WithMeta("has_more", res.HasMore)
	return result(env)
}

type inspectRequest struct {
	HandleID     string          `json:"handle_id"`
	PreviewCount int             `json:"preview_count,omitempty"`
	Selector     json.RawMessage `json:"selector,omitempty"`
}

func (h *toolHandlers) handleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[inspectRequest](req)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "bad arguments: %v", err))
	}
	var sel types.Selector
	if len(input.Selector) > 0 {
		sel, err = types.ParseSelector(input.Selector)
		if err != nil {
			return result(response.Fail(ado.CategoryValidation, "%v", err))
		}
	}
	if input.PreviewCount <= 0 {
		input.PreviewCount = h.previewCount
	}
	summary, err := h.handles.Describe(input.HandleID, input.PreviewCount, sel)
	if err != nil {
		return result(response.FromError(err))
	}
	return result(response.OK(summary))
}

type selectRequest struct {
	HandleID string          `json:"handle_id"`
	Selector json.RawMessage `json:"selector"`
}

// selectResult is what wit-select-items returns: the exact selection a
// bulk call with the same selector would operate on.
type selectResult struct {
	HandleID string                `json:"handle_id"`
	Count    int                   `json:"count"`
	Items    []handle.ResolvedItem `json:"items"`
}

func (h *toolHandlers) handleSelect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[selectRequest](req)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "bad arguments: %v", err))
	}
	sel, err := types.ParseSelector(input.Selector)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "%v", err))
	}
	resolved, err := h.handles.Resolve(input.HandleID, sel)
	if err != nil {
		return result(response.FromError(err))
	}
	return result(response.OK(selectResult{
		HandleID: input.HandleID,
		Count:    len(resolved),
		Items:    resolved,
	}))
}

type bulkRequest struct {
	HandleID        string          `json:"handle_id"`
	Selector        json.RawMessage `json:"selector"`
	Actions         json.RawMessage `json:"actions"`
	DryRun          bool            `json:"dry_run,omitempty"`
	StopOnError     string          `json:"stop_on_error,omitempty"`
	MaxPreviewItems int             `json:"max_preview_items,omitempty"`
}

func (h *toolHandlers) handleBulk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[bulkRequest](req)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "bad arguments: %v", err))
	}
	sel, err := types.ParseSelector(input.Selector)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "%v", err))
	}
	actions, err := types.ParseActions(input.Actions)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "%v", err))
	}
	policy, err := bulk.ParseStopPolicy(input.StopOnError)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "%v", err))
	}

	maxPreview := input.MaxPreviewItems
	if maxPreview <= 0 {
		maxPreview = h.previewCount
	}
	res, err := h.engine.Execute(ctx, input.HandleID, sel, actions, bulk.Options{
		DryRun:             input.DryRun,
		StopOnError:        policy,
		MaxPreviewItems:    maxPreview,
		PerItemConcurrency: h.perItemConcurrency,
	})
	if err != nil {
		return result(response.FromError(err))
	}
	env := &response.Envelope{Success: res.Success, Data: res, Warnings: res.Warnings}
	env.WithMeta("dry_run", res.DryRun)
	if !res.Success {
		env.Errors = append(env.Errors, "one or more items failed; see per-item outcomes")
	}
	return result(env)
}

type undoRequest struct {
	HandleID string `json:"handle_id"`
	Indices  []int  `json:"indices,omitempty"`
}

func (h *toolHandlers) handleUndo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[undoRequest](req)
	if err != nil {
		return result(response.Fail(ado.CategoryValidation, "bad arguments: %v", err))
	}
	res, err := h.undoer.Undo(ctx, input.HandleID, input.Indices)
	if err != nil {
		return result(response.FromError(err))
	}
	env := response.OK(res)
	if res.Failed > 0 {
		env.Success = false
		env.Errors = append(env.Errors, "some inverses failed; see per-record outcomes")
	}
	return result(env)
}

func (h *toolHandlers) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries := h.handles.List()
	return result(response.OK(map[string]any{
		"count":   len(summaries),
		"handles": summaries,
	}))
}
