package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/bulk"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/history"
	"github.com/steveyegge/handlebar/internal/queryexec"
	"github.com/steveyegge/handlebar/internal/staleness"
	"github.com/steveyegge/handlebar/internal/types"
)

var harnessNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type harnessClock struct{}

func (harnessClock) Now() time.Time { return harnessNow }

// fakeGateway is an in-memory Azure DevOps implementing ado.Client end to
// end: WIQL and batch reads for the query path, guarded patches, comments,
// and deletes for the mutation path.
type fakeGateway struct {
	mu      sync.Mutex
	wiqlIDs []int
	items   map[int]*gatewayItem

	nextCommentID int
	comments      map[int]map[int]string // item id -> comment id -> text

	deletes   []string
	mutations int
}

type gatewayItem struct {
	rev    int
	fields map[string]any
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		items:    make(map[int]*gatewayItem),
		comments: make(map[int]map[int]string),
	}
}

func (g *fakeGateway) seed(id int, title string) {
	g.items[id] = &gatewayItem{rev: 3, fields: map[string]any{
		"System.Title":        title,
		"System.State":        "Active",
		"System.WorkItemType": "Bug",
		"System.CreatedDate":  harnessNow.AddDate(0, 0, -30).Format(time.RFC3339),
		"System.ChangedDate":  harnessNow.AddDate(0, 0, -1).Format(time.RFC3339),
	}}
}

func roundTrip(out, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (g *fakeGateway) GetJSON(ctx context.Context, relPath string, out any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if strings.HasPrefix(relPath, "wit/workitems?ids=") {
		idsPart := strings.TrimPrefix(relPath, "wit/workitems?ids=")
		idsPart = idsPart[:strings.IndexByte(idsPart, '&')]
		var value []map[string]any
		for _, s := range strings.Split(idsPart, ",") {
			var id int
			fmt.Sscanf(s, "%d", &id)
			if it, ok := g.items[id]; ok {
				value = append(value, map[string]any{"id": id, "rev": it.rev, "fields": it.fields})
			}
		}
		return roundTrip(out, map[string]any{"count": len(value), "value": value})
	}

	var id int
	if _, err := fmt.Sscanf(relPath, "wit/workitems/%d", &id); err != nil {
		return ado.NewError(ado.CategoryValidation, "fake: unhandled GET %s", relPath)
	}
	it, ok := g.items[id]
	if !ok {
		return &ado.Error{Category: ado.CategoryNotFound, StatusCode: 404, Message: "no such item"}
	}
	return roundTrip(out, map[string]any{"id": id, "rev": it.rev, "fields": it.fields})
}

func (g *fakeGateway) PostJSON(ctx context.Context, relPath string, body, out any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if relPath == "wit/wiql" {
		workItems := make([]map[string]any, 0, len(g.wiqlIDs))
		for _, id := range g.wiqlIDs {
			workItems = append(workItems, map[string]any{"id": id})
		}
		return roundTrip(out, map[string]any{"queryType": "flat", "workItems": workItems})
	}

	var id int
	if _, err := fmt.Sscanf(relPath, "wit/workitems/%d/comments", &id); err != nil {
		return ado.NewError(ado.CategoryValidation, "fake: unhandled POST %s", relPath)
	}
	if _, ok := g.items[id]; !ok {
		return &ado.Error{Category: ado.CategoryNotFound, StatusCode: 404, Message: "no such item"}
	}
	g.mutations++
	g.nextCommentID++
	text := body.(map[string]string)["text"]
	if g.comments[id] == nil {
		g.comments[id] = make(map[int]string)
	}
	g.comments[id][g.nextCommentID] = text
	return roundTrip(out, map[string]any{"id": g.nextCommentID, "text": text})
}

func (g *fakeGateway) PatchJSON(ctx context.Context, relPath string, body, out any, contentType string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id int
	if _, err := fmt.Sscanf(relPath, "wit/workitems/%d", &id); err != nil {
		return ado.NewError(ado.CategoryValidation, "fake: unhandled PATCH %s", relPath)
	}
	it, ok := g.items[id]
	if !ok {
		return &ado.Error{Category: ado.CategoryNotFound, StatusCode: 404, Message: "no such item"}
	}
	g.mutations++
	for _, op := range body.([]types.PatchOp) {
		switch {
		case op.Op == "test" && op.Path == "/rev":
			if v, ok := op.Value.(int); !ok || v != it.rev {
				return &ado.Error{Category: ado.CategoryConflict, StatusCode: 409, Message: "rev mismatch"}
			}
		case strings.HasPrefix(op.Path, "/fields/"):
			ref := strings.TrimPrefix(op.Path, "/fields/")
			if op.Op == "remove" {
				delete(it.fields, ref)
			} else {
				it.fields[ref] = op.Value
			}
		}
	}
	it.rev++
	return nil
}

func (g *fakeGateway) DeleteJSON(ctx context.Context, relPath string, out any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutations++
	g.deletes = append(g.deletes, relPath)

	var itemID, commentID int
	if _, err := fmt.Sscanf(relPath, "wit/workitems/%d/comments/%d", &itemID, &commentID); err == nil {
		delete(g.comments[itemID], commentID)
	}
	return nil
}

func (g *fakeGateway) Organization() string { return "org" }
func (g *fakeGateway) Project() string      { return "proj" }

func (g *fakeGateway) mutationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mutations
}

func (g *fakeGateway) tags(id int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, _ := g.items[id].fields["System.Tags"].(string)
	return v
}

// newHarness wires the full tool surface against a fake gateway, the same
// graph serve() builds minus the MCP transport.
func newHarness(t *testing.T) (*toolHandlers, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	clock := harnessClock{}

	handles := handle.NewService(time.Hour, clock, nil)
	t.Cleanup(handles.StopCleanup)
	hist := history.NewStore()
	handles.OnEvict(hist.Drop)

	analyzer := staleness.NewAnalyzer(gw, clock, staleness.Options{})
	return &toolHandlers{
		executor:           queryexec.NewExecutor(gw, handles, analyzer, clock, nil, 4),
		handles:            handles,
		engine:             bulk.NewEngine(gw, handles, hist, nil, clock, nil, 0),
		undoer:             history.NewUndoer(hist, gw, clock, nil),
		hist:               hist,
		log:                newLogger("error"),
		perItemConcurrency: 8,
		previewCount:       10,
	}, gw
}

func toolCall(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// envelope mirrors the response envelope with the payload left raw so each
// test can decode it into the concrete result type.
type envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata"`
	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) envelope {
	t.Helper()
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			var env envelope
			require.NoError(t, json.Unmarshal([]byte(tc.Text), &env))
			return env
		}
	}
	t.Fatal("tool result carries no text content")
	return envelope{}
}

const activeBugs = "SELECT [System.Id] FROM WorkItems WHERE [System.State] = 'Active'"

func runQuery(t *testing.T, h *toolHandlers) string {
	t.Helper()
	res, err := h.handleQuery(context.Background(), toolCall(map[string]any{
		"query": activeBugs,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	env := decodeResult(t, res)
	var qr queryexec.Result
	require.NoError(t, json.Unmarshal(env.Data, &qr))
	require.NotEmpty(t, qr.HandleID)
	return qr.HandleID
}

func TestToolFlowQueryBulkUndo(t *testing.T) {
	h, gw := newHarness(t)
	gw.wiqlIDs = []int{101, 102}
	gw.seed(101, "Login broken")
	gw.seed(102, "Export fails")
	ctx := context.Background()

	handleID := runQuery(t, h)

	// Selection is a pure read: it names the targets without touching them.
	res, err := h.handleSelect(ctx, toolCall(map[string]any{
		"handle_id": handleID,
		"selector":  "all",
	}))
	require.NoError(t, err)
	env := decodeResult(t, res)
	require.True(t, env.Success)
	var sel selectResult
	require.NoError(t, json.Unmarshal(env.Data, &sel))
	assert.Equal(t, 2, sel.Count)
	assert.Zero(t, gw.mutationCount())

	// Tag and comment every selected item.
	res, err = h.handleBulk(ctx, toolCall(map[string]any{
		"handle_id": handleID,
		"selector":  "all",
		"actions": []any{
			map[string]any{"kind": "add-tag", "tags": []string{"triaged"}},
			map[string]any{"kind": "comment", "text": "swept by triage"},
		},
	}))
	require.NoError(t, err)
	env = decodeResult(t, res)
	require.True(t, env.Success, "bulk failed: %v", env.Errors)
	var br bulk.Result
	require.NoError(t, json.Unmarshal(env.Data, &br))
	assert.Equal(t, 2, br.ItemsSelected)
	assert.Equal(t, 2, br.ActionsCompleted)
	assert.Contains(t, gw.tags(101), "triaged")
	assert.Len(t, gw.comments[102], 1)

	// Undo walks the recorded mutations back: tags restored, comments gone.
	res, err = h.handleUndo(ctx, toolCall(map[string]any{
		"handle_id": handleID,
	}))
	require.NoError(t, err)
	env = decodeResult(t, res)
	require.True(t, env.Success, "undo failed: %v", env.Errors)
	var ur history.UndoResult
	require.NoError(t, json.Unmarshal(env.Data, &ur))
	assert.Equal(t, 4, ur.Undone)
	assert.Zero(t, ur.Failed)
	assert.NotContains(t, gw.tags(101), "triaged")
	assert.Empty(t, gw.comments[102])
}

func TestBulkDryRunViaTool(t *testing.T) {
	h, gw := newHarness(t)
	gw.wiqlIDs = []int{7}
	gw.seed(7, "Untouched")

	handleID := runQuery(t, h)
	before := gw.mutationCount()

	res, err := h.handleBulk(context.Background(), toolCall(map[string]any{
		"handle_id": handleID,
		"selector":  "all",
		"actions":   []any{map[string]any{"kind": "remove", "reason": "cleanup"}},
		"dry_run":   true,
	}))
	require.NoError(t, err)
	env := decodeResult(t, res)
	require.True(t, env.Success)
	assert.Equal(t, true, env.Metadata["dry_run"])
	assert.Equal(t, before, gw.mutationCount(), "dry-run must not reach the gateway")
}

func TestConfiguredPreviewBoundApplies(t *testing.T) {
	h, gw := newHarness(t)
	h.previewCount = 1
	gw.wiqlIDs = []int{1, 2, 3}
	gw.seed(1, "One")
	gw.seed(2, "Two")
	gw.seed(3, "Three")
	ctx := context.Background()

	// No per-call preview_count: the configured bound applies.
	res, err := h.handleQuery(ctx, toolCall(map[string]any{"query": activeBugs}))
	require.NoError(t, err)
	env := decodeResult(t, res)
	require.True(t, env.Success)
	var qr queryexec.Result
	require.NoError(t, json.Unmarshal(env.Data, &qr))
	assert.Len(t, qr.Preview, 1)

	res, err = h.handleBulk(ctx, toolCall(map[string]any{
		"handle_id": qr.HandleID,
		"selector":  "all",
		"actions":   []any{map[string]any{"kind": "comment", "text": "sweep"}},
		"dry_run":   true,
	}))
	require.NoError(t, err)
	env = decodeResult(t, res)
	require.True(t, env.Success)
	var br bulk.Result
	require.NoError(t, json.Unmarshal(env.Data, &br))
	assert.Len(t, br.Preview, 1)
}

func TestUnknownHandleSurfacesNotFoundCode(t *testing.T) {
	h, _ := newHarness(t)

	res, err := h.handleInspect(context.Background(), toolCall(map[string]any{
		"handle_id": "qh_nope",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	env := decodeResult(t, res)
	assert.False(t, env.Success)
	assert.Equal(t, "E_NOT_FOUND", env.Metadata["error_code"])
}

func TestBadSelectorIsValidationError(t *testing.T) {
	h, gw := newHarness(t)
	gw.wiqlIDs = []int{7}
	gw.seed(7, "Only")
	handleID := runQuery(t, h)

	res, err := h.handleSelect(context.Background(), toolCall(map[string]any{
		"handle_id": handleID,
		"selector":  "some",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	env := decodeResult(t, res)
	assert.Equal(t, "E_VALIDATION", env.Metadata["error_code"])
}

func TestListHandlesCountsLiveHandles(t *testing.T) {
	h, gw := newHarness(t)
	gw.wiqlIDs = []int{7}
	gw.seed(7, "Only")
	runQuery(t, h)
	runQuery(t, h)

	res, err := h.handleList(context.Background(), toolCall(nil))
	require.NoError(t, err)
	env := decodeResult(t, res)
	require.True(t, env.Success)

	var data struct {
		Count   int              `json:"count"`
		Handles []handle.Summary `json:"handles"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 2, data.Count)
	require.Len(t, data.Handles, 2)
	assert.Equal(t, activeBugs, data.Handles[0].Query)
}
