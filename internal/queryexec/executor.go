// Package queryexec runs WIQL and OData queries against ADO, materializes
// the result into per-item context, optionally enriches it with staleness
// analysis, applies client-side filters, and hands the finished snapshot
// to the handle service. Queries are passed through verbatim; the only
// query the executor inspects is the WorkItemLinks + ORDER BY combination,
// which ADO silently answers with zero rows and we reject instead.
package queryexec

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/handle"
	"github.com/steveyegge/handlebar/internal/staleness"
	"github.com/steveyegge/handlebar/internal/types"
)

const (
	batchSize = 200

	// DefaultStalenessFanOut bounds concurrent staleness analyses.
	DefaultStalenessFanOut = 16

	// DefaultPreviewCount bounds the preview returned with a new handle.
	DefaultPreviewCount = 10

	// fullPackageWarnThreshold is where full-package mode starts costing
	// 2-3x API calls per item and the caller gets warned.
	fullPackageWarnThreshold = 50
)

// Options tunes one query execution.
type Options struct {
	IncludeFields []string
	Top           int
	Skip          int

	IncludeSubstantiveChange      bool
	SubstantiveChangeHistoryCount int

	FilterByPatterns                  []string // duplicates, missing_description, missing_acceptance_criteria, stale
	FilterByDaysInactiveMin           *int
	FilterByDaysInactiveMax           *int
	FilterByMissingDescription        bool
	FilterByMissingAcceptanceCriteria bool

	FetchFullPackages bool
	PreviewCount      int
}

// Result is what a query returns to the tool layer: the minted handle, a
// bounded preview, and paging info.
type Result struct {
	HandleID  string                  `json:"handle_id"`
	ItemCount int                     `json:"item_count"`
	HasMore   bool                    `json:"has_more"`
	Preview   []types.ItemContext     `json:"preview"`
	Selection types.SelectionMetadata `json:"selection_metadata"`
	Analysis  types.AnalysisMetadata  `json:"analysis_metadata"`
	Warnings  []string                `json:"warnings,omitempty"`
}

// Executor materializes queries into handles.
type Executor struct {
	client   ado.Client
	handles  *handle.Service
	analyzer *staleness.Analyzer
	clock    types.Clock
	log      *logrus.Entry

	stalenessFanOut int
}

// NewExecutor wires an executor.
func NewExecutor(client ado.Client, handles *handle.Service, analyzer *staleness.Analyzer, clock types.Clock, logger *logrus.Logger, fanOut int) *Executor {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if fanOut <= 0 {
		fanOut = DefaultStalenessFanOut
	}
	return &Executor{
		client:          client,
		handles:         handles,
		analyzer:        analyzer,
		clock:           clock,
		log:             logger.WithField("component", "queryexec"),
		stalenessFanOut: fanOut,
	}
}

// linkOrderByRe detects ORDER BY inside a WorkItemLinks query. ADO returns
// zero rows for that combination without an error.
var linkOrderByRe = regexp.MustCompile(`(?is)\bFROM\s+WorkItemLinks\b`)
var orderByRe = regexp.MustCompile(`(?is)\bORDER\s+BY\b`)

// ExecuteWIQL runs a WIQL query and returns a handle over the result.
func (e *Executor) ExecuteWIQL(ctx context.Context, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ado.NewError(ado.CategoryValidation, "query is empty")
	}
	if linkOrderByRe.MatchString(query) && orderByRe.MatchString(query) {
		return nil, ado.NewError(ado.CategoryQueryUnsupported,
			"WIQL ORDER BY is not supported in WorkItemLinks queries: ADO silently returns zero rows; remove the ORDER BY or query WorkItems instead")
	}

	ids, hasMore, err := e.runWIQL(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return e.materialize(ctx, query, types.QueryKindWIQL, ids, hasMore, opts)
}

// ExecuteOData runs an Analytics OData query. The query string is the
// portion after the Analytics base URL and is passed through verbatim.
func (e *Executor) ExecuteOData(ctx context.Context, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ado.NewError(ado.CategoryValidation, "query is empty")
	}
	ids, hasMore, err := e.runOData(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return e.materialize(ctx, query, types.QueryKindOData, ids, hasMore, opts)
}

// wiqlResponse is ADO's response to POST wit/wiql.
type wiqlResponse struct {
	QueryType string `json:"queryType"`
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
	WorkItemRelations []struct {
		Target struct {
			ID int `json:"id"`
		} `json:"target"`
	} `json:"workItemRelations"`
}

// runWIQL submits the query and applies top/skip to the ordered id list.
func (e *Executor) runWIQL(ctx context.Context, query string, opts Options) ([]int, bool, error) {
	var resp wiqlResponse
	body := map[string]string{"query": query}
	if err := e.client.PostJSON(ctx, "wit/wiql", body, &resp); err != nil {
		return nil, false, err
	}

	var ids []int
	if len(resp.WorkItemRelations) > 0 {
		seen := make(map[int]bool)
		for _, rel := range resp.WorkItemRelations {
			if rel.Target.ID != 0 && !seen[rel.Target.ID] {
				seen[rel.Target.ID] = true
				ids = append(ids, rel.Target.ID)
			}
		}
	} else {
		for _, wi := range resp.WorkItems {
			ids = append(ids, wi.ID)
		}
	}
	return pageIDs(ids, opts.Top, opts.Skip)
}

// odataResponse is the Analytics response shape; only WorkItemId is
// extracted, in ADO's order.
type odataResponse struct {
	Value []map[string]any `json:"value"`
}

func (e *Executor) runOData(ctx context.Context, query string, opts Options) ([]int, bool, error) {
	var resp odataResponse
	path := "analytics/" + strings.TrimPrefix(query, "/")
	if !strings.Contains(path, "api-version") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "api-version=" + url.QueryEscape(DefaultAnalyticsVersion)
	}
	if err := e.client.GetJSON(ctx, path, &resp); err != nil {
		return nil, false, err
	}
	var ids []int
	for _, row := range resp.Value {
		if v, ok := row["WorkItemId"].(float64); ok {
			ids = append(ids, int(v))
		}
	}
	return pageIDs(ids, opts.Top, opts.Skip)
}

// DefaultAnalyticsVersion pins the Analytics OData API version.
const DefaultAnalyticsVersion = "7.1-preview.1"

// pageIDs applies top/skip client-side and reports whether rows beyond the
// window were discarded.
func pageIDs(ids []int, top, skip int) ([]int, bool, error) {
	if skip < 0 || top < 0 {
		return nil, false, ado.NewError(ado.CategoryValidation, "top/skip must be non-negative")
	}
	if skip >= len(ids) {
		return nil, false, nil
	}
	ids = ids[skip:]
	if top > 0 && len(ids) > top {
		return ids[:top], true, nil
	}
	return ids, false, nil
}

// materialize fetches field bundles, enriches, filters, builds context,
// and stores the handle.
func (e *Executor) materialize(ctx context.Context, query string, kind types.QueryKind, ids []int, hasMore bool, opts Options) (*Result, error) {
	snaps, err := e.fetchSnapshots(ctx, ids, opts.IncludeFields)
	if err != nil {
		return nil, err
	}

	var warnings []string
	analysis := types.AnalysisMetadata{AnalyzedAt: e.clock.Now()}

	items := make([]types.ItemContext, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, contextFromSnapshot(snap))
	}

	if opts.IncludeSubstantiveChange {
		analysis.StalenessRequested = true
		e.enrichStaleness(ctx, items, opts.SubstantiveChangeHistoryCount, &analysis)
	}

	items, dropped, err := applyFilters(items, opts)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		e.log.Debugf("client-side filters dropped %d of %d items", dropped, len(items)+dropped)
	}

	// Re-index after filtering so (index, id) stays the canonical
	// selection space.
	finalIDs := make([]int, len(items))
	for i := range items {
		items[i].Index = i
		finalIDs[i] = items[i].ID
	}

	h := &types.QueryHandle{
		OriginalQuery: query,
		Kind:          kind,
		Organization:  e.client.Organization(),
		Project:       e.client.Project(),
		WorkItemIDs:   finalIDs,
		Items:         items,
		Analysis:      analysis,
	}

	if opts.FetchFullPackages {
		if len(finalIDs) > fullPackageWarnThreshold {
			warnings = append(warnings, fmt.Sprintf(
				"full packages requested for %d items; this multiplies ADO API cost 2-3x per item", len(finalIDs)))
		}
		pkgs, err := e.fetchFullPackages(ctx, snaps, finalIDs)
		if err != nil {
			return nil, err
		}
		h.Packages = pkgs
	}

	handleID, err := e.handles.Store(h)
	if err != nil {
		return nil, err
	}

	previewCount := opts.PreviewCount
	if previewCount <= 0 {
		previewCount = DefaultPreviewCount
	}
	preview := items
	if len(preview) > previewCount {
		preview = preview[:previewCount]
	}

	return &Result{
		HandleID:  handleID,
		ItemCount: len(finalIDs),
		HasMore:   hasMore,
		Preview:   append([]types.ItemContext(nil), preview...),
		Selection: h.Selection,
		Analysis:  analysis,
		Warnings:  warnings,
	}, nil
}

// fetchSnapshots pulls the field bundle for all ids in order, batching at
// the endpoint's 200-id limit.
func (e *Executor) fetchSnapshots(ctx context.Context, ids []int, includeFields []string) ([]*types.WorkItemSnapshot, error) {
	fields := fieldBundle(includeFields)
	byID := make(map[int]*types.WorkItemSnapshot, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		snaps, err := ado.GetWorkItemBatch(ctx, e.client, ids[start:end], fields)
		if err != nil {
			return nil, err
		}
		for _, s := range snaps {
			byID[s.ID] = s
		}
	}
	// Preserve ADO's result order; items the batch read didn't return
	// (deleted between query and fetch) drop out.
	out := make([]*types.WorkItemSnapshot, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// enrichStaleness runs the analyzer over every item with bounded fan-out
// and folds verdicts into the contexts in place.
func (e *Executor) enrichStaleness(ctx context.Context, items []types.ItemContext, historyCount int, analysis *types.AnalysisMetadata) {
	sem := semaphore.NewWeighted(int64(e.stalenessFanOut))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(item *types.ItemContext) {
			defer wg.Done()
			defer sem.Release(1)
			verdict := e.analyzer.AnalyzeItem(ctx, item.ID, historyCount)
			mu.Lock()
			defer mu.Unlock()
			if verdict.Status != staleness.StatusOK {
				analysis.FailureCount++
				return
			}
			analysis.SuccessCount++
			item.DaysInactive = verdict.DaysInactive
			item.LastSubstantiveChange = verdict.LastSubstantiveChange
			item.LastSubstantiveBy = verdict.LastSubstantiveChangeBy
			if verdict.AllChangesWereAutomated && !item.CreatedDate.IsZero() {
				// No human touch within the window: fall back to creation.
				created := item.CreatedDate
				days := int(e.clock.Now().Sub(created).Hours() / 24)
				if days < 0 {
					days = 0
				}
				item.LastSubstantiveChange = &created
				item.DaysInactive = &days
			}
		}(&items[i])
	}
	wg.Wait()
}
