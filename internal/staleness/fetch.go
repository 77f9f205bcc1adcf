package staleness

import (
	"context"
	"sort"
	"time"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

const (
	// DefaultHistoryCount bounds how many revisions one analysis replays.
	DefaultHistoryCount = 50
	// MaxHistoryCount is the caller-overridable ceiling.
	MaxHistoryCount = 200

	revisionPageSize = 100
)

// Analyzer fetches revision history through the ADO client and runs the
// pure walk over it.
type Analyzer struct {
	client ado.Client
	clock  types.Clock
	opts   Options
}

// NewAnalyzer builds an analyzer with the given classification options.
func NewAnalyzer(client ado.Client, clock types.Clock, opts Options) *Analyzer {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Analyzer{client: client, clock: clock, opts: opts}
}

// revisionsResponse is ADO's wire shape for the revisions endpoint.
type revisionsResponse struct {
	Count int `json:"count"`
	Value []struct {
		Rev    int            `json:"rev"`
		Fields map[string]any `json:"fields"`
	} `json:"value"`
}

// AnalyzeItem fetches up to historyCount revisions (default 50, cap 200)
// and returns the staleness verdict. Fetch failures yield StatusUnknown
// with the reason; they never propagate as errors, so one broken item
// cannot abort query materialization.
func (a *Analyzer) AnalyzeItem(ctx context.Context, id int, historyCount int) Verdict {
	if historyCount <= 0 {
		historyCount = DefaultHistoryCount
	}
	if historyCount > MaxHistoryCount {
		historyCount = MaxHistoryCount
	}

	revs, err := a.fetchRevisions(ctx, id, historyCount)
	if err != nil {
		return Verdict{Status: StatusUnknown, Reason: err.Error()}
	}
	return Analyze(revs, a.opts, a.clock.Now())
}

// fetchRevisions pages the revisions endpoint and returns them sorted
// newest first, truncated to limit.
func (a *Analyzer) fetchRevisions(ctx context.Context, id, limit int) ([]Revision, error) {
	var all []Revision
	skip := 0
	for {
		page := revisionPageSize
		var resp revisionsResponse
		if err := a.client.GetJSON(ctx, ado.RevisionsPath(id, page, skip), &resp); err != nil {
			return nil, err
		}
		for _, v := range resp.Value {
			all = append(all, revisionFromFields(v.Rev, v.Fields))
		}
		if len(resp.Value) < page {
			break
		}
		skip += len(resp.Value)
		if len(all) >= MaxHistoryCount {
			break
		}
	}

	// ADO returns revisions oldest first; the walk wants newest first.
	sort.Slice(all, func(i, j int) bool { return all[i].Rev > all[j].Rev })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func revisionFromFields(rev int, fields map[string]any) Revision {
	r := Revision{Rev: rev, Fields: fields}
	switch t := fields["System.ChangedBy"].(type) {
	case map[string]any:
		dn, _ := t["displayName"].(string)
		un, _ := t["uniqueName"].(string)
		r.ChangedBy = types.Identity{DisplayName: dn, UniqueName: un}
	case *types.Identity:
		r.ChangedBy = *t
	}
	if v, ok := fields["System.ChangedDate"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			r.ChangedDate = t
		}
	}
	return r
}
