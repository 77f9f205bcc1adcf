package queryexec

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

// recentRevisionCount bounds the revision metadata kept per package.
const recentRevisionCount = 10

// fetchFullPackages retrieves per-item comments, recent revision metadata,
// and relation details. Costs 2-3 extra API calls per item, which is why
// the executor warns above the threshold.
func (e *Executor) fetchFullPackages(ctx context.Context, snaps []*types.WorkItemSnapshot, ids []int) (map[int]*types.WorkItemPackage, error) {
	snapByID := make(map[int]*types.WorkItemSnapshot, len(snaps))
	for _, s := range snaps {
		snapByID[s.ID] = s
	}

	pkgs := make(map[int]*types.WorkItemPackage, len(ids))
	sem := semaphore.NewWeighted(int64(e.stalenessFanOut))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer sem.Release(1)
			pkg, err := e.fetchOnePackage(ctx, id, snapByID[id])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			pkgs[id] = pkg
		}(id)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return pkgs, nil
}

func (e *Executor) fetchOnePackage(ctx context.Context, id int, snap *types.WorkItemSnapshot) (*types.WorkItemPackage, error) {
	// Single-item read for relations and the authoritative rev; the batch
	// endpoint can't expand relations alongside a field list.
	full, err := ado.GetWorkItem(ctx, e.client, id)
	if err != nil {
		return nil, err
	}

	comments, err := ado.ListComments(ctx, e.client, id)
	if err != nil {
		return nil, err
	}

	revs, err := e.fetchRecentRevisionMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	pkg := &types.WorkItemPackage{
		Snapshot:  *full,
		Comments:  comments,
		Revisions: revs,
	}
	if snap != nil {
		// Keep the batch-read field bundle; the expanded read wins on
		// relations and rev.
		for k, v := range snap.Fields {
			if _, ok := pkg.Snapshot.Fields[k]; !ok {
				pkg.Snapshot.Fields[k] = v
			}
		}
	}
	return pkg, nil
}

type revisionMetaResponse struct {
	Value []struct {
		Rev    int            `json:"rev"`
		Fields map[string]any `json:"fields"`
	} `json:"value"`
}

func (e *Executor) fetchRecentRevisionMeta(ctx context.Context, id int) ([]types.RevisionMeta, error) {
	var resp revisionMetaResponse
	if err := e.client.GetJSON(ctx, ado.RevisionsPath(id, recentRevisionCount, 0), &resp); err != nil {
		return nil, err
	}
	out := make([]types.RevisionMeta, 0, len(resp.Value))
	for _, v := range resp.Value {
		meta := types.RevisionMeta{Rev: v.Rev}
		if m, ok := v.Fields["System.ChangedBy"].(map[string]any); ok {
			dn, _ := m["displayName"].(string)
			un, _ := m["uniqueName"].(string)
			meta.ChangedBy = types.Identity{DisplayName: dn, UniqueName: un}
		}
		meta.ChangedDate = timeField(v.Fields, "System.ChangedDate")
		out = append(out, meta)
	}
	return out, nil
}
