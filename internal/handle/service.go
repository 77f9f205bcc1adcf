// Package handle stores immutable query snapshots under opaque, TTL-bounded
// ids so agents can name result sets without carrying work-item ids between
// turns. The map is process-wide state guarded by a read-many/write-rare
// lock; a background sweeper evicts expired handles at most once a minute.
package handle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

const (
	// DefaultTTL is how long a handle lives unless configured otherwise.
	DefaultTTL = time.Hour
	// sweepInterval is how often the sweeper scans for expired handles.
	sweepInterval = time.Minute
)

// Service owns the handle map. Handles are read-only after Store; reads
// observe a consistent immutable snapshot.
type Service struct {
	ttl   time.Duration
	clock types.Clock
	log   *logrus.Entry

	mu      sync.RWMutex
	handles map[string]*types.QueryHandle

	// onEvict is invoked (outside the lock) for every expired or cleared
	// handle, letting the history store drop its logs in step.
	onEvict func(handleID string)

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewService builds a handle service and starts its sweeper.
func NewService(ttl time.Duration, clock types.Clock, logger *logrus.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		ttl:       ttl,
		clock:     clock,
		log:       logger.WithField("component", "handle"),
		handles:   make(map[string]*types.QueryHandle),
		sweepStop: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// OnEvict registers the eviction hook. Call before serving traffic.
func (s *Service) OnEvict(fn func(handleID string)) {
	s.onEvict = fn
}

// Store stamps the snapshot with an id, creation and expiry times, and
// selection metadata, then publishes it. The snapshot must already satisfy
// the parallel-slice invariants; Store verifies them and rejects violations.
func (s *Service) Store(h *types.QueryHandle) (string, error) {
	if err := checkInvariants(h); err != nil {
		return "", err
	}
	now := s.clock.Now()
	h.ID = newHandleID()
	h.CreatedAt = now
	h.ExpiresAt = now.Add(s.ttl)
	h.Selection = BuildSelectionMetadata(h.Items)

	byID := make(map[int]*types.ItemContext, len(h.Items))
	for i := range h.Items {
		byID[h.Items[i].ID] = &h.Items[i]
	}
	h.ContextByID = byID

	s.mu.Lock()
	s.handles[h.ID] = h
	count := len(s.handles)
	s.mu.Unlock()

	s.log.Debugf("stored handle %s: %d items, expires %s (%d live)", h.ID, len(h.WorkItemIDs), h.ExpiresAt.Format(time.RFC3339), count)
	return h.ID, nil
}

// Get returns the handle iff present and not expired. Expired or unknown
// handles return NOT_FOUND; expired ones name their expiry time so the
// caller knows to re-query rather than retry.
func (s *Service) Get(handleID string) (*types.QueryHandle, error) {
	s.mu.RLock()
	h, ok := s.handles[handleID]
	s.mu.RUnlock()
	if !ok {
		return nil, ado.NewError(ado.CategoryNotFound, "unknown query handle %q; run a new query to obtain one", handleID)
	}
	if h.Expired(s.clock.Now()) {
		return nil, ado.NewError(ado.CategoryNotFound, "query handle %q expired at %s; re-run the query for a fresh handle", handleID, h.ExpiresAt.Format(time.RFC3339))
	}
	return h, nil
}

// ResolvedItem is one (index, id) pair produced by selector resolution.
type ResolvedItem struct {
	Index int `json:"index"`
	ID    int `json:"id"`
}

// Resolve maps a selector to the ordered (index, id) pairs it names.
// Resolution is pure and repeatable: the same selector against the same
// handle always yields the same sequence.
func (s *Service) Resolve(handleID string, sel types.Selector) ([]ResolvedItem, error) {
	h, err := s.Get(handleID)
	if err != nil {
		return nil, err
	}
	return resolveSelector(h, sel)
}

func resolveSelector(h *types.QueryHandle, sel types.Selector) ([]ResolvedItem, error) {
	switch v := sel.(type) {
	case types.SelectAll:
		out := make([]ResolvedItem, len(h.WorkItemIDs))
		for i, id := range h.WorkItemIDs {
			out[i] = ResolvedItem{Index: i, ID: id}
		}
		return out, nil

	case types.SelectIndices:
		seen := make(map[int]bool, len(v))
		out := make([]ResolvedItem, 0, len(v))
		for _, idx := range v {
			if idx < 0 || idx >= len(h.WorkItemIDs) {
				return nil, ado.NewError(ado.CategoryValidation,
					"invalid selector: index %d out of range [0,%d) for handle %s", idx, len(h.WorkItemIDs), h.ID)
			}
			if seen[idx] {
				continue
			}
			seen[idx] = true
			out = append(out, ResolvedItem{Index: idx, ID: h.WorkItemIDs[idx]})
		}
		return out, nil

	case types.SelectCriteria:
		if len(h.Items) == 0 {
			return nil, ado.NewError(ado.CategoryValidation,
				"invalid selector: handle %s holds no items; only \"all\" or [] select against an empty result", h.ID)
		}
		c := v.Criteria
		if err := c.Compile(); err != nil {
			return nil, ado.NewError(ado.CategoryValidation, "invalid selector: %v", err)
		}
		var out []ResolvedItem
		for i := range h.Items {
			if c.Matches(&h.Items[i]) {
				out = append(out, ResolvedItem{Index: i, ID: h.Items[i].ID})
			}
		}
		return out, nil

	default:
		return nil, ado.NewError(ado.CategoryValidation, "invalid selector: unsupported selector type %T", sel)
	}
}

// Summary is what Describe returns: enough for an agent to inspect a
// handle without re-querying ADO.
type Summary struct {
	HandleID       string                  `json:"handle_id"`
	ItemCount      int                     `json:"item_count"`
	CreatedAt      time.Time               `json:"created_at"`
	ExpiresAt      time.Time               `json:"expires_at"`
	ExpiresInSecs  int                     `json:"expires_in_seconds"`
	Query          string                  `json:"original_query"`
	Kind           types.QueryKind         `json:"query_kind"`
	Selection      types.SelectionMetadata `json:"selection_metadata"`
	Analysis       types.AnalysisMetadata  `json:"analysis_metadata"`
	SelectedCount  *int                    `json:"selected_count,omitempty"`
	Preview        []types.ItemContext     `json:"preview"`
	PreviewOfTotal int                     `json:"preview_of_total"`
}

// Describe returns counts, histograms, expiry info, and a bounded preview.
// When a selector is supplied, the preview covers the selected subset and
// SelectedCount is populated.
func (s *Service) Describe(handleID string, previewCount int, sel types.Selector) (*Summary, error) {
	h, err := s.Get(handleID)
	if err != nil {
		return nil, err
	}
	if previewCount <= 0 {
		previewCount = 10
	}

	items := h.Items
	var selectedCount *int
	if sel != nil {
		resolved, err := resolveSelector(h, sel)
		if err != nil {
			return nil, err
		}
		n := len(resolved)
		selectedCount = &n
		picked := make([]types.ItemContext, 0, len(resolved))
		for _, r := range resolved {
			picked = append(picked, h.Items[r.Index])
		}
		items = picked
	}

	preview := items
	if len(preview) > previewCount {
		preview = preview[:previewCount]
	}
	now := s.clock.Now()
	return &Summary{
		HandleID:       h.ID,
		ItemCount:      len(h.WorkItemIDs),
		CreatedAt:      h.CreatedAt,
		ExpiresAt:      h.ExpiresAt,
		ExpiresInSecs:  int(h.ExpiresAt.Sub(now).Seconds()),
		Query:          h.OriginalQuery,
		Kind:           h.Kind,
		Selection:      h.Selection,
		Analysis:       h.Analysis,
		SelectedCount:  selectedCount,
		Preview:        append([]types.ItemContext(nil), preview...),
		PreviewOfTotal: len(items),
	}, nil
}

// List returns the ids and expiry of every live handle, newest first.
func (s *Service) List() []Summary {
	now := s.clock.Now()
	s.mu.RLock()
	out := make([]Summary, 0, len(s.handles))
	for _, h := range s.handles {
		if h.Expired(now) {
			continue
		}
		out = append(out, Summary{
			HandleID:      h.ID,
			ItemCount:     len(h.WorkItemIDs),
			CreatedAt:     h.CreatedAt,
			ExpiresAt:     h.ExpiresAt,
			ExpiresInSecs: int(h.ExpiresAt.Sub(now).Seconds()),
			Query:         h.OriginalQuery,
			Kind:          h.Kind,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ClearAll drops every handle. Test affordance; also wired to the admin
// surface so operators can flush state without a restart.
func (s *Service) ClearAll() {
	s.mu.Lock()
	dropped := make([]string, 0, len(s.handles))
	for id := range s.handles {
		dropped = append(dropped, id)
	}
	s.handles = make(map[string]*types.QueryHandle)
	s.mu.Unlock()
	for _, id := range dropped {
		s.evicted(id)
	}
}

// StopCleanup stops the sweeper goroutine. Test affordance and shutdown
// hook; safe to call more than once.
func (s *Service) StopCleanup() {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Service) sweepExpired() {
	now := s.clock.Now()
	s.mu.Lock()
	var expired []string
	for id, h := range s.handles {
		if h.Expired(now) {
			delete(s.handles, id)
			expired = append(expired, id)
		}
	}
	remaining := len(s.handles)
	s.mu.Unlock()

	if len(expired) > 0 {
		s.log.Debugf("swept %d expired handles (%d live)", len(expired), remaining)
	}
	for _, id := range expired {
		s.evicted(id)
	}
}

func (s *Service) evicted(id string) {
	if s.onEvict != nil {
		s.onEvict(id)
	}
}

func checkInvariants(h *types.QueryHandle) error {
	if len(h.WorkItemIDs) != len(h.Items) {
		return fmt.Errorf("handle invariant violated: %d ids vs %d contexts", len(h.WorkItemIDs), len(h.Items))
	}
	for i := range h.Items {
		if h.Items[i].Index != i {
			return fmt.Errorf("handle invariant violated: item at position %d has index %d", i, h.Items[i].Index)
		}
		if h.Items[i].ID != h.WorkItemIDs[i] {
			return fmt.Errorf("handle invariant violated: item at position %d has id %d, ids slice has %d", i, h.Items[i].ID, h.WorkItemIDs[i])
		}
	}
	return nil
}
