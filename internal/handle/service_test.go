package handle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

// fakeClock is a settable clock shared by the service under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func newTestService(t *testing.T, ttl time.Duration, clock types.Clock) *Service {
	t.Helper()
	s := NewService(ttl, clock, nil)
	t.Cleanup(s.StopCleanup)
	return s
}

func testHandle(ids ...int) *types.QueryHandle {
	items := make([]types.ItemContext, len(ids))
	for i, id := range ids {
		items[i] = types.ItemContext{
			Index: i,
			ID:    id,
			Title: "item",
			State: "Active",
			Type:  "Bug",
		}
	}
	return &types.QueryHandle{
		OriginalQuery: "SELECT [System.Id] FROM WorkItems",
		Kind:          types.QueryKindWIQL,
		WorkItemIDs:   append([]int(nil), ids...),
		Items:         items,
	}
}

func TestStoreStampsAndIndexes(t *testing.T) {
	clock := newFakeClock()
	s := newTestService(t, time.Hour, clock)

	id, err := s.Store(testHandle(101, 102, 103))
	require.NoError(t, err)
	assert.True(t, IsHandleID(id))
	assert.Len(t, id, len("qh_")+26)

	h, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), h.ExpiresAt)
	assert.Equal(t, 3, h.Selection.SelectableCount)
	require.NotNil(t, h.ContextByID[102])
	assert.Equal(t, 1, h.ContextByID[102].Index)
}

func TestStoreRejectsInvariantViolations(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())

	h := testHandle(101, 102)
	h.Items = h.Items[:1]
	_, err := s.Store(h)
	assert.Error(t, err, "ids and items must stay parallel")

	h = testHandle(101, 102)
	h.Items[1].ID = 999
	_, err = s.Store(h)
	assert.Error(t, err, "item id must match ids slice")

	h = testHandle(101, 102)
	h.Items[1].Index = 7
	_, err = s.Store(h)
	assert.Error(t, err, "item index must match position")
}

func TestStoreAcceptsEmptyResult(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())
	id, err := s.Store(testHandle())
	require.NoError(t, err)

	resolved, err := s.Resolve(id, types.SelectAll{})
	require.NoError(t, err)
	assert.Empty(t, resolved)

	resolved, err = s.Resolve(id, types.SelectIndices{})
	require.NoError(t, err)
	assert.Empty(t, resolved)

	// Anything that names items cannot match an empty result.
	_, err = s.Resolve(id, types.SelectCriteria{Criteria: types.Criteria{States: []string{"New"}}})
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryValidation))

	_, err = s.Resolve(id, types.SelectIndices{0})
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryValidation))
}

func TestGetExpiredNamesExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestService(t, time.Hour, clock)
	id, err := s.Store(testHandle(1))
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = s.Get(id)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = s.Get(id)
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryNotFound))
	assert.Contains(t, err.Error(), "expired")

	_, err = s.Get("qh_nosuchhandle")
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryNotFound))
	assert.NotContains(t, err.Error(), "expired")
}

func TestResolveAll(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())
	id, _ := s.Store(testHandle(7, 8, 9))

	resolved, err := s.Resolve(id, types.SelectAll{})
	require.NoError(t, err)
	assert.Equal(t, []ResolvedItem{{0, 7}, {1, 8}, {2, 9}}, resolved)
}

func TestResolveIndicesDedupsAndValidates(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())
	id, _ := s.Store(testHandle(7, 8, 9))

	resolved, err := s.Resolve(id, types.SelectIndices{2, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, []ResolvedItem{{2, 9}, {0, 7}}, resolved, "dedup preserves first occurrence order")

	_, err = s.Resolve(id, types.SelectIndices{0, 3})
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryValidation))
	assert.Contains(t, err.Error(), "out of range")
}

func TestResolveCriteria(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())
	h := testHandle(7, 8, 9)
	h.Items[1].State = "Closed"
	h.Items[2].Tags = []string{"tech-debt"}
	id, _ := s.Store(h)

	byState, err := s.Resolve(id, types.SelectCriteria{Criteria: types.Criteria{States: []string{"Active"}}})
	require.NoError(t, err)
	assert.Equal(t, []ResolvedItem{{0, 7}, {2, 9}}, byState)

	byTag, err := s.Resolve(id, types.SelectCriteria{Criteria: types.Criteria{TagsIncludeAny: []string{"tech-debt"}}})
	require.NoError(t, err)
	assert.Equal(t, []ResolvedItem{{2, 9}}, byTag)

	// Resolution is repeatable.
	again, err := s.Resolve(id, types.SelectCriteria{Criteria: types.Criteria{States: []string{"Active"}}})
	require.NoError(t, err)
	assert.Equal(t, byState, again)

	_, err = s.Resolve(id, types.SelectCriteria{Criteria: types.Criteria{TitleMatches: "["}})
	require.Error(t, err)
	assert.True(t, ado.IsCategory(err, ado.CategoryValidation))
}

func TestDescribeWithSelector(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())
	h := testHandle(7, 8, 9)
	h.Items[1].State = "Closed"
	id, _ := s.Store(h)

	sum, err := s.Describe(id, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ItemCount)
	assert.Nil(t, sum.SelectedCount)
	assert.Len(t, sum.Preview, 2)
	assert.Equal(t, 3600, sum.ExpiresInSecs)

	sum, err = s.Describe(id, 10, types.SelectCriteria{Criteria: types.Criteria{States: []string{"Closed"}}})
	require.NoError(t, err)
	require.NotNil(t, sum.SelectedCount)
	assert.Equal(t, 1, *sum.SelectedCount)
	require.Len(t, sum.Preview, 1)
	assert.Equal(t, 8, sum.Preview[0].ID)
}

func TestListNewestFirstSkipsExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestService(t, time.Hour, clock)

	first, _ := s.Store(testHandle(1))
	clock.Advance(10 * time.Minute)
	second, _ := s.Store(testHandle(2))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].HandleID)
	assert.Equal(t, first, list[1].HandleID)

	clock.Advance(55 * time.Minute) // first is now past TTL
	list = s.List()
	require.Len(t, list, 1)
	assert.Equal(t, second, list[0].HandleID)
}

func TestEvictionHookFires(t *testing.T) {
	s := newTestService(t, time.Hour, newFakeClock())
	var evicted []string
	s.OnEvict(func(id string) { evicted = append(evicted, id) })

	a, _ := s.Store(testHandle(1))
	b, _ := s.Store(testHandle(2))
	s.ClearAll()

	assert.ElementsMatch(t, []string{a, b}, evicted)
	_, err := s.Get(a)
	assert.Error(t, err)
}

func TestSweepExpiredEvicts(t *testing.T) {
	clock := newFakeClock()
	s := newTestService(t, time.Hour, clock)
	var evicted []string
	s.OnEvict(func(id string) { evicted = append(evicted, id) })

	id, _ := s.Store(testHandle(1))
	clock.Advance(2 * time.Hour)
	s.sweepExpired()

	assert.Equal(t, []string{id}, evicted)
}

func TestHandleIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newHandleID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
