package ado

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider hands out sequential tokens so tests can observe
// refreshes.
type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) GetToken(ctx context.Context, resource string) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return Token{Value: fmt.Sprintf("tok-%d", p.calls)}, nil
}

func newTestClient(t *testing.T, handler http.Handler, provider TokenProvider) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if provider == nil {
		provider = StaticTokenProvider{PAT: "pat-123"}
	}
	return NewClient("myorg", "myproj", provider, Options{BaseURL: srv.URL})
}

func TestGetJSONComposesScopedURL(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]int{"id": 7})
	}), nil)

	var out struct {
		ID int `json:"id"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "wit/workitems/7", &out))
	assert.Equal(t, 7, out.ID)
	assert.Equal(t, "/myorg/myproj/_apis/wit/workitems/7", gotPath)
	assert.Contains(t, gotQuery, "api-version="+DefaultAPIVersion)
	assert.Equal(t, "Bearer pat-123", gotAuth)
}

func TestGetJSONPreservesPinnedAPIVersion(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte("{}"))
	}), nil)

	require.NoError(t, c.GetJSON(context.Background(), "wit/workitems/7/comments?api-version=7.1-preview.3", nil))
	assert.Contains(t, gotQuery, "api-version=7.1-preview.3")
	assert.NotContains(t, gotQuery, DefaultAPIVersion+"&")
}

func TestUnauthorizedRefreshesTokenAndRetriesOnce(t *testing.T) {
	provider := &countingProvider{}
	var seenTokens []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTokens = append(seenTokens, r.Header.Get("Authorization"))
		if len(seenTokens) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("{}"))
	}), provider)

	require.NoError(t, c.GetJSON(context.Background(), "wit/workitems/7", nil))
	require.Len(t, seenTokens, 2)
	assert.NotEqual(t, seenTokens[0], seenTokens[1], "retry must carry a fresh token")
	assert.Equal(t, 2, provider.calls)
}

func TestPersistentUnauthorizedSurfacesAuth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), &countingProvider{})

	err := c.GetJSON(context.Background(), "wit/workitems/7", nil)
	require.Error(t, err)
	assert.True(t, IsCategory(err, CategoryAuth))
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	err := c.PostJSON(context.Background(), "wit/wiql", map[string]string{"query": "SELECT"}, nil)
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CategoryRateLimit, ae.Category)
	assert.Equal(t, 30*time.Second, ae.RetryAfter)
	assert.Equal(t, 1, attempts, "rate-limited mutations are not retried")
}

func TestPatchDefaultsToJSONPatchContentType(t *testing.T) {
	var gotCT string
	var gotBody []PatchOpWire
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("{}"))
	}), nil)

	doc := GuardedPatch(3, ReplaceField("System.Title", "Renamed"))
	require.NoError(t, c.PatchJSON(context.Background(), WorkItemPath(7), doc, nil, ""))
	assert.Equal(t, ContentTypeJSONPatch, gotCT)
	require.Len(t, gotBody, 2)
	assert.Equal(t, "test", gotBody[0].Op)
	assert.Equal(t, "/rev", gotBody[0].Path)
	assert.Equal(t, "replace", gotBody[1].Op)
	assert.Equal(t, "/fields/System.Title", gotBody[1].Path)
}

// PatchOpWire mirrors the patch op shape for decoding in tests.
type PatchOpWire struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func TestErrorBodyMessageIsSurfaced(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"message": "The field 'System.Bogus' does not exist",
			"typeKey": "WorkItemFieldInvalidException",
		})
	}), nil)

	err := c.GetJSON(context.Background(), "wit/workitems/7", nil)
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CategoryBusiness, ae.Category)
	assert.Contains(t, ae.Message, "System.Bogus")
	assert.Equal(t, "WorkItemFieldInvalidException", ae.ADOErrorCode)
}

func TestMutationsDoNotRetryUpstreamFailures(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	err := c.PostJSON(context.Background(), "wit/wiql", map[string]string{"query": "SELECT"}, nil)
	require.Error(t, err)
	assert.True(t, IsCategory(err, CategoryUpstream))
	assert.Equal(t, 1, attempts)
}

func TestGetRetriesUpstreamFailures(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("{}"))
	}), nil)

	require.NoError(t, c.GetJSON(context.Background(), "wit/workitems/7", nil))
	assert.Equal(t, 3, attempts)
}
