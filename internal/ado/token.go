package ado

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/handlebar/internal/types"
)

// ADOResourceID is the resource id used when acquiring Azure DevOps tokens.
const ADOResourceID = "499b84ac-1321-427f-aa17-267ca6975798"

// TokenProvider supplies bearer tokens for a resource. Implementations are
// external (Azure CLI, managed identity, PAT wrapper); the client only
// consumes the interface.
type TokenProvider interface {
	GetToken(ctx context.Context, resource string) (Token, error)
}

// Token is a bearer token with an optional known expiry. A zero ExpiresAt
// means the expiry is unknown and the token is reused until it fails.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// refreshSkew is how long before known expiry a cached token is discarded.
const refreshSkew = 2 * time.Minute

// tokenCache caches one token per resource and refreshes it before its
// known expiry or when the caller reports an AUTH response.
type tokenCache struct {
	provider TokenProvider
	clock    types.Clock

	mu    sync.Mutex
	token Token
}

func newTokenCache(provider TokenProvider, clock types.Clock) *tokenCache {
	return &tokenCache{provider: provider, clock: clock}
}

// bearer returns a cached token, fetching a fresh one if the cache is
// empty or within refreshSkew of expiry.
func (c *tokenCache) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value != "" {
		if c.token.ExpiresAt.IsZero() || c.clock.Now().Add(refreshSkew).Before(c.token.ExpiresAt) {
			return c.token.Value, nil
		}
	}
	tok, err := c.provider.GetToken(ctx, ADOResourceID)
	if err != nil {
		return "", &Error{Category: CategoryAuth, Message: fmt.Sprintf("token acquisition failed: %v", err), wrapped: err}
	}
	c.token = tok
	return tok.Value, nil
}

// invalidate drops the cached token so the next call refetches. Called on
// 401 responses.
func (c *tokenCache) invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}
