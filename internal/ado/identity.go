package ado

import (
	"context"
	"fmt"
	"net/url"

	"github.com/steveyegge/handlebar/internal/types"
)

// Identity and repository lookups. Assign actions validate unique names
// here before composing a patch, so a typo fails fast with VALIDATION
// instead of a confusing ADO 400.

type identitySearchResponse struct {
	Count int `json:"count"`
	Value []struct {
		ID          string `json:"id"`
		DisplayName string `json:"providerDisplayName"`
		Properties  struct {
			Account struct {
				Value string `json:"$value"`
			} `json:"Account"`
		} `json:"properties"`
	} `json:"value"`
}

// ResolveIdentity looks up an identity by unique name (email). Returns
// NOT_FOUND when no identity matches.
func ResolveIdentity(ctx context.Context, c Client, uniqueName string) (*types.Identity, error) {
	if uniqueName == "" {
		return nil, NewError(CategoryValidation, "identity unique name is empty")
	}
	path := fmt.Sprintf("identities?searchFilter=General&filterValue=%s&api-version=7.1-preview.1",
		url.QueryEscape(uniqueName))
	var resp identitySearchResponse
	if err := c.GetJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	for _, v := range resp.Value {
		if v.Properties.Account.Value == uniqueName || v.DisplayName == uniqueName {
			return &types.Identity{
				DisplayName: v.DisplayName,
				UniqueName:  v.Properties.Account.Value,
				ID:          v.ID,
			}, nil
		}
	}
	return nil, NewError(CategoryNotFound, "no identity matches %q", uniqueName)
}

// Repository is a git repository in the project.
type Repository struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	WebURL        string `json:"webUrl,omitempty"`
}

type repositoryListResponse struct {
	Count int          `json:"count"`
	Value []Repository `json:"value"`
}

// ListRepositories returns the project's git repositories.
func ListRepositories(ctx context.Context, c Client) ([]Repository, error) {
	var resp repositoryListResponse
	if err := c.GetJSON(ctx, "git/repositories", &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}
