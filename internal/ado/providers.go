package ado

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// StaticTokenProvider wraps a personal access token. ADO accepts PATs
// directly in the Bearer header. The token never expires from the cache's
// point of view; a revoked PAT surfaces as AUTH on the next call.
type StaticTokenProvider struct {
	PAT string
}

func (p StaticTokenProvider) GetToken(ctx context.Context, resource string) (Token, error) {
	if p.PAT == "" {
		return Token{}, fmt.Errorf("personal access token is empty")
	}
	return Token{Value: p.PAT}, nil
}

// AzureCLIProvider acquires tokens through `az account get-access-token`.
// Requires a logged-in Azure CLI on the host.
type AzureCLIProvider struct{}

type azTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresOn   string `json:"expiresOn"`
}

func (AzureCLIProvider) GetToken(ctx context.Context, resource string) (Token, error) {
	cmd := exec.CommandContext(ctx, "az", "account", "get-access-token",
		"--resource", resource, "--output", "json")
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return Token{}, fmt.Errorf("az account get-access-token: %v (%s)", err, stderr)
	}
	var resp azTokenResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Token{}, fmt.Errorf("parse az token response: %w", err)
	}
	if resp.AccessToken == "" {
		return Token{}, fmt.Errorf("az returned an empty access token")
	}
	tok := Token{Value: resp.AccessToken}
	// az prints local time without a zone, e.g. "2026-08-24 11:30:00.000000".
	if t, err := time.ParseInLocation("2006-01-02 15:04:05.000000", resp.ExpiresOn, time.Local); err == nil {
		tok.ExpiresAt = t
	}
	return tok, nil
}
