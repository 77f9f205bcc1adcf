// Package ado is a typed HTTP client for the Azure DevOps REST API,
// scoped to one (organization, project) pair. It owns URL composition,
// bearer-token injection, the error taxonomy, and the retry policy;
// everything above it works with decoded JSON and typed errors.
package ado

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/handlebar/internal/debug"
	"github.com/steveyegge/handlebar/internal/types"
)

const (
	// DefaultAPIVersion is appended to every request that doesn't carry one.
	DefaultAPIVersion = "7.1"

	// ContentTypeJSONPatch is the PATCH body content type for field updates.
	ContentTypeJSONPatch = "application/json-patch+json"
	// ContentTypeJSON is everything else.
	ContentTypeJSON = "application/json"

	defaultGetTimeout    = 30 * time.Second
	defaultMutateTimeout = 60 * time.Second

	maxReadAttempts = 3
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 5 * time.Second
)

// Client is the typed REST surface consumed by the executor, the staleness
// fetcher, and the bulk engine. Implementations must be safe for
// concurrent use.
type Client interface {
	// GetJSON issues a GET against relPath and decodes the response into out.
	GetJSON(ctx context.Context, relPath string, out any) error
	// PostJSON issues a POST with a JSON body.
	PostJSON(ctx context.Context, relPath string, body, out any) error
	// PatchJSON issues a PATCH. contentType defaults to json-patch when empty.
	PatchJSON(ctx context.Context, relPath string, body, out any, contentType string) error
	// DeleteJSON issues a DELETE.
	DeleteJSON(ctx context.Context, relPath string, out any) error

	// Organization and Project identify the fixed scope of this client.
	Organization() string
	Project() string
}

// HTTPClient is the production Client. Stateless beyond the token cache.
type HTTPClient struct {
	org     string
	project string
	baseURL string
	http    *http.Client
	tokens  *tokenCache
	clock   types.Clock
	log     *logrus.Entry

	getTimeout    time.Duration
	mutateTimeout time.Duration
}

// Options configures an HTTPClient beyond its required scope.
type Options struct {
	// BaseURL overrides https://dev.azure.com (tests, sovereign clouds).
	BaseURL string
	// HTTPClient overrides the underlying transport.
	HTTPClient *http.Client
	Clock      types.Clock
	Logger     *logrus.Logger

	GetTimeout    time.Duration
	MutateTimeout time.Duration
}

// NewClient builds a client scoped to (organization, project).
func NewClient(org, project string, tokens TokenProvider, opts Options) *HTTPClient {
	base := opts.BaseURL
	if base == "" {
		base = "https://dev.azure.com"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	getTO := opts.GetTimeout
	if getTO <= 0 {
		getTO = defaultGetTimeout
	}
	mutTO := opts.MutateTimeout
	if mutTO <= 0 {
		mutTO = defaultMutateTimeout
	}
	return &HTTPClient{
		org:           org,
		project:       project,
		baseURL:       strings.TrimSuffix(base, "/"),
		http:          hc,
		tokens:        newTokenCache(tokens, clock),
		clock:         clock,
		log:           logger.WithField("component", "ado"),
		getTimeout:    getTO,
		mutateTimeout: mutTO,
	}
}

func (c *HTTPClient) Organization() string { return c.org }
func (c *HTTPClient) Project() string      { return c.project }

// GetJSON retries NETWORK/UPSTREAM/RATE_LIMIT failures up to three
// attempts with exponential backoff (base 500ms, cap 5s, jitter).
func (c *HTTPClient) GetJSON(ctx context.Context, relPath string, out any) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, relPath, nil, out, "", c.getTimeout)
		if err == nil {
			return nil
		}
		if retryableForRead(err) && attempt < maxReadAttempts {
			c.log.Debugf("GET %s attempt %d failed, will retry: %v", relPath, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(c.newBackoff(), ctx)
	return backoff.Retry(op, bo)
}

// PostJSON retries only transport failures.
func (c *HTTPClient) PostJSON(ctx context.Context, relPath string, body, out any) error {
	return c.mutate(ctx, http.MethodPost, relPath, body, out, ContentTypeJSON)
}

// PatchJSON retries only transport failures. contentType defaults to
// application/json-patch+json, the ADO field-update body format.
func (c *HTTPClient) PatchJSON(ctx context.Context, relPath string, body, out any, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeJSONPatch
	}
	return c.mutate(ctx, http.MethodPatch, relPath, body, out, contentType)
}

// DeleteJSON retries only transport failures.
func (c *HTTPClient) DeleteJSON(ctx context.Context, relPath string, out any) error {
	return c.mutate(ctx, http.MethodDelete, relPath, nil, out, "")
}

func (c *HTTPClient) mutate(ctx context.Context, method, relPath string, body, out any, contentType string) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, method, relPath, body, out, contentType, c.mutateTimeout)
		if err == nil {
			return nil
		}
		if retryableForWrite(err) && attempt < maxReadAttempts {
			c.log.Debugf("%s %s attempt %d failed on transport, will retry: %v", method, relPath, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(c.newBackoff(), ctx)
	return backoff.Retry(op, bo)
}

func (c *HTTPClient) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0 // attempt count is enforced by the caller
	return bo
}

// do performs one HTTP round trip: compose URL, attach bearer, send,
// map the status code, decode. A 401 invalidates the token cache and is
// retried once with a fresh token before surfacing AUTH.
func (c *HTTPClient) do(ctx context.Context, method, relPath string, body, out any, contentType string, timeout time.Duration) error {
	err := c.roundTrip(ctx, method, relPath, body, out, contentType, timeout)
	if err != nil && IsCategory(err, CategoryAuth) {
		c.tokens.invalidate()
		c.log.Debugf("%s %s got 401, refreshing token and retrying once", method, relPath)
		err = c.roundTrip(ctx, method, relPath, body, out, contentType, timeout)
	}
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, relPath string, body, out any, contentType string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	absURL, err := c.composeURL(relPath)
	if err != nil {
		return NewError(CategoryValidation, "bad request path %q: %v", relPath, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return NewError(CategoryValidation, "encode request body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, absURL, reader)
	if err != nil {
		return NewError(CategoryValidation, "build request: %v", err)
	}
	tok, err := c.tokens.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", ContentTypeJSON)
	if body != nil {
		if contentType == "" {
			contentType = ContentTypeJSON
		}
		req.Header.Set("Content-Type", contentType)
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Category: CategoryNetwork, Message: fmt.Sprintf("%s %s: timeout after %v", method, relPath, timeout), wrapped: ctx.Err()}
		}
		return WrapNetwork(err)
	}
	defer resp.Body.Close()
	debug.Logf("ado: %s %s -> %d in %v\n", method, relPath, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(method, relPath, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Category: CategoryUpstream, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("decode response for %s %s: %v", method, relPath, err), wrapped: err}
	}
	return nil
}

// composeURL joins the org/project scope and appends api-version when the
// path doesn't already pin one.
func (c *HTTPClient) composeURL(relPath string) (string, error) {
	relPath = strings.TrimPrefix(relPath, "/")
	raw := fmt.Sprintf("%s/%s/%s/_apis/%s", c.baseURL, url.PathEscape(c.org), url.PathEscape(c.project), relPath)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("api-version") == "" {
		q.Set("api-version", DefaultAPIVersion)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// adoErrorBody is the standard ADO error response shape.
type adoErrorBody struct {
	Message   string `json:"message"`
	TypeKey   string `json:"typeKey"`
	ErrorCode int    `json:"errorCode"`
}

func (c *HTTPClient) decodeError(method, relPath string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body adoErrorBody
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	e := &Error{
		Category:     categoryForStatus(resp.StatusCode),
		StatusCode:   resp.StatusCode,
		ADOErrorCode: body.TypeKey,
		Message:      fmt.Sprintf("%s %s: %s", method, relPath, msg),
	}
	if e.Category == CategoryRateLimit {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return e
}
