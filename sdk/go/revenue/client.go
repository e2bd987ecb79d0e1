package revenue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Revenue API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents user credentials used to obtain access tokens.
type Credentials struct {
	GrantType string   `json:"grant_type,omitempty"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Scope     []string `json:"scope,omitempty"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// JobSubmission represents the payload required to create a new job.
type JobSubmission struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobResult mirrors the execution result attached to finished jobs.
type JobResult struct {
	Summary    string         `json:"summary"`
	Output     map[string]any `json:"output,omitempty"`
	Records    int            `json:"records"`
	TotalCents int64          `json:"total_cents"`
	Currency   string         `json:"currency,omitempty"`
}

// Job contains the server side view of a submitted job.
type Job struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *JobResult     `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// JobStats aggregates job counters per status.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// Entry is a single revenue ledger record.
type Entry struct {
	ID          string `json:"id,omitempty"`
	Account     string `json:"account"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	OccurredAt  int64  `json:"occurred_at,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

// Summary aggregates entries per account and currency.
type Summary struct {
	Account    string `json:"account"`
	Currency   string `json:"currency"`
	Entries    int    `json:"entries"`
	TotalCents int64  `json:"total_cents"`
}

// ListJobsOptions narrows the result set of ListJobs.
type ListJobsOptions struct {
	Status string
	Type   string
	Limit  int
	Offset int
	Query  string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("revenue api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("revenue api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Revenue API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges user credentials for an access token and stores it
// for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitJob creates a new job. A client-supplied ID makes the call idempotent.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/tasks", submission, &job, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches job details by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	endpoint := "/api/v1/tasks/" + url.PathEscape(jobID)
	if err := c.get(ctx, endpoint, &job, true); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs returns jobs matching the supplied filters.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Type != "" {
		query.Set("type", opts.Type)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var listed struct {
		Tasks []Job `json:"tasks"`
	}
	if err := c.get(ctx, endpoint, &listed, true); err != nil {
		return nil, err
	}
	return listed.Tasks, nil
}

// Stats returns aggregated job counters.
func (c *Client) Stats(ctx context.Context) (JobStats, error) {
	var stats JobStats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats, true); err != nil {
		return JobStats{}, err
	}
	return stats, nil
}

// RecordEntries persists a batch of ledger entries synchronously.
func (c *Client) RecordEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	payload := struct {
		Entries []Entry `json:"entries"`
	}{Entries: entries}
	var recorded struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.post(ctx, "/api/v1/revenue/entries", payload, &recorded, true); err != nil {
		return nil, err
	}
	return recorded.Entries, nil
}

// RevenueSummary aggregates the ledger for the given account and window.
// Zero values for since/until leave the window unbounded on that side.
func (c *Client) RevenueSummary(ctx context.Context, account string, since, until int64) ([]Summary, error) {
	query := url.Values{}
	if account != "" {
		query.Set("account", account)
	}
	if since > 0 {
		query.Set("since", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		query.Set("until", strconv.FormatInt(until, 10))
	}
	endpoint := "/api/v1/revenue/summary"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var summarized struct {
		Summaries []Summary `json:"summaries"`
	}
	if err := c.get(ctx, endpoint, &summarized, true); err != nil {
		return nil, err
	}
	return summarized.Summaries, nil
}

// WaitForJob polls the job until it reaches a terminal state or the context
// is cancelled.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token. An empty token disables
// the Authorization header, which is the right mode against servers running
// with authentication turned off.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parts, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts.Path), RawQuery: parts.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
