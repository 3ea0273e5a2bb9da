// Package notion is the read-mostly Notion REST adapter. All mutating calls
// pass through a write guard that defaults to protected: unless the guard is
// explicitly disabled in config, CreatePage and UpdatePage fail with
// ErrWriteProtected before any request leaves the process.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mnemo/internal/logging"
	"mnemo/internal/metrics"
)

const (
	baseURL    = "https://api.notion.com/v1"
	apiVersion = "2022-06-28"

	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryBase      = 1 * time.Second
)

// ErrWriteProtected is returned by every mutating method while the write
// guard is engaged.
var ErrWriteProtected = errors.New("notion write protection is enabled")

// WriteGuard vetoes mutating calls. The zero value is engaged (protected);
// the only way to get a permissive guard is AllowWrites.
type WriteGuard struct {
	writesAllowed bool
}

// AllowWrites returns a guard that lets mutations through. Callers reach this
// only via the explicit write_protection=false config path.
func AllowWrites() WriteGuard {
	return WriteGuard{writesAllowed: true}
}

// Check returns ErrWriteProtected unless writes were explicitly allowed.
func (g WriteGuard) Check(op string) error {
	if g.writesAllowed {
		return nil
	}
	logging.SyncWarn("Blocked notion %s: write protection enabled", op)
	return fmt.Errorf("%s: %w", op, ErrWriteProtected)
}

// Client talks to the Notion REST API. Reads are rate-limited to Notion's
// published average (3 req/s by default), retried on transient failures, and
// fronted by a circuit breaker so a dead API fails fast instead of burning
// the retry budget on every page.
type Client struct {
	token   string
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	guard   WriteGuard
}

// NewClient builds a client. ratePerSec <= 0 falls back to 3 req/s.
func NewClient(token string, ratePerSec float64, guard WriteGuard) *Client {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	return &Client{
		token:   token,
		base:    baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notion",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.SyncWarn("Notion circuit breaker: %s -> %s", from, to)
			},
		}),
		guard: guard,
	}
}

// Configured reports whether the client has an API token.
func (c *Client) Configured() bool {
	return c != nil && c.token != ""
}

// =============================================================================
// QUERY (database pagination)
// =============================================================================

// Page is one raw Notion page: id, last edit time, and the untouched
// properties JSON. The sync engine stages Properties verbatim; transformation
// happens later, against the staging table.
type Page struct {
	ID             string          `json:"id"`
	LastEditedTime time.Time       `json:"last_edited_time"`
	Properties     json.RawMessage `json:"properties"`
}

// QueryResult is one page of database query results.
type QueryResult struct {
	Pages      []Page
	NextCursor string
	HasMore    bool
}

type queryRequest struct {
	StartCursor string       `json:"start_cursor,omitempty"`
	PageSize    int          `json:"page_size,omitempty"`
	Filter      *queryFilter `json:"filter,omitempty"`
	Sorts       []querySort  `json:"sorts,omitempty"`
}

type queryFilter struct {
	Timestamp      string            `json:"timestamp"`
	LastEditedTime map[string]string `json:"last_edited_time"`
}

type querySort struct {
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
}

type queryResponse struct {
	Results    []Page `json:"results"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// QueryDatabase pulls one page of results from a database, resuming at cursor
// (empty = first page). A non-nil sinceWatermark narrows the pull to pages
// edited on or after the watermark, sorted oldest-edit-first so the caller's
// watermark only ever moves forward.
func (c *Client) QueryDatabase(ctx context.Context, databaseID, cursor string, sinceWatermark *time.Time) (*QueryResult, error) {
	req := queryRequest{
		StartCursor: cursor,
		PageSize:    100,
		Sorts: []querySort{
			{Timestamp: "last_edited_time", Direction: "ascending"},
		},
	}
	if sinceWatermark != nil {
		req.Filter = &queryFilter{
			Timestamp: "last_edited_time",
			LastEditedTime: map[string]string{
				"on_or_after": sinceWatermark.UTC().Format(time.RFC3339),
			},
		}
	}

	var resp queryResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/databases/%s/query", databaseID), req, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to query database %s: %w", databaseID, err)
	}
	return &QueryResult{
		Pages:      resp.Results,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}, nil
}

// GetPage fetches a single page by id.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var p Page
	if err := c.do(ctx, http.MethodGet, "/pages/"+pageID, nil, &p); err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", pageID, err)
	}
	return &p, nil
}

// =============================================================================
// MUTATIONS (guarded)
// =============================================================================

// CreatePage creates a page in the given database. Vetoed by the write guard.
func (c *Client) CreatePage(ctx context.Context, databaseID string, properties map[string]interface{}) (*Page, error) {
	if err := c.guard.Check("create page"); err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": properties,
	}
	var p Page
	if err := c.do(ctx, http.MethodPost, "/pages", body, &p); err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &p, nil
}

// UpdatePage patches page properties. Vetoed by the write guard.
func (c *Client) UpdatePage(ctx context.Context, pageID string, properties map[string]interface{}) (*Page, error) {
	if err := c.guard.Check("update page"); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"properties": properties}
	var p Page
	if err := c.do(ctx, http.MethodPatch, "/pages/"+pageID, body, &p); err != nil {
		return nil, fmt.Errorf("failed to update page %s: %w", pageID, err)
	}
	return &p, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("notion API error %d (%s): %s", e.Status, e.Code, e.Message)
}

// retryable reports whether an error warrants another attempt: timeouts,
// 429 and 5xx only. 4xx (auth, validation, not found) are permanent.
func retryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// do performs one API call with rate limiting, circuit breaking, and
// bounded retry on transient failures.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.token == "" {
		return fmt.Errorf("notion token is not configured")
	}

	attempt := 0
	operation := func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		if attempt > 1 {
			metrics.SyncRetriesTotal.WithLabelValues("notion").Inc()
			logging.SyncDebug("Retrying notion %s %s (attempt %d)", method, path, attempt)
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, method, path, body, out)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("notion circuit open: %w", err))
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = 2
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxRetries))
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
