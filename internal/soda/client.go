// Package soda implements the paginated client for the upstream Socrata
// (SODA) dataset portal. A single shared token-bucket limiter guards every
// outgoing request so parallel ingestors stay inside the portal's rate
// budget; transient failures retry with exponential backoff and honor
// server-provided Retry-After delays.
package soda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// PageSize is the fixed page size for offset paging. A page shorter than
// this ends the sequence.
const PageSize = 10000

// maxAttempts bounds retries on transient failures (1 initial + 5 retries).
const maxAttempts = 6

// Client fetches records from the portal. Safe for concurrent use.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
	limiter  *rate.Limiter
	pageSize int
}

// Option configures the client.
type Option func(*Client)

// WithPageSize overrides the page size (tests use small pages).
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a portal client. qps sets the shared token-bucket rate;
// appToken may be empty (anonymous, lower rate limit).
func New(baseURL, appToken string, qps float64, opts ...Option) *Client {
	if qps <= 0 {
		qps = 5
	}
	c := &Client{
		baseURL:  baseURL,
		appToken: appToken,
		http:     &http.Client{Timeout: 120 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(qps), int(qps)+1),
		pageSize: PageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query narrows a Fetch. Since filters SinceField (default data_as_of) to
// rows at or after the given instant.
type Query struct {
	Where      string
	Order      string
	Since      time.Time
	SinceField string
}

// Fetch returns a lazy cursor over all records of the dataset matching q.
// Pages are pulled on demand; the sequence ends when a short page arrives.
func (c *Client) Fetch(datasetID string, q Query) *Cursor {
	return &Cursor{client: c, datasetID: datasetID, query: q}
}

// Cursor iterates over records page by page.
//
//	cur := client.Fetch(id, soda.Query{})
//	for cur.Next(ctx) {
//	    rec := cur.Record()
//	    ...
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	client    *Client
	datasetID string
	query     Query

	page    []Record
	pos     int
	offset  int
	done    bool
	err     error
	started bool
}

// Next advances the cursor. It returns false at the end of the sequence or
// on error; check Err afterwards.
func (cur *Cursor) Next(ctx context.Context) bool {
	if cur.err != nil {
		return false
	}
	cur.pos++
	if cur.started && cur.pos < len(cur.page) {
		return true
	}
	if cur.started && cur.done {
		return false
	}
	page, err := cur.client.fetchPage(ctx, cur.datasetID, cur.query, cur.offset)
	if err != nil {
		cur.err = err
		return false
	}
	cur.started = true
	cur.page = page
	cur.pos = 0
	cur.offset += len(page)
	cur.done = len(page) < cur.client.pageSize
	return len(page) > 0
}

// Record returns the current record. Valid only after Next returned true.
func (cur *Cursor) Record() Record { return cur.page[cur.pos] }

// Err returns the first error the cursor hit, if any.
func (cur *Cursor) Err() error { return cur.err }

// fetchPage retrieves one page, retrying transient failures with
// exponential backoff (base 1s, factor 2, jitter, max 6 attempts).
func (c *Client) fetchPage(ctx context.Context, datasetID string, q Query, offset int) ([]Record, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		page, err := c.doPage(ctx, datasetID, q, offset)
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err

		wait := bo.NextBackOff()
		var te *TransientError
		if errors.As(err, &te) && te.RetryAfter > 0 {
			wait = te.RetryAfter
		}
		log.Warn().Err(err).
			Str("dataset", datasetID).
			Int("offset", offset).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Transient fetch failure, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("dataset %s: retries exhausted: %w", datasetID, lastErr)
}

// doPage performs a single page request without retrying.
func (c *Client) doPage(ctx context.Context, datasetID string, q Query, offset int) ([]Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/resource/%s.json", c.baseURL, datasetID)
	params := url.Values{}
	params.Set("$limit", strconv.Itoa(c.pageSize))
	params.Set("$offset", strconv.Itoa(offset))

	where := q.Where
	if !q.Since.IsZero() {
		field := q.SinceField
		if field == "" {
			field = "data_as_of"
		}
		since := fmt.Sprintf("%s >= '%s'", field, FormatTime(q.Since))
		if where != "" {
			where = "(" + where + ") AND " + since
		} else {
			where = since
		}
	}
	if where != "" {
		params.Set("$where", where)
	}
	order := q.Order
	if order == "" {
		order = ":id"
	}
	params.Set("$order", order)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &FatalError{Op: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: "fetch " + datasetID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "read " + datasetID, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{
			Op:         "fetch " + datasetID,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Op: "fetch " + datasetID, StatusCode: resp.StatusCode}
	default:
		return nil, &FatalError{Op: "fetch " + datasetID, StatusCode: resp.StatusCode}
	}

	var page []Record
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &FatalError{Op: "decode " + datasetID, Err: err}
	}
	return page, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
