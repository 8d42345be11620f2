// Package whiskyhunter is a client for the Whisky Hunter bottle/cask
// reference API used to enrich whiskey products.
package whiskyhunter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/sommelier/internal/resilience"
)

const defaultSearchPath = "/api/search"

// Client looks up reference records by product name.
type Client interface {
	SearchByName(ctx context.Context, name string) (*SearchResponse, error)
}

// SearchResponse carries the decoded body of a search call. Parsed is nil
// when the body is not JSON.
type SearchResponse struct {
	StatusCode int
	Body       []byte
	Parsed     any
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the maximum requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithSearchPath overrides the search endpoint path.
func WithSearchPath(path string) Option {
	return func(c *httpClient) {
		c.searchPath = path
	}
}

type httpClient struct {
	baseURL    string
	searchPath string
	http       *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// NewClient creates a Whisky Hunter client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("whisky_hunter", "search_by_name")
	c := &httpClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		searchPath: defaultSearchPath,
		http:       &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(2, 2),
		retry:      retry,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchByName(ctx context.Context, name string) (*SearchResponse, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eris.New("whiskyhunter: empty search name")
	}

	u := c.baseURL + c.searchPath + "?" + url.Values{"name": {name}}.Encode()

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*SearchResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "whiskyhunter: rate limit wait")
		}
		return c.get(ctx, u)
	})
}

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

func (c *httpClient) get(ctx context.Context, u string) (*SearchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "whiskyhunter: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "whiskyhunter: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "whiskyhunter: read response")
	}

	// 404 means no match: the response is still recorded.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		statusErr := eris.Errorf("whiskyhunter: unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	out := &SearchResponse{StatusCode: resp.StatusCode, Body: body}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		out.Parsed = parsed
	}
	return out, nil
}

// Raw returns the parsed body, falling back to the body text.
func (r *SearchResponse) Raw() any {
	if r.Parsed != nil {
		return r.Parsed
	}
	return string(r.Body)
}

// ExternalID extracts a reference identifier from the response, trying a
// top-level id, then data[0].id, then results[0].id.
func (r *SearchResponse) ExternalID() string {
	obj, ok := r.Parsed.(map[string]any)
	if !ok {
		return ""
	}
	for _, strategy := range externalIDStrategies {
		if id := strategy(obj); id != "" {
			return id
		}
	}
	return ""
}

var externalIDStrategies = []func(map[string]any) string{
	func(obj map[string]any) string { return idString(obj["id"]) },
	func(obj map[string]any) string { return firstID(obj["data"]) },
	func(obj map[string]any) string { return firstID(obj["results"]) },
}

func firstID(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	obj, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}
	return idString(obj["id"])
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
