package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"panelhub/internal/panel"
	"panelhub/internal/security"
	"panelhub/internal/types"
)

// maxBodyBytes caps a single node's subscription body.
const maxBodyBytes = 4 << 20

const maxRedirects = 3

// Fetcher downloads one node subscription body.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// HTTPFetcher fetches through one resilient client per host, so a failing
// panel trips only its own breaker.
type HTTPFetcher struct {
	timeout   time.Duration
	userAgent string
	opts      []panel.BaseClientOption
	guard     *security.Guard

	mu      sync.Mutex
	clients map[string]*panel.BaseClient
}

// NewHTTPFetcher creates an HTTPFetcher with a per-request timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, opts ...panel.BaseClientOption) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{timeout: timeout, userAgent: userAgent, opts: opts, clients: map[string]*panel.BaseClient{}}
}

// WithGuard makes every fetch dial through g, refusing internal addresses.
// Call it before the first Fetch.
func (f *HTTPFetcher) WithGuard(g *security.Guard) *HTTPFetcher {
	f.guard = g
	return f
}

func (f *HTTPFetcher) client(host string) *panel.BaseClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[host]
	if !ok {
		hc := &http.Client{Timeout: f.timeout}
		if f.guard != nil {
			hc = f.guard.Client(f.timeout, maxRedirects)
		}
		policy := panel.RetryPolicy{MaxRetries: 1, MinWait: 200 * time.Millisecond, MaxWait: time.Second}
		c = panel.NewBaseClient(hc, 0, policy, f.userAgent, f.opts...)
		f.clients[host] = c
	}
	return c
}

// Fetch returns the body of a 2xx/3xx response.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamSubscriptionFetch, "invalid subscription url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamSubscriptionFetch, "invalid subscription url", err)
	}
	resp, err := f.client(u.Host).Do(req)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamSubscriptionFetch, "subscription fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamSubscriptionFetch,
			fmt.Sprintf("subscription fetch returned %d", resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamSubscriptionFetch, "failed to read subscription body", err)
	}
	return string(body), nil
}
