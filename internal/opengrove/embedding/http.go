package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/opengrove/opengrove/common/redact"
	"github.com/opengrove/opengrove/common/retry"
)

const (
	defaultTimeout = 30 * time.Second
	// maxErrorBody bounds how much of an error response ends up in an error.
	maxErrorBody = 512
)

// Transport tunes the HTTP behaviour shared by the remote providers.
type Transport struct {
	// Timeout is the per-request HTTP timeout. Defaults to 30 s.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64
	// Burst is the limiter's bucket size. Defaults to 1.
	Burst int
	// Retry controls retries of 429, 5xx and transport failures. The zero
	// value uses retry.DefaultConfig.
	Retry retry.Config
	// HTTPClient overrides the client, mostly for tests.
	HTTPClient *http.Client
}

type httpClient struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	retry    retry.Config
	secrets  []string
}

func newHTTPClient(provider string, t Transport, secrets ...string) *httpClient {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if t.RequestsPerSecond > 0 {
		limit = rate.Limit(t.RequestsPerSecond)
	}
	burst := t.Burst
	if burst <= 0 {
		burst = 1
	}

	cfg := t.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig
	}
	cfg.Label = "embedding " + provider

	return &httpClient{
		provider: provider,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		retry:    cfg,
		secrets:  secrets,
	}
}

// postJSON sends in as JSON to url and decodes the response into out,
// retrying throttled, server-side and transport failures.
func (c *httpClient) postJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding %s: marshal request: %w", c.provider, err)
	}

	return retry.Do(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("embedding %s: rate limiter: %w", c.provider, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("embedding %s: create request: %w", c.provider, err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("embedding %s: http request: %s", c.provider, redact.String(err.Error(), c.secrets...))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			err := fmt.Errorf("embedding %s: HTTP %d: %s", c.provider, resp.StatusCode,
				redact.String(string(bytes.TrimSpace(snippet)), c.secrets...))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return err
			}
			return retry.Permanent(err)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("embedding %s: decode response: %w", c.provider, err))
		}
		return nil
	})
}

// checkVectors verifies a batch response has one vector of dims per input.
func checkVectors(provider string, vecs [][]float32, n, dims int) error {
	if len(vecs) != n {
		return fmt.Errorf("embedding %s: got %d vectors for %d inputs", provider, len(vecs), n)
	}
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("embedding %s: vector %d has %d dimensions, want %d", provider, i, len(v), dims)
		}
	}
	return nil
}
