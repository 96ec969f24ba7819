package httpclient

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/snapetech/nfosync/internal/logging"
)

// RetryPolicy controls retrying a request on 5xx responses. Mirrors the
// source's urllib3 Retry(total=3, backoff_factor=0.3, status_forcelist=[500,
// 502, 503, 504]): sleep = BackoffFactor * 2^attempt between tries.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor time.Duration
}

// DefaultRetryPolicy matches spec §4.B's transport contract: "retry 3
// attempts on 5xx with 0.3x exponential backoff".
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    3,
	BackoffFactor: 300 * time.Millisecond,
}

// DoWithRetry performs req, retrying on 5xx responses and on transport
// errors (connection reset, timeout) up to policy.MaxRetries additional
// times. 4xx responses are returned immediately without retry — the caller
// (media server client) distinguishes them from 5xx. Caller must close
// resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		r := req
		if attempt > 0 {
			var err error
			r, err = cloneRequest(ctx, req)
			if err != nil {
				return nil, err
			}
			wait := backoff(policy.BackoffFactor, attempt-1)
			logging.Warnf("httpclient: retrying %s %s (attempt %d/%d) after %s",
				req.Method, req.URL, attempt+1, policy.MaxRetries+1, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		resp, err := client.Do(r)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && resp.StatusCode < 600 && attempt < policy.MaxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = nil
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// backoff returns BackoffFactor * 2^attempt, matching the source's
// backoff_factor * (2 ** retry_number) urllib3 formula.
func backoff(factor time.Duration, attempt int) time.Duration {
	return time.Duration(float64(factor) * math.Pow(2, float64(attempt)))
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	var body io.ReadCloser
	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		body = b
	}
	r2, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	r2.ContentLength = req.ContentLength
	r2.GetBody = req.GetBody
	for k, v := range req.Header {
		r2.Header[k] = v
	}
	return r2, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
