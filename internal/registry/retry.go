package registry

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/krustbuild/krust/internal/logging"
	"github.com/krustbuild/krust/internal/ocierrors"
)

const (
	maxRetries        = 3
	baseBackoff       = 500 * time.Millisecond
	backoffFactor     = 2
	jitterFraction    = 0.25
	maxRetryableAfter = 60 * time.Second
)

// retryTransport retries transient failures — transport errors other than
// auth failures, 408, 429, and 5xx responses — with exponential backoff, a
// ±25% jitter, and respect for a server-supplied Retry-After on 408/429/503,
// per spec.md §4.6.
type retryTransport struct {
	inner http.RoundTripper
	log   logging.Logger
}

func newRetryTransport(inner http.RoundTripper, log logging.Logger) http.RoundTripper {
	return &retryTransport{inner: inner, log: log}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptReq := cloneWithBody(req, body)
		resp, err = t.inner.RoundTrip(attemptReq)

		if attempt == maxRetries {
			break
		}

		retryable, wait := t.shouldRetry(resp, err)
		if !retryable {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}

		if wait <= 0 {
			wait = backoff(attempt)
		}
		t.log.Debugf("retrying %s %s after %s (attempt %d/%d)", req.Method, req.URL, wait, attempt+1, maxRetries)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
	return resp, err
}

func (t *retryTransport) shouldRetry(resp *http.Response, err error) (bool, time.Duration) {
	if err != nil {
		// An auth failure from the inner auth transport (a second 401, or a
		// rejected token exchange) is terminal, not transient.
		if ocierrors.KindOf(err) == ocierrors.Auth {
			return false, 0
		}
		return true, 0
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, retryAfter(resp)
	default:
		return resp.StatusCode >= 500, 0
	}
}

// retryAfter parses a Retry-After header (seconds form), capped so a
// misbehaving registry can't stall a build indefinitely.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryableAfter {
		d = maxRetryableAfter
	}
	return d
}

func backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(d) * jitter)
}
