// Package fetch performs the HTTP legwork of the download pipeline:
// rate-limited segment GETs with bounded retries, and key resolution.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alvarorichard/hlsfetch/internal/manifest"
	"github.com/alvarorichard/hlsfetch/internal/ratelimit"
	"github.com/alvarorichard/hlsfetch/internal/util"
)

// FetchError is the terminal failure of one segment: the retry budget was
// exhausted, or the origin answered with a permanent status.
type FetchError struct {
	Seq    uint64
	Status int
	// Attempts is how many HTTP attempts were actually spent: the full
	// budget for transient failures, a single one for permanent statuses.
	Attempts int
	Reason   string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("segment %d: %s (HTTP %d)", e.Seq, e.Reason, e.Status)
	}
	return fmt.Sprintf("segment %d: %s", e.Seq, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher downloads single resources with retries. It never touches disk;
// writing fetched bytes is the caller's responsibility.
type Fetcher struct {
	Client  *http.Client
	Headers map[string]string
	Policy  Policy
	Limiter *ratelimit.Limiter
	// RequestTimeout bounds each individual attempt. In-flight requests
	// are aborted through this deadline rather than forced interruption.
	RequestTimeout time.Duration
}

// NewFetcher returns a fetcher with the shared segment client and default
// retry policy.
func NewFetcher(limiter *ratelimit.Limiter, headers map[string]string) *Fetcher {
	return &Fetcher{
		Client:         util.SegmentClient(),
		Headers:        headers,
		Policy:         DefaultPolicy(),
		Limiter:        limiter,
		RequestTimeout: 2 * time.Minute,
	}
}

// FetchSegment downloads one segment's encrypted bytes.
func (f *Fetcher) FetchSegment(ctx context.Context, desc manifest.SegmentDescriptor) ([]byte, error) {
	body, status, attempts, err := f.fetch(ctx, desc.URI)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &FetchError{Seq: desc.Seq, Status: status, Attempts: attempts, Reason: err.Error(), Err: err}
	}
	return body, nil
}

// FetchURL downloads an arbitrary small resource (playlists, keys) under
// the same retry policy, bypassing the rate limiter.
func (f *Fetcher) FetchURL(ctx context.Context, url string) ([]byte, error) {
	body, _, _, err := withoutLimiter(f).fetch(ctx, url)
	return body, err
}

func withoutLimiter(f *Fetcher) *Fetcher {
	clone := *f
	clone.Limiter = nil
	return &clone
}

// fetch runs the attempt loop. The returned status is the last HTTP status
// seen (0 for transport-level failures), alongside the number of attempts
// actually made.
func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, int, int, error) {
	policy := f.Policy.normalized()
	client := f.Client
	if client == nil {
		client = util.SegmentClient()
	}

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, lastStatus, attempt, err
		}
		if attempt > 0 {
			if err := sleep(ctx, policy.Backoff(attempt-1)); err != nil {
				return nil, lastStatus, attempt, err
			}
		}
		if f.Limiter != nil {
			if err := f.Limiter.Acquire(ctx); err != nil {
				return nil, lastStatus, attempt, err
			}
		}

		body, status, err := f.attempt(ctx, client, url)
		if err == nil {
			return body, status, attempt + 1, nil
		}
		lastErr = err
		lastStatus = status
		if status != 0 && !retryable(status) {
			return nil, status, attempt + 1, err
		}
		util.Debugf("fetch attempt %d/%d failed for %s: %v", attempt+1, policy.MaxAttempts, url, err)
	}
	return nil, lastStatus, policy.MaxAttempts, fmt.Errorf("giving up after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	attemptCtx := ctx
	if f.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for key, value := range f.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", util.UserAgent)
	}

	resp, err := client.Do(req) // #nosec G704
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// retryable reports whether an HTTP status is worth another attempt:
// 429 and 5xx are transient, everything else in 4xx is permanent.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
