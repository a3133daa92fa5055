package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alvarorichard/hlsfetch/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
}

func testFetcher(server *httptest.Server, attempts int) *Fetcher {
	return &Fetcher{
		Client:         server.Client(),
		Policy:         fastPolicy(attempts),
		RequestTimeout: 5 * time.Second,
	}
}

func TestFetchSegmentRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer server.Close()

	f := testFetcher(server, 3)
	body, err := f.FetchSegment(context.Background(), manifest.SegmentDescriptor{Seq: 7, URI: server.URL})
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-bytes"), body)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchSegmentExhaustsBudget(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := testFetcher(server, 3)
	_, err := f.FetchSegment(context.Background(), manifest.SegmentDescriptor{Seq: 7, URI: server.URL})

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, uint64(7), fetchErr.Seq)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.Status)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchSegmentPermanentFailureSkipsRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := testFetcher(server, 5)
	_, err := f.FetchSegment(context.Background(), manifest.SegmentDescriptor{Seq: 1, URI: server.URL})

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.Status)
	assert.Equal(t, 1, fetchErr.Attempts, "a permanent status costs a single attempt")
	assert.Equal(t, int32(1), hits.Load(), "4xx responses must not be retried")
}

func TestFetchSegmentRetriesTooManyRequests(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := testFetcher(server, 3)
	body, err := f.FetchSegment(context.Background(), manifest.SegmentDescriptor{Seq: 0, URI: server.URL})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchSegmentHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := testFetcher(server, 3)
	_, err := f.FetchSegment(ctx, manifest.SegmentDescriptor{Seq: 0, URI: server.URL})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchSendsHeaders(t *testing.T) {
	var gotReferer, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := testFetcher(server, 1)
	f.Headers = map[string]string{"Referer": "https://example.com/"}
	_, err := f.FetchURL(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", gotReferer)
	assert.NotEmpty(t, gotUA)
}

func TestBackoffStrictlyIncreasesUntilCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(20))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
