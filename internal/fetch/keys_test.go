package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyResolverFetchesOnce(t *testing.T) {
	var hits atomic.Int32
	key := []byte("0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(key)
	}))
	defer server.Close()

	r := NewKeyResolver(testFetcher(server, 3))

	got, err := r.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = r.Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	assert.Equal(t, int32(1), hits.Load(), "key must be cached for the operation")
}

func TestKeyResolverRejectsBadLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("too-short"))
	}))
	defer server.Close()

	r := NewKeyResolver(testFetcher(server, 1))
	_, err := r.Resolve(context.Background(), server.URL)

	var keyErr *KeyFetchError
	require.ErrorAs(t, err, &keyErr)
}

func TestKeyResolverWrapsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewKeyResolver(testFetcher(server, 2))
	_, err := r.Resolve(context.Background(), server.URL)

	var keyErr *KeyFetchError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, server.URL, keyErr.URI)
}
