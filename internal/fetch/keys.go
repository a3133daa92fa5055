package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

const keyLength = 16

// KeyFetchError is fatal for the whole download: without the key no
// segment can be decrypted.
type KeyFetchError struct {
	URI string
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("fetch key %s: %v", e.URI, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// KeyResolver fetches AES key material and caches it for the duration of
// one download operation. It is not reused across operations since each
// episode may use a different key.
type KeyResolver struct {
	fetcher *Fetcher

	mu   sync.Mutex
	keys map[string][]byte
}

// NewKeyResolver returns a resolver sharing the fetcher's retry policy.
func NewKeyResolver(fetcher *Fetcher) *KeyResolver {
	return &KeyResolver{
		fetcher: fetcher,
		keys:    make(map[string][]byte),
	}
}

// Resolve fetches the 16-byte key at uri, at most once per resolver.
func (r *KeyResolver) Resolve(ctx context.Context, uri string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[uri]; ok {
		return key, nil
	}

	body, err := r.fetcher.FetchURL(ctx, uri)
	if err != nil {
		return nil, &KeyFetchError{URI: uri, Err: err}
	}
	if len(body) != keyLength {
		return nil, &KeyFetchError{URI: uri, Err: errors.Errorf("expected %d key bytes, got %d", keyLength, len(body))}
	}
	r.keys[uri] = body
	return body, nil
}
