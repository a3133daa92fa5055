package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/alvarorichard/hlsfetch/internal/decrypt"
	"github.com/alvarorichard/hlsfetch/internal/fetch"
	"github.com/alvarorichard/hlsfetch/internal/ledger"
	"github.com/alvarorichard/hlsfetch/internal/manifest"
	"github.com/alvarorichard/hlsfetch/internal/progress"
	"github.com/alvarorichard/hlsfetch/internal/util"
	"github.com/pkg/errors"
)

// PartialDownloadError reports an operation that finished with some
// segments terminally failed. Completed segments are kept on disk for a
// later resume attempt.
type PartialDownloadError struct {
	Failed []uint64
}

func (e *PartialDownloadError) Error() string {
	return fmt.Sprintf("download incomplete: %d segment(s) failed: %v", len(e.Failed), e.Failed)
}

// SegmentPath returns the on-disk location of a decrypted segment.
func SegmentPath(workingDir string, seq uint64) string {
	return filepath.Join(workingDir, fmt.Sprintf("%05d.ts", seq))
}

// pool runs the concurrent segment download phase of one operation.
type pool struct {
	concurrency      int
	failureThreshold int
	fetcher          *fetch.Fetcher
	led              *ledger.Ledger
	agg              *progress.Aggregator
	workingDir       string
	key              []byte // nil for cleartext streams

	failures atomic.Int32
}

// run drains the still-needed segments through a fixed-size worker pool.
// Per-segment errors are absorbed into the ledger; run itself only fails
// on ledger persistence problems, which it reports as the first error.
func (p *pool) run(ctx context.Context, segments []manifest.SegmentDescriptor) error {
	remaining := make(map[uint64]bool)
	for _, seq := range p.led.Remaining() {
		remaining[seq] = true
	}

	jobs := make(chan manifest.SegmentDescriptor, len(segments))
	for _, desc := range segments {
		if remaining[desc.Seq] {
			jobs <- desc
		}
	}
	close(jobs)

	workers := p.concurrency
	if n := len(remaining); n < workers {
		workers = n
	}

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for desc := range jobs {
				// Cooperative cancellation: checked before every claim.
				if ctx.Err() != nil {
					return
				}
				// Once too many segments have failed the pool stops
				// claiming; whatever is already Downloaded stays usable
				// for a resume.
				if p.failureThreshold > 0 && int(p.failures.Load()) >= p.failureThreshold {
					return
				}
				if !p.led.Claim(desc.Seq) {
					continue
				}
				if err := p.downloadOne(ctx, desc); err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// downloadOne fetches, stores, and decrypts a single claimed segment.
// The returned error is reserved for infrastructure failures (disk,
// ledger); fetch and decrypt failures are recorded and absorbed.
func (p *pool) downloadOne(ctx context.Context, desc manifest.SegmentDescriptor) error {
	maxAttempts := p.fetcher.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	data, err := p.fetcher.FetchSegment(ctx, desc)
	if err != nil {
		if ctx.Err() != nil {
			p.led.Release(desc.Seq)
			return nil
		}
		attempts := maxAttempts
		var fetchErr *fetch.FetchError
		if errors.As(err, &fetchErr) && fetchErr.Attempts > 0 {
			attempts = fetchErr.Attempts
		}
		return p.recordFailure(desc.Seq, attempts, err)
	}

	plain, fetches, err := p.decryptWithRefetch(ctx, desc, data)
	if err != nil {
		if ctx.Err() != nil {
			p.led.Release(desc.Seq)
			return nil
		}
		return p.recordFailure(desc.Seq, fetches, err)
	}

	if err := p.store(desc.Seq, data, plain); err != nil {
		return err
	}
	if err := p.led.Complete(desc.Seq); err != nil {
		return err
	}
	p.agg.Add(int64(len(data)))
	p.agg.Done()
	return nil
}

// decryptWithRefetch decrypts the segment, forcing one re-fetch when the
// padding check fails: bad padding means corrupted ciphertext, so retrying
// the decrypt alone is pointless. Returns the plaintext and how many
// fetches were spent.
func (p *pool) decryptWithRefetch(ctx context.Context, desc manifest.SegmentDescriptor, data []byte) ([]byte, int, error) {
	if p.key == nil {
		return data, 1, nil
	}
	iv := manifest.IVFor(desc)
	plain, err := decrypt.CBC(data, p.key, iv)
	if err == nil {
		return plain, 1, nil
	}

	var decErr *decrypt.Error
	if !errors.As(err, &decErr) {
		return nil, 1, err
	}
	util.Warnf("segment %d failed to decrypt, re-fetching once: %v", desc.Seq, err)

	refetched, ferr := p.fetcher.FetchSegment(ctx, desc)
	if ferr != nil {
		return nil, 2, ferr
	}
	plain, err = decrypt.CBC(refetched, p.key, iv)
	if err != nil {
		return nil, 2, err
	}
	return plain, 2, nil
}

// store writes the segment file. The encrypted bytes land first, then the
// decrypted bytes replace them through a temp-file rename so a crash never
// leaves ciphertext posing as a finished segment.
func (p *pool) store(seq uint64, encrypted, plain []byte) error {
	path := SegmentPath(p.workingDir, seq)
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		return errors.Wrapf(err, "write segment %d", seq)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, plain, 0o600); err != nil {
		return errors.Wrapf(err, "write decrypted segment %d", seq)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replace segment %d", seq)
	}
	return nil
}

func (p *pool) recordFailure(seq uint64, attempts int, cause error) error {
	util.Debugf("segment %d failed terminally: %v", seq, cause)
	if err := p.led.Fail(seq, attempts, cause); err != nil {
		return err
	}
	p.failures.Add(1)
	p.agg.Failed()
	return nil
}
