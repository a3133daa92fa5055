// Package downloader wires manifest parsing, key resolution, the rate
// limiter, the retrying fetcher, the resume ledger, and the decryptor into
// a single resumable "download episode" operation.
package downloader

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alvarorichard/hlsfetch/internal/fetch"
	"github.com/alvarorichard/hlsfetch/internal/ledger"
	"github.com/alvarorichard/hlsfetch/internal/manifest"
	"github.com/alvarorichard/hlsfetch/internal/progress"
	"github.com/alvarorichard/hlsfetch/internal/ratelimit"
	"github.com/alvarorichard/hlsfetch/internal/util"
	"github.com/pkg/errors"
)

// Options configures one download operation. Everything is explicit;
// the core reads no process-wide state.
type Options struct {
	// Concurrency is the worker pool size. The work is I/O bound, so the
	// default of 100 is independent of core count.
	Concurrency int
	// RateLimit caps sustained requests per second to the origin across
	// all workers. Zero disables limiting.
	RateLimit float64
	// Burst is the token-bucket burst size (defaults to Concurrency).
	Burst int
	// Retry is the backoff budget shared by segment and key fetches.
	Retry fetch.Policy
	// FailureThreshold stops the pool from claiming new segments once
	// this many have failed terminally. Zero selects the default of 10;
	// a negative value disables the threshold.
	FailureThreshold int
	// Headers are sent on every request (Referer, cookies, ...).
	Headers map[string]string
	// Client overrides the shared segment HTTP client, mainly for tests.
	Client *http.Client
	// OnProgress receives throttled progress samples.
	OnProgress progress.Callback
	// ProgressInterval bounds OnProgress invocations (default 250ms).
	ProgressInterval time.Duration
}

const (
	defaultConcurrency      = 100
	defaultFailureThreshold = 10
)

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = defaultConcurrency
	}
	if o.Burst < 1 {
		o.Burst = o.Concurrency
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = fetch.DefaultPolicy()
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = defaultFailureThreshold
	}
	return o
}

// Result is what a caller needs to mux or to retry: the decrypted segment
// files in ascending sequence order, and the sequences that failed.
type Result struct {
	// SegmentPaths lists decrypted segment files by ascending sequence
	// number, never by completion order.
	SegmentPaths []string
	// Failed lists terminally failed sequence numbers, empty on success.
	Failed []uint64
	// State is the final ledger snapshot.
	State ledger.State
}

// DownloadEpisode fetches, decrypts, and stores every segment of one
// episode under workingDir. manifestSrc is a playlist URL or raw playlist
// text; keySrc optionally overrides the manifest's key URI.
//
// The operation is resumable: a prior run's ledger in workingDir is loaded
// and only the still-needed segments are fetched. When every segment is
// already Downloaded the call is a no-op that returns immediately. On
// partial failure the returned error is a *PartialDownloadError and the
// Result still carries the completed paths.
func DownloadEpisode(ctx context.Context, manifestSrc, keySrc, workingDir string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if workingDir == "" {
		return nil, errors.New("working directory is required")
	}
	if err := os.MkdirAll(workingDir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create working directory")
	}

	limiter := ratelimit.New(opts.RateLimit, opts.Burst)
	segFetcher := &fetch.Fetcher{
		Client:         opts.Client,
		Headers:        opts.Headers,
		Policy:         opts.Retry,
		Limiter:        limiter,
		RequestTimeout: 2 * time.Minute,
	}
	metaFetcher := &fetch.Fetcher{
		Client:         opts.Client,
		Headers:        opts.Headers,
		Policy:         opts.Retry,
		RequestTimeout: 30 * time.Second,
	}
	if opts.Client == nil {
		segFetcher.Client = util.SegmentClient()
		metaFetcher.Client = util.PlaylistClient()
	}

	man, err := resolveManifest(ctx, metaFetcher, manifestSrc)
	if err != nil {
		return nil, err
	}

	keyURI := keySrc
	if keyURI == "" {
		keyURI = man.KeyURI
	}
	var key []byte
	if keyURI != "" {
		key, err = fetch.NewKeyResolver(metaFetcher).Resolve(ctx, keyURI)
		if err != nil {
			return nil, err
		}
	}

	seqs := make([]uint64, len(man.Segments))
	var bytesTotal int64
	for i, desc := range man.Segments {
		seqs[i] = desc.Seq
		bytesTotal += desc.ByteLength
	}

	led, err := ledger.Open(filepath.Join(workingDir, ledger.StateFile), seqs)
	if err != nil {
		return nil, err
	}

	if led.IsComplete() {
		util.Debug("all segments already downloaded, nothing to do")
		return buildResult(workingDir, led), nil
	}

	agg := progress.New(len(man.Segments), bytesTotal)
	if opts.OnProgress != nil {
		agg.SetCallback(opts.OnProgress, opts.ProgressInterval)
	}
	done, _, total := led.Counts()
	for i := 0; i < done; i++ {
		agg.Done()
	}
	util.Infof("downloading %d/%d segments with %d workers", total-done, total, opts.Concurrency)

	p := &pool{
		concurrency:      opts.Concurrency,
		failureThreshold: opts.FailureThreshold,
		fetcher:          segFetcher,
		led:              led,
		agg:              agg,
		workingDir:       workingDir,
		key:              key,
	}
	if err := p.run(ctx, man.Segments); err != nil {
		return nil, err
	}
	agg.Flush()

	if err := ctx.Err(); err != nil {
		return buildResult(workingDir, led), err
	}

	result := buildResult(workingDir, led)
	if len(result.Failed) > 0 {
		return result, &PartialDownloadError{Failed: result.Failed}
	}
	if !led.IsComplete() {
		// The pool stopped early (threshold) with segments still pending.
		return result, &PartialDownloadError{Failed: led.Remaining()}
	}
	if err := led.MarkComplete(); err != nil {
		return result, err
	}
	result.State = led.Snapshot()
	return result, nil
}

// resolveManifest turns the manifest source into a parsed media playlist,
// following a master playlist's best variant when needed.
func resolveManifest(ctx context.Context, fetcher *fetch.Fetcher, src string) (*manifest.Manifest, error) {
	var data []byte
	var base *url.URL

	if strings.HasPrefix(strings.TrimSpace(src), "#EXTM3U") {
		data = []byte(src)
	} else {
		parsed, err := url.Parse(src)
		if err != nil || !parsed.IsAbs() {
			return nil, &manifest.ParseError{Reason: "manifest source is neither a playlist nor an absolute URL"}
		}
		base = parsed
		data, err = fetcher.FetchURL(ctx, src)
		if err != nil {
			return nil, errors.Wrap(err, "fetch manifest")
		}
	}

	man, err := manifest.Parse(data, base)
	if err != nil {
		return nil, err
	}
	if !man.IsMaster() {
		return man, nil
	}

	util.Debugf("master playlist, following best variant %s", man.VariantURI)
	variantURL, err := url.Parse(man.VariantURI)
	if err != nil {
		return nil, &manifest.ParseError{Reason: "bad variant URI " + man.VariantURI}
	}
	data, err = fetcher.FetchURL(ctx, man.VariantURI)
	if err != nil {
		return nil, errors.Wrap(err, "fetch variant playlist")
	}
	man, err = manifest.Parse(data, variantURL)
	if err != nil {
		return nil, err
	}
	if man.IsMaster() {
		return nil, &manifest.ParseError{Reason: "master playlist points at another master playlist"}
	}
	return man, nil
}

func buildResult(workingDir string, led *ledger.Ledger) *Result {
	state := led.Snapshot()
	result := &Result{State: state}
	for _, entry := range state.Entries {
		if entry.Status == ledger.Downloaded {
			result.SegmentPaths = append(result.SegmentPaths, SegmentPath(workingDir, entry.Seq))
		}
	}
	result.Failed = led.FailedSequences()
	return result
}
