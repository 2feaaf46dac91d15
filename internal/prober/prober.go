// Package prober probes candidate source URLs for total size, range
// support, and a content validator. Fan-out across
// candidates uses golang.org/x/sync/errgroup, a bounded-concurrency
// primitive that cancels the remaining probes as soon as the group's
// context is cancelled, without leaking goroutines on partial failure.
package prober

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/compiledkernel-idk/kdl/internal/source"
	"golang.org/x/sync/errgroup"
)

// HTTPClient is the subset of *http.Client the prober needs, so tests can
// substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober issues probe requests against candidate source URLs.
type Prober struct {
	client HTTPClient
	log    *slog.Logger
}

// New creates a Prober using client. If client is nil, http.DefaultClient
// is used.
func New(client HTTPClient) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{client: client, log: slog.Default().With("component", "prober")}
}

// probeResult is one source's raw probe outcome before cross-source
// reconciliation.
type probeResult struct {
	url       string
	ok        bool
	size      int64 // -1 if unknown
	ranges    bool
	validator string
}

// ProbeAll probes every url concurrently and returns the reconciled set of
// healthy Sources plus the agreed total size (-1 if none advertised one).
// If two or more sources disagree on size with no majority, it returns
// kdlerr.KindInconsistentSources.
func (p *Prober) ProbeAll(ctx context.Context, urls []string) ([]*source.Source, int64, error) {
	if len(urls) == 0 {
		return nil, 0, kdlerr.New(kdlerr.KindProbeFailed, "no candidate sources supplied")
	}

	results := make([]probeResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	var mu sync.Mutex

	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			r := p.probeOne(gctx, u)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	// Errors are absorbed into per-source probeResult.ok; a single failed
	// probe should never abort the others.
	_ = g.Wait()

	size, majorityURLs := reconcileSize(results)
	if size == sizeUnknownNoMajority {
		return nil, 0, kdlerr.New(kdlerr.KindInconsistentSources, "candidate sources reported conflicting sizes with no majority")
	}

	var healthy []*source.Source
	for _, r := range results {
		if !r.ok {
			p.log.Warn("probe failed", "url", r.url)
			continue
		}
		if !majorityURLs[r.url] {
			p.log.Warn("source excluded, disagrees with majority size", "url", r.url, "reported_size", r.size)
			continue
		}
		s := source.New(r.url)
		s.TotalSize = r.size
		s.SupportsRange = r.ranges
		s.Validator = source.Validator(r.validator)
		healthy = append(healthy, s)
	}

	if len(healthy) == 0 {
		return nil, 0, kdlerr.New(kdlerr.KindProbeFailed, "no source answered a usable probe")
	}

	return healthy, size, nil
}

const sizeUnknownNoMajority = int64(-2)

// maxConcurrentProbes bounds fan-out across candidate sources; probing is
// a handful of small requests, not a hot path that needs tuning.
const maxConcurrentProbes = 16

// reconcileSize picks the majority reported size across results that
// reported one at all. It returns (size, set-of-URLs-agreeing-with-it).
// Sources that reported no size (unknown) are always kept, deferred to the
// "majority" set so a mixed unknown/known pool doesn't spuriously exclude
// unknown-size sources.
func reconcileSize(results []probeResult) (int64, map[string]bool) {
	counts := make(map[int64]int)
	for _, r := range results {
		if r.ok && r.size >= 0 {
			counts[r.size]++
		}
	}

	if len(counts) == 0 {
		// Nobody reported a size: unknown overall, every healthy source kept.
		agree := make(map[string]bool)
		for _, r := range results {
			if r.ok {
				agree[r.url] = true
			}
		}
		return -1, agree
	}

	var best int64
	bestCount := 0
	tie := false
	for size, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount, tie = size, c, false
		case c == bestCount:
			tie = true
		}
	}
	if tie {
		return sizeUnknownNoMajority, nil
	}

	agree := make(map[string]bool)
	for _, r := range results {
		if !r.ok {
			continue
		}
		if r.size < 0 || r.size == best {
			agree[r.url] = true
		}
	}
	return best, agree
}

// probeOne issues a single source's probe. It prefers a ranged GET over
// HEAD because many CDNs omit range metadata from HEAD responses.
func (p *Prober) probeOne(ctx context.Context, url string) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{url: url}
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.client.Do(req)
	if err != nil {
		return probeResult{url: url}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
		resp.Body.Close()
	}()

	validator := firstNonEmpty(resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size := parseContentRangeSize(resp.Header.Get("Content-Range"))
		return probeResult{url: url, ok: true, size: size, ranges: true, validator: validator}
	case http.StatusOK:
		ranges := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}
		return probeResult{url: url, ok: true, size: size, ranges: ranges, validator: validator}
	default:
		return probeResult{url: url}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseContentRangeSize extracts the total size from a "bytes 0-0/12345"
// style Content-Range header. Returns -1 if the total is "*" (unknown).
func parseContentRangeSize(cr string) int64 {
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 {
		return -1
	}
	total := cr[idx+1:]
	if total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
