// Package worker executes a single ranged GET against a Segment's assigned
// Source, streaming the response through the Limiter to the Writer. A
// short retry.Do loop absorbs purely transient dial/connect hiccups
// around the initial round trip, while the segment-level retry budget
// (re-assignment across attempts) stays the Scheduler's responsibility.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/compiledkernel-idk/kdl/internal/eventbus"
	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/compiledkernel-idk/kdl/internal/limiter"
	"github.com/compiledkernel-idk/kdl/internal/segment"
	"github.com/compiledkernel-idk/kdl/internal/writer"
)

// ChunkSize is the target read size streamed from the response body to the
// Writer.
const ChunkSize = 64 * 1024

// HTTPClient is the subset of *http.Client the worker needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Worker executes single-segment ranged GETs.
type Worker struct {
	client HTTPClient
	log    *slog.Logger
}

// New creates a Worker. If client is nil, http.DefaultClient is used.
func New(client HTTPClient) *Worker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{client: client, log: slog.Default().With("component", "worker")}
}

// ThroughputSampler receives a bytes/elapsed sample after each chunk, for
// the Scheduler's EWMA. Optional.
type ThroughputSampler func(bytesPerSec float64)

// Run executes one attempt at downloading the remainder of seg from its
// currently assigned source. It returns nil on success (the assigned range
// was fully written, or the segment was shrunk out from under it by a
// concurrent split and the worker yielded cleanly), or a *kdlerr.Error / a
// kdlerr.Result describing how the Scheduler should react.
func (w *Worker) Run(ctx context.Context, seg *segment.Segment, out *writer.Writer, lim *limiter.Limiter, bus *eventbus.Bus, sample ThroughputSampler) error {
	src := seg.AssignedSource()
	if src == nil {
		return kdlerr.New(kdlerr.KindNetworkFatal, "segment has no assigned source")
	}

	start, _ := seg.Bounds()
	reqStart := start + seg.BytesDone()
	reqEnd := seg.CurrentEnd() // exclusive; segment.Unbounded means open-ended

	resp, err := w.roundTripWithRetry(ctx, src.URL, reqStart, reqEnd, seg.IsUnbounded())
	if err != nil {
		return kdlerr.Result{Disposition: kdlerr.Retryable, Kind: kdlerr.KindNetworkTransient, Err: err, Charge: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if !contentRangeMatches(resp.Header.Get("Content-Range"), reqStart) {
			return kdlerr.Result{
				Disposition: kdlerr.Retryable,
				Kind:        kdlerr.KindNetworkTransient,
				Err:         fmt.Errorf("content-range %q does not match requested offset %d", resp.Header.Get("Content-Range"), reqStart),
				Charge:      true,
			}
		}
		return w.stream(ctx, seg, out, lim, resp.Body, reqStart, sample)

	case resp.StatusCode == http.StatusOK && src.SupportsRange:
		// The source previously advertised range support but served a full
		// body: its capability claim cannot be trusted going forward.
		src.Demote()
		if bus != nil {
			bus.SourceDemotedEvent(src.URL, "range support revoked")
		}
		return kdlerr.Result{
			Disposition: kdlerr.Retryable,
			Kind:        kdlerr.KindRangeUnsupported,
			Err:         errors.New("range support revoked: server returned 200 OK to a ranged request"),
			Charge:      false,
		}

	case resp.StatusCode == http.StatusOK:
		// Genuinely a whole-file, single-connection source; stream from
		// its natural start.
		return w.stream(ctx, seg, out, lim, resp.Body, reqStart, sample)

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return kdlerr.Result{
			Disposition: kdlerr.Retryable,
			Kind:        kdlerr.KindNetworkTransient,
			Err:         fmt.Errorf("source returned status %d", resp.StatusCode),
			Charge:      true,
		}

	case resp.StatusCode >= 500:
		return kdlerr.Result{
			Disposition: kdlerr.Retryable,
			Kind:        kdlerr.KindNetworkTransient,
			Err:         fmt.Errorf("source returned status %d", resp.StatusCode),
			Charge:      true,
		}

	case resp.StatusCode >= 400:
		src.Demote()
		if bus != nil {
			bus.SourceDemotedEvent(src.URL, fmt.Sprintf("status %d", resp.StatusCode))
		}
		return kdlerr.Result{
			Disposition: kdlerr.Retryable,
			Kind:        kdlerr.KindNetworkFatal,
			Err:         fmt.Errorf("source returned status %d", resp.StatusCode),
			Charge:      false,
		}

	default:
		return kdlerr.Result{
			Disposition: kdlerr.Retryable,
			Kind:        kdlerr.KindNetworkTransient,
			Err:         fmt.Errorf("unexpected status %d", resp.StatusCode),
			Charge:      true,
		}
	}
}

// roundTripWithRetry issues the ranged request in up to 3 attempts,
// retrying any round-trip error other than cancellation (see
// isDialTransient), before surfacing the last error for the Scheduler to treat as a segment-level
// retryable failure.
func (w *Worker) roundTripWithRetry(ctx context.Context, url string, start, end int64, unbounded bool) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Range", rangeHeader(start, end, unbounded))

			r, err := w.client.Do(req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isDialTransient),
		retry.OnRetry(func(n uint, err error) {
			w.log.DebugContext(ctx, "retrying ranged request", "attempt", n+1, "url", url, "error", err)
		}),
		retry.Context(ctx),
	)
	return resp, err
}

// isDialTransient decides whether a round-trip failure is worth a quick
// sub-attempt retry rather than being surfaced straight to the Scheduler.
// Cancellation is never retried here; everything else (refused/reset
// connections, DNS hiccups, dial timeouts) gets the short backoff.
func isDialTransient(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func rangeHeader(start, end int64, unbounded bool) string {
	if unbounded {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end-1)
}

func contentRangeMatches(cr string, wantStart int64) bool {
	if cr == "" {
		return true // some sources omit it even while honoring the range
	}
	var gotStart int64
	if _, err := fmt.Sscanf(cr, "bytes %d-", &gotStart); err != nil {
		return true
	}
	return gotStart == wantStart
}

// stream copies body in ChunkSize pieces through lim to out, starting at
// writeAt, advancing seg.bytesDone and checking the cooperative CurrentEnd
// cell after every chunk so a concurrent split is honored promptly.
func (w *Worker) stream(ctx context.Context, seg *segment.Segment, out *writer.Writer, lim *limiter.Limiter, body io.Reader, writeAt int64, sample ThroughputSampler) error {
	buf := make([]byte, ChunkSize)
	offset := writeAt

	for {
		if ctx.Err() != nil {
			return kdlerr.Result{Disposition: kdlerr.Retryable, Kind: kdlerr.KindCancelled, Err: ctx.Err(), Charge: false}
		}

		limit := seg.CurrentEnd()
		unbounded := seg.IsUnbounded()
		if !unbounded && offset >= limit {
			// Either the requested range is fully written, or a split
			// shrank CurrentEnd below our current offset; either way
			// there is nothing left for this worker to fetch.
			seg.Complete()
			return nil
		}
		want := int64(len(buf))
		if !unbounded && offset+want > limit {
			want = limit - offset
		}

		n, rerr := body.Read(buf[:want])
		if n > 0 {
			t0 := time.Now()
			if err := lim.WaitN(ctx, n); err != nil {
				return kdlerr.Result{Disposition: kdlerr.Retryable, Kind: kdlerr.KindCancelled, Err: err, Charge: false}
			}
			if _, err := out.WriteAt(buf[:n], offset); err != nil {
				return err
			}
			seg.AdvanceBytesDone(int64(n))
			offset += int64(n)

			if sample != nil {
				if elapsed := time.Since(t0).Seconds(); elapsed > 0 {
					sample(float64(n) / elapsed)
				}
			}
		}

		if rerr == io.EOF {
			if !unbounded && offset < limit {
				return kdlerr.Result{
					Disposition: kdlerr.Retryable,
					Kind:        kdlerr.KindNetworkTransient,
					Err:         fmt.Errorf("connection closed early at offset %d, wanted %d", offset, limit),
					Charge:      true,
				}
			}
			// Completion and the SegmentCompleted event are the Scheduler's
			// responsibility: PartMap persistence must precede the event,
			// and only the Scheduler sequences that with this return.
			seg.Complete()
			return nil
		}
		if rerr != nil {
			return kdlerr.Result{Disposition: kdlerr.Retryable, Kind: kdlerr.KindNetworkTransient, Err: rerr, Charge: true}
		}
	}
}
