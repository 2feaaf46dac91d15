package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compiledkernel-idk/kdl/internal/eventbus"
	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/compiledkernel-idk/kdl/internal/limiter"
	"github.com/compiledkernel-idk/kdl/internal/partmap"
	"github.com/compiledkernel-idk/kdl/internal/planner"
	"github.com/compiledkernel-idk/kdl/internal/segment"
	"github.com/compiledkernel-idk/kdl/internal/source"
	"github.com/compiledkernel-idk/kdl/internal/worker"
	"github.com/compiledkernel-idk/kdl/internal/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	return f.fn(req)
}

// parseRangeHeader parses a worker's "bytes=start-end" Range request
// header so a fake HTTP client can echo back a Content-Range matching
// whatever offset was actually asked for, clamping an open-ended "start-"
// request (the unbounded-stream case) to the body's last byte.
func parseRangeHeader(t *testing.T, header string, bodyLen int) (start, last int) {
	t.Helper()
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	require.Len(t, parts, 2)

	start, err := strconv.Atoi(parts[0])
	require.NoError(t, err)

	if parts[1] == "" {
		return start, bodyLen - 1
	}
	last, err = strconv.Atoi(parts[1])
	require.NoError(t, err)
	return start, last
}

func newTestWriter(t *testing.T, size int64) *writer.Writer {
	t.Helper()
	w, err := writer.Open(filepath.Join(t.TempDir(), "out.bin"), size)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func newTestPartMap(t *testing.T, totalSize int64) *partmap.Writer {
	t.Helper()
	pm := partmap.New(filepath.Join(t.TempDir(), "out.bin"), totalSize, "")
	pw := partmap.NewWriter(pm)
	t.Cleanup(pw.Close)
	return pw
}

func TestScheduler_SingleSourceCompletesAllSegments(t *testing.T) {
	body := strings.Repeat("a", 100)
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		start, last := parseRangeHeader(t, req.Header.Get("Range"), len(body))
		return &http.Response{
			StatusCode: http.StatusPartialContent,
			Header:     http.Header{"Content-Range": []string{fmt.Sprintf("bytes %d-%d/%d", start, last, len(body))}},
			Body:       io.NopCloser(strings.NewReader(body[start : last+1])),
		}, nil
	}}

	src := source.New("http://a/f")
	src.SupportsRange = true
	src.TotalSize = 100

	segs := []*segment.Segment{
		segment.New(0, 0, 50),
		segment.New(1, 50, 100),
	}

	out := newTestWriter(t, 100)
	pm := newTestPartMap(t, 100)
	bus := eventbus.New()

	sch := New(Config{
		Sources:            []*source.Source{src},
		Segments:           segs,
		TotalSize:          100,
		ConnectionsPerHost: 4,
		Out:                out,
		Limiter:            limiter.Unlimited(),
		PartMap:            pm,
		Bus:                bus,
		Worker:             worker.New(client),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sch.Run(ctx)
	require.NoError(t, err)

	for _, seg := range segs {
		assert.Equal(t, segment.Completed, seg.State())
	}
}

func TestScheduler_AllSourcesExhaustedFails(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}}

	src := source.New("http://a/f")
	src.SupportsRange = true
	src.TotalSize = 10

	segs := []*segment.Segment{segment.New(0, 0, 10)}

	out := newTestWriter(t, 10)
	pm := newTestPartMap(t, 10)
	bus := eventbus.New()

	sch := New(Config{
		Sources:            []*source.Source{src},
		Segments:           segs,
		TotalSize:          10,
		ConnectionsPerHost: 4,
		Out:                out,
		Limiter:            limiter.Unlimited(),
		PartMap:            pm,
		Bus:                bus,
		Worker:             worker.New(client),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sch.Run(ctx)
	require.Error(t, err)

	kerr, ok := err.(*kdlerr.Error)
	require.True(t, ok)
	assert.Equal(t, kdlerr.KindAllSourcesExhausted, kerr.Kind)
	assert.False(t, src.Healthy())
}

func TestScheduler_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	body := strings.Repeat("b", 10)
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		// Two failures: a third consecutive one would demote the only source.
		if attempts.Add(1) <= 2 {
			return &http.Response{
				StatusCode: http.StatusServiceUnavailable,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusPartialContent,
			Header:     http.Header{"Content-Range": []string{"bytes 0-9/10"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}}

	src := source.New("http://a/f")
	src.SupportsRange = true
	src.TotalSize = 10

	segs := []*segment.Segment{segment.New(0, 0, 10)}

	out := newTestWriter(t, 10)
	pm := newTestPartMap(t, 10)
	bus := eventbus.New()

	sch := New(Config{
		Sources:            []*source.Source{src},
		Segments:           segs,
		TotalSize:          10,
		ConnectionsPerHost: 4,
		Out:                out,
		Limiter:            limiter.Unlimited(),
		PartMap:            pm,
		Bus:                bus,
		Worker:             worker.New(client),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, segment.Completed, segs[0].State())
}

func TestPickSource_PrefersHighestScoreUnderCap(t *testing.T) {
	fast := source.New("http://fast/f")
	fast.SupportsRange = true
	fast.SetScore(10)

	slow := source.New("http://slow/f")
	slow.SupportsRange = true
	slow.SetScore(1)

	sch := &Scheduler{
		sources:        []*source.Source{slow, fast},
		connCap:        4,
		activeBySource: make(map[string]int),
	}

	seg := segment.New(0, 0, 10)
	picked := sch.pickSource(seg)
	require.NotNil(t, picked)
	assert.Equal(t, "http://fast/f", picked.URL)
}

func TestPickSource_SkipsSourceAtHostCap(t *testing.T) {
	src := source.New("http://a/f")
	src.SupportsRange = true

	sch := &Scheduler{
		sources:        []*source.Source{src},
		connCap:        1,
		activeBySource: map[string]int{"http://a/f": 1},
	}

	seg := segment.New(0, 0, 10)
	assert.Nil(t, sch.pickSource(seg))
}

func TestPickSource_SkipsUnhealthySource(t *testing.T) {
	src := source.New("http://a/f")
	src.Demote()

	sch := &Scheduler{
		sources:        []*source.Source{src},
		connCap:        4,
		activeBySource: make(map[string]int),
	}

	seg := segment.New(0, 0, 10)
	assert.Nil(t, sch.pickSource(seg))
}

func TestMaybeSplit_SplitsLargeRunningSegmentWhenIdleCapacity(t *testing.T) {
	src := source.New("http://a/f")
	seg := segment.New(0, 0, 10*planner.MinSegmentSize)
	seg.Assign(src)

	sch := &Scheduler{
		segments:          []*segment.Segment{seg},
		targetParallelism: 2,
		nextSplitID:       1,
	}

	sch.maybeSplit(1) // 1 active worker, target 2: idle capacity exists
	require.Len(t, sch.segments, 2)

	start0, end0 := sch.segments[0].Bounds()
	start1, end1 := sch.segments[1].Bounds()
	assert.Equal(t, int64(0), start0)
	assert.Equal(t, start1, end0)
	assert.Equal(t, int64(10*planner.MinSegmentSize), end1)
}

func TestMaybeSplit_NoSplitWhenNoIdleCapacity(t *testing.T) {
	src := source.New("http://a/f")
	seg := segment.New(0, 0, 10*planner.MinSegmentSize)
	seg.Assign(src)

	sch := &Scheduler{
		segments:          []*segment.Segment{seg},
		targetParallelism: 1,
	}

	sch.maybeSplit(1) // active already meets target
	assert.Len(t, sch.segments, 1)
}

func TestAdapt_IncreasesParallelismOnThroughputGain(t *testing.T) {
	sch := &Scheduler{
		hardCap:           8,
		targetParallelism: 2,
		lastThroughput:    100,
		segments:          []*segment.Segment{segment.New(0, 0, 10)}, // pending
		sources:           []*source.Source{source.New("http://a/f")},
		activeBySource:    make(map[string]int),
	}
	sch.connCap = 4

	sch.adapt(200) // 200 bytes / 2s = 100 B/s... use a bigger delta below
	// recompute with a throughput clearly above the 1.05x threshold
	sch.lastThroughput = 100
	sch.adapt(int64(300 * adaptInterval.Seconds()))
	assert.Equal(t, 3, sch.targetParallelism)
}

func TestAdapt_DecreasesParallelismOnThroughputDrop(t *testing.T) {
	sch := &Scheduler{
		hardCap:           8,
		targetParallelism: 4,
		lastThroughput:    100,
	}
	sch.adapt(int64(50 * adaptInterval.Seconds()))
	assert.Equal(t, 3, sch.targetParallelism)
}
