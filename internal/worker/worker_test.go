package worker

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/compiledkernel-idk/kdl/internal/limiter"
	"github.com/compiledkernel-idk/kdl/internal/segment"
	"github.com/compiledkernel-idk/kdl/internal/source"
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

func newWriter(t *testing.T, size int64) *writer.Writer {
	t.Helper()
	dir := t.TempDir()
	w, err := writer.Open(filepath.Join(dir, "out.bin"), size)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestRun_206SuccessWritesAndCompletes(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "bytes=0-9", req.Header.Get("Range"))
		return &http.Response{
			StatusCode: http.StatusPartialContent,
			Header:     http.Header{"Content-Range": []string{"bytes 0-9/10"}},
			Body:       io.NopCloser(strings.NewReader("0123456789")),
		}, nil
	}}

	out := newWriter(t, 10)
	seg := segment.New(0, 0, 10)
	src := source.New("http://a/f")
	src.SupportsRange = true
	seg.Assign(src)

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, segment.Completed, seg.State())
	assert.Equal(t, int64(10), seg.BytesDone())
}

func TestRun_200FromRangeSupportingSourceRevokesSupport(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("0123456789")),
		}, nil
	}}

	out := newWriter(t, 10)
	seg := segment.New(0, 0, 10)
	src := source.New("http://a/f")
	src.SupportsRange = true
	seg.Assign(src)

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.Error(t, err)

	result, ok := err.(kdlerr.Result)
	require.True(t, ok)
	assert.Equal(t, kdlerr.KindRangeUnsupported, result.Kind)
	assert.False(t, src.Healthy())
}

func TestRun_4xxDemotesSourceWithoutCharge(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}}

	out := newWriter(t, 10)
	seg := segment.New(0, 0, 10)
	src := source.New("http://a/f")
	seg.Assign(src)

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.Error(t, err)

	result, ok := err.(kdlerr.Result)
	require.True(t, ok)
	assert.False(t, result.Charge)
	assert.False(t, src.Healthy())
}

func TestRun_5xxIsRetryableAndCharged(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}}

	out := newWriter(t, 10)
	seg := segment.New(0, 0, 10)
	src := source.New("http://a/f")
	seg.Assign(src)

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.Error(t, err)

	result, ok := err.(kdlerr.Result)
	require.True(t, ok)
	assert.True(t, result.Charge)
	assert.Equal(t, kdlerr.Retryable, result.Disposition)
}

func TestRun_ResumesFromBytesDone(t *testing.T) {
	var gotRange string
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		gotRange = req.Header.Get("Range")
		return &http.Response{
			StatusCode: http.StatusPartialContent,
			Header:     http.Header{"Content-Range": []string{"bytes 5-9/10"}},
			Body:       io.NopCloser(strings.NewReader("56789")),
		}, nil
	}}

	out := newWriter(t, 10)
	seg := segment.New(0, 0, 10)
	src := source.New("http://a/f")
	seg.Assign(src)
	seg.AdvanceBytesDone(5) // simulate a partial prior attempt

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "bytes=5-9", gotRange)
	assert.Equal(t, int64(10), seg.BytesDone())
}

func TestRun_UnboundedSegmentStreamsToEOF(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "bytes=0-", req.Header.Get("Range"))
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("all the bytes")),
		}, nil
	}}

	out := newWriter(t, 0)
	seg := segment.New(0, 0, segment.Unbounded)
	src := source.New("http://a/f")
	seg.Assign(src)

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, segment.Completed, seg.State())
	assert.Equal(t, int64(len("all the bytes")), seg.BytesDone())
}

func TestRun_SplitShrinkYieldsCleanly(t *testing.T) {
	client := &fakeClient{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusPartialContent,
			Header:     http.Header{"Content-Range": []string{"bytes 0-99/100"}},
			Body:       io.NopCloser(strings.NewReader(strings.Repeat("a", 100))),
		}, nil
	}}

	out := newWriter(t, 100)
	seg := segment.New(0, 0, 100)
	src := source.New("http://a/f")
	seg.Assign(src)
	seg.Split(1, 10) // shrink to [0,10) before the worker reads anything

	w := New(client)
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, seg.BytesDone(), int64(10))
}

func TestRun_NoAssignedSourceIsFatal(t *testing.T) {
	out := newWriter(t, 10)
	seg := segment.New(0, 0, 10)

	w := New(&fakeClient{})
	err := w.Run(context.Background(), seg, out, limiter.Unlimited(), nil, nil)
	assert.Error(t, err)
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=0-99", rangeHeader(0, 100, false))
	assert.Equal(t, "bytes=50-", rangeHeader(50, 0, true))
}

func TestContentRangeMatches(t *testing.T) {
	assert.True(t, contentRangeMatches("bytes 10-20/100", 10))
	assert.False(t, contentRangeMatches("bytes 11-20/100", 10))
	assert.True(t, contentRangeMatches("", 10))
}
