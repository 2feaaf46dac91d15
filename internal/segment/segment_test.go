package segment

import (
	"errors"
	"testing"

	"github.com/compiledkernel-idk/kdl/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PendingState(t *testing.T) {
	s := New(0, 0, 100)
	assert.Equal(t, Pending, s.State())
	start, end := s.Bounds()
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(100), end)
	assert.Equal(t, int64(100), s.Remaining())
}

func TestAssignAndAdvance(t *testing.T) {
	s := New(0, 0, 100)
	src := source.New("http://a")
	s.Assign(src)

	assert.Equal(t, Running, s.State())
	assert.Equal(t, src, s.AssignedSource())
	assert.Equal(t, 1, s.Attempts())

	s.AdvanceBytesDone(40)
	assert.Equal(t, int64(40), s.BytesDone())
	assert.Equal(t, int64(60), s.Remaining())
}

func TestComplete(t *testing.T) {
	s := New(0, 0, 100)
	s.Assign(source.New("http://a"))
	s.AdvanceBytesDone(100)
	s.Complete()
	assert.Equal(t, Completed, s.State())
}

func TestReenqueue_ResumesFromBytesDone(t *testing.T) {
	s := New(0, 0, 100)
	s.Assign(source.New("http://a"))
	s.AdvanceBytesDone(30)

	s.Reenqueue(errors.New("reset"))

	assert.Equal(t, Pending, s.State())
	start, end := s.Bounds()
	assert.Equal(t, int64(30), start)
	assert.Equal(t, int64(100), end)
	assert.Equal(t, int64(0), s.BytesDone())
	assert.Nil(t, s.AssignedSource())
	require.Error(t, s.LastError())
}

func TestMarkFailed(t *testing.T) {
	s := New(0, 0, 100)
	s.MarkFailed(errors.New("budget exhausted"))
	assert.Equal(t, Failed, s.State())
	require.Error(t, s.LastError())
}

func TestSplit_ShrinksRunningAndReturnsPendingRemainder(t *testing.T) {
	s := New(0, 0, 100)
	src := source.New("http://a")
	s.Assign(src)
	s.AdvanceBytesDone(20)

	remainder := s.Split(1, 60)

	start, end := s.Bounds()
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(60), end)
	assert.Equal(t, int64(60), s.CurrentEnd())

	rStart, rEnd := remainder.Bounds()
	assert.Equal(t, int64(60), rStart)
	assert.Equal(t, int64(100), rEnd)
	assert.Equal(t, Pending, remainder.State())
	assert.Equal(t, 1, remainder.ID())
}

func TestCurrentEnd_ReflectsSplitForRunningWorker(t *testing.T) {
	s := New(0, 0, 100)
	s.Assign(source.New("http://a"))
	assert.Equal(t, int64(100), s.CurrentEnd())

	s.Split(1, 50)
	assert.Equal(t, int64(50), s.CurrentEnd())
}
