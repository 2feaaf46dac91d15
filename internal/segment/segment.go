// Package segment models the half-open byte intervals a TransferPlan
// schedules work against: their assignment state, the split operation,
// and the cooperative shared-end cell a running worker consults to learn
// it has been shrunk by a split.
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/compiledkernel-idk/kdl/internal/source"
)

// Unbounded marks a segment's end as unknown (no source advertised a total
// size), used by the Planner for the single whole-file streaming segment.
const Unbounded int64 = 1<<63 - 1

// State is a Segment's assignment lifecycle state.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Segment is a half-open byte interval [Start, End) of the target file
// plus its assignment state. End is mutated only by the Scheduler (on
// split) and is read cooperatively by the owning Worker via CurrentEnd.
type Segment struct {
	id int

	mu    sync.Mutex
	start int64
	end   int64 // exclusive; may shrink via split while Running

	state      State
	assignedTo *source.Source
	bytesDone  int64
	attempts   int
	lastErr    error

	// end is also exposed as an atomic so a running Worker can poll it
	// without taking mu on every chunk — the Scheduler updates both
	// under mu; the atomic is the cooperative shared cell a Worker polls.
	liveEnd atomic.Int64
}

// New creates a Pending segment covering [start, end).
func New(id int, start, end int64) *Segment {
	s := &Segment{id: id, start: start, end: end, state: Pending}
	s.liveEnd.Store(end)
	return s
}

func (s *Segment) ID() int { return s.id }

// IsUnbounded reports whether this segment's end is unknown (the single
// whole-file segment the Planner produces when no source reports a size).
func (s *Segment) IsUnbounded() bool {
	return s.CurrentEnd() == Unbounded
}

// Bounds returns the segment's current [start, end).
func (s *Segment) Bounds() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start, s.end
}

// CurrentEnd is the cooperative cell a running Worker polls between chunks
// to detect that the Scheduler shrank this segment via a split.
func (s *Segment) CurrentEnd() int64 {
	return s.liveEnd.Load()
}

func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Segment) AssignedSource() *source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignedTo
}

func (s *Segment) BytesDone() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDone
}

func (s *Segment) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Remaining returns end - start - bytesDone: the bytes not yet durably
// written for this segment.
func (s *Segment) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end - s.start - s.bytesDone
}

// Assign transitions Pending -> Running against src, charging one attempt.
func (s *Segment) Assign(src *source.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Running
	s.assignedTo = src
	s.attempts++
}

// AdvanceBytesDone records progress made by the owning Worker.
func (s *Segment) AdvanceBytesDone(n int64) {
	s.mu.Lock()
	s.bytesDone += n
	s.mu.Unlock()
}

// Complete transitions Running -> Completed.
func (s *Segment) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Completed
}

// Reenqueue moves the unwritten remainder of a Running segment back to
// Pending, starting from start+bytesDone, and records the failure.
func (s *Segment) Reenqueue(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.start + s.bytesDone
	s.bytesDone = 0
	s.state = Pending
	s.assignedTo = nil
	s.lastErr = err
	s.liveEnd.Store(s.end)
}

// MarkFailed transitions to the terminal Failed state once the retry
// budget is exhausted.
func (s *Segment) MarkFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Failed
	s.lastErr = err
}

// LastError returns the most recent failure recorded against this segment.
func (s *Segment) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Split shrinks the running segment to [start, newEnd) and returns a new
// Pending segment covering [newEnd, oldEnd). Only valid while Running.
// The caller (Scheduler) is responsible for choosing newEnd such that the
// remaining running portion stays non-trivial.
func (s *Segment) Split(newID int, newEnd int64) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldEnd := s.end
	s.end = newEnd
	s.liveEnd.Store(newEnd)

	return New(newID, newEnd, oldEnd)
}
