// Package scheduler implements the cooperative single controller: it owns
// the Segment queue, per-source slot accounting, adaptive parallelism,
// and splitting, and is the sole mutator of scheduling state. Bounded
// worker fan-out uses github.com/sourcegraph/conc/pool
// (concpool.New().WithMaxGoroutines(n), one pl.Go per unit of work).
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
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
	concpool "github.com/sourcegraph/conc/pool"
)

// adaptInterval is how often target parallelism is recomputed.
const adaptInterval = 2 * time.Second

// maxAttempts is the per-segment retry budget, charged only for transient
// (network) failures.
const maxAttempts = 5

// minSplitRemaining is the 4*min_segment threshold required
// before a Running segment is eligible to be split for more parallelism.
const minSplitRemaining = 4 * planner.MinSegmentSize

// ewmaAlpha is the source health-score smoothing factor.
const ewmaAlpha = 0.3

// Scheduler coordinates Worker goroutines against a Segment queue,
// maintaining a single consistent view by doing
// all state mutation on its own run loop goroutine.
type Scheduler struct {
	sources   []*source.Source
	segments  []*segment.Segment
	totalSize int64 // -1 if unknown

	connCap int // per-host cap C
	hardCap int // min(total_connection_cap, segment_count, 64)

	targetParallelism int
	lastThroughput    float64

	out *writer.Writer
	lim *limiter.Limiter
	pm  *partmap.Writer
	bus *eventbus.Bus
	wrk *worker.Worker
	log *slog.Logger

	mu             sync.Mutex
	active         int
	activeBySource map[string]int
	attemptsUsed   map[int]int // segment id -> charged attempts
	nextSplitID    int
	totalBytesDone int64 // bytes written across all attempts, successful or failed
}

// Config bundles a Scheduler's collaborators and tunables.
type Config struct {
	Sources            []*source.Source
	Segments           []*segment.Segment
	TotalSize          int64
	ConnectionsPerHost int
	Out                *writer.Writer
	Limiter            *limiter.Limiter
	PartMap            *partmap.Writer
	Bus                *eventbus.Bus
	Worker             *worker.Worker
}

// New builds a Scheduler from cfg, clamping parallelism to
// min(total_connection_cap, segment_count, 64).
func New(cfg Config) *Scheduler {
	connCap := cfg.ConnectionsPerHost
	if connCap < 1 {
		connCap = 16
	}
	totalConnCap := connCap * max(1, len(cfg.Sources))
	hardCap := min(totalConnCap, len(cfg.Segments), 64)
	if hardCap < 1 {
		hardCap = 1
	}
	nextID := 0
	for _, s := range cfg.Segments {
		if s.ID() >= nextID {
			nextID = s.ID() + 1
		}
	}

	return &Scheduler{
		sources:           cfg.Sources,
		segments:          cfg.Segments,
		totalSize:         cfg.TotalSize,
		connCap:           connCap,
		hardCap:           hardCap,
		targetParallelism: min(hardCap, initialParallelism),
		out:               cfg.Out,
		lim:               cfg.Limiter,
		pm:                cfg.PartMap,
		bus:               cfg.Bus,
		wrk:               cfg.Worker,
		log:               slog.Default().With("component", "scheduler"),
		activeBySource:    make(map[string]int),
		attemptsUsed:      make(map[int]int),
		nextSplitID:       nextID,
	}
}

const initialParallelism = 4

type outcome struct {
	seg        *segment.Segment
	src        *source.Source
	bytesStart int64
	startedAt  time.Time
	err        error
}

// Run drives the transfer to completion or terminal failure. It blocks
// until every byte of [0, N) is Completed, the context is cancelled, or
// AllSourcesExhausted is reached.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.bus != nil {
		s.bus.Started(s.totalSize)
	}

	pool := concpool.New().WithMaxGoroutines(s.hardCap)
	results := make(chan outcome, s.hardCap)
	inFlight := 0

	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	var intervalBytes int64

	for {
		if s.allCompleted() {
			break
		}

		launched := s.assignReady(ctx, pool, results)
		inFlight += launched

		if inFlight == 0 && s.allHealthySourcesExhausted() {
			s.finishFailed(ctx, kdlerr.KindAllSourcesExhausted, "no healthy source remains and no segment can make further progress")
			pool.Wait()
			return kdlerr.New(kdlerr.KindAllSourcesExhausted, "all sources exhausted")
		}

		select {
		case <-ctx.Done():
			s.drainCancelled(inFlight, results)
			s.finishFailed(ctx, kdlerr.KindCancelled, "cancelled")
			pool.Wait()
			return kdlerr.New(kdlerr.KindCancelled, "transfer cancelled")

		case o := <-results:
			inFlight--
			intervalBytes += s.handleOutcome(ctx, o)
			s.publishProgress(inFlight)

		case <-ticker.C:
			s.adapt(intervalBytes)
			intervalBytes = 0
			s.maybeSplit(inFlight)
		}
	}

	pool.Wait()
	return s.finishSuccess(ctx)
}

// assignReady assigns as many Pending segments as target parallelism and
// per-host caps allow, launching one worker goroutine per assignment.
func (s *Scheduler) assignReady(ctx context.Context, pool *concpool.Pool, results chan<- outcome) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	launched := 0
	for _, seg := range s.segments {
		if s.active >= s.targetParallelism {
			break
		}
		if seg.State() != segment.Pending {
			continue
		}
		src := s.pickSource(seg)
		if src == nil {
			continue
		}

		seg.Assign(src)
		s.active++
		s.activeBySource[src.URL]++
		launched++

		bytesStart := seg.BytesDone()
		startedAt := time.Now()

		pool.Go(func() {
			err := s.wrk.Run(ctx, seg, s.out, s.lim, s.bus, nil)
			results <- outcome{seg: seg, src: src, bytesStart: bytesStart, startedAt: startedAt, err: err}
		})
	}
	return launched
}

// pickSource chooses the highest-scoring healthy source under its per-host
// cap, tie-breaking by fewest active workers then lexicographic URL.
func (s *Scheduler) pickSource(seg *segment.Segment) *source.Source {
	var candidates []*source.Source
	for _, src := range s.sources {
		if !src.Healthy() {
			continue
		}
		if s.activeBySource[src.URL] >= s.connCap {
			continue
		}
		start, _ := seg.Bounds()
		if !src.SupportsRange && (start > 0 || seg.BytesDone() > 0) {
			// A whole-file-only source's response body always starts at
			// byte 0 of the file; it can only ever be trusted for a
			// segment that itself starts at offset 0 with nothing yet
			// written to it — never a later segment of a multi-segment
			// plan, and never a segment resumed partway through.
			continue
		}
		candidates = append(candidates, src)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score() != b.Score() {
			return a.Score() > b.Score()
		}
		if s.activeBySource[a.URL] != s.activeBySource[b.URL] {
			return s.activeBySource[a.URL] < s.activeBySource[b.URL]
		}
		return a.URL < b.URL
	})
	return candidates[0]
}

// handleOutcome processes one worker's result, returning the bytes
// transferred this attempt for throughput accounting.
func (s *Scheduler) handleOutcome(ctx context.Context, o outcome) int64 {
	s.mu.Lock()
	s.active--
	s.activeBySource[o.src.URL]--
	s.mu.Unlock()

	delta := o.seg.BytesDone() - o.bytesStart
	if delta < 0 {
		delta = 0 // the segment restarted (Reenqueue) before we observed it
	}

	if o.err == nil {
		elapsed := time.Since(o.startedAt).Seconds()
		if elapsed > 0 && delta > 0 {
			o.src.UpdateEWMA(float64(delta)/elapsed, ewmaAlpha)
		}
		o.src.RecordSuccess()

		s.mu.Lock()
		s.totalBytesDone += delta
		s.mu.Unlock()

		start, end := o.seg.Bounds()
		if s.pm != nil {
			if err := s.pm.AppendCompleted(ctx, start, end); err != nil {
				s.log.ErrorContext(ctx, "partmap persist failed", "error", err)
			}
		}
		if s.bus != nil {
			s.bus.SegmentDone(start, end, o.src.URL)
		}
		return delta
	}

	s.mu.Lock()
	s.totalBytesDone += delta
	s.mu.Unlock()

	s.handleFailure(o)
	return delta
}

// drainCancelled waits for the n already-launched workers to return after
// ctx was cancelled and persists whatever prefix of bytes each had
// already durably written. Cancellation latency is bounded by the chunk
// size each worker is mid-read on, so this never waits longer than that;
// without it, any segment that was Running at cancellation time would
// have its worker's outcome arrive on results only after the Scheduler
// had already finished, and the bytes it wrote would never make it into
// the partmap sidecar.
func (s *Scheduler) drainCancelled(n int, results <-chan outcome) {
	for i := 0; i < n; i++ {
		s.persistDrainedProgress(<-results)
	}
}

// persistDrainedProgress records one drained outcome's actually-written
// bytes into the partmap: the full interval if the segment finished right
// at cancellation, otherwise just the [start, start+bytesDone) prefix the
// worker had reached before noticing ctx was done. It deliberately skips
// handleFailure's reenqueue/retry-budget bookkeeping — the transfer is
// already ending, so there is nothing left to reassign this segment to.
func (s *Scheduler) persistDrainedProgress(o outcome) {
	s.mu.Lock()
	s.active--
	s.activeBySource[o.src.URL]--
	if delta := o.seg.BytesDone() - o.bytesStart; delta > 0 {
		s.totalBytesDone += delta
	}
	s.mu.Unlock()

	if s.pm == nil {
		return
	}

	if o.seg.State() == segment.Completed {
		start, end := o.seg.Bounds()
		_ = s.pm.AppendCompleted(context.Background(), start, end)
		if s.bus != nil {
			s.bus.SegmentDone(start, end, o.src.URL)
		}
		return
	}

	start, _ := o.seg.Bounds()
	if bytesDone := o.seg.BytesDone(); bytesDone > 0 {
		_ = s.pm.AppendCompleted(context.Background(), start, start+bytesDone)
	}
}

// handleFailure reacts to a failed attempt. Reenqueue resets the segment's
// bytesDone once its start has advanced past whatever was already written
// this attempt, which is why the bytes are folded into totalBytesDone in
// handleOutcome before this runs: they're durably on disk even though the
// attempt as a whole failed.
func (s *Scheduler) handleFailure(o outcome) {
	result, ok := o.err.(kdlerr.Result)
	charge := true
	if ok {
		charge = result.Charge
		if result.Kind != kdlerr.KindRangeUnsupported {
			o.src.RecordFailure()
		}
	} else {
		o.src.RecordFailure()
	}

	s.mu.Lock()
	if charge {
		s.attemptsUsed[o.seg.ID()]++
	}
	used := s.attemptsUsed[o.seg.ID()]
	s.mu.Unlock()

	if used >= maxAttempts {
		o.seg.MarkFailed(o.err)
		return
	}
	o.seg.Reenqueue(o.err)
}

func (s *Scheduler) publishProgress(active int) {
	if s.bus == nil {
		return
	}
	s.bus.PublishProgress(eventbus.Progress{
		BytesDone:         s.bytesDone(),
		Throughput:        s.lastThroughput,
		Active:            active,
		Pending:           s.pendingCount(),
		TargetParallelism: s.targetParallelism,
	})
}

// adapt recomputes target_parallelism from this interval's aggregate
// throughput vs. the last.
func (s *Scheduler) adapt(intervalBytes int64) {
	r := float64(intervalBytes) / adaptInterval.Seconds()
	prev := s.lastThroughput

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case prev > 0 && r > prev*1.05 && s.hasPendingLocked() && !s.allHostsSaturatedLocked():
		if s.targetParallelism < s.hardCap {
			s.targetParallelism++
		}
	case prev > 0 && r < prev*0.90:
		if s.targetParallelism > 1 {
			s.targetParallelism--
		}
	}
	s.lastThroughput = r
}

func (s *Scheduler) allHostsSaturatedLocked() bool {
	for _, src := range s.sources {
		if src.Healthy() && s.activeBySource[src.URL] < s.connCap {
			return false
		}
	}
	return true
}

// maybeSplit splits the largest-remaining Running segment when every
// segment is Running or Completed but target parallelism still exceeds
// the active worker count.
func (s *Scheduler) maybeSplit(active int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active >= s.targetParallelism {
		return
	}
	if s.hasPendingLocked() {
		return
	}

	var best *segment.Segment
	var bestRemaining int64
	for _, seg := range s.segments {
		if seg.State() != segment.Running {
			continue
		}
		if seg.IsUnbounded() {
			continue // nothing sensible to split an open-ended stream into
		}
		r := seg.Remaining()
		if r >= minSplitRemaining && r > bestRemaining {
			best, bestRemaining = seg, r
		}
	}
	if best == nil {
		return
	}

	start, end := best.Bounds()
	bytesDone := best.BytesDone()
	half := (end - (start + bytesDone)) / 2
	newEnd := start + bytesDone + half

	s.nextSplitID++
	remainder := best.Split(s.nextSplitID, newEnd)
	s.segments = append(s.segments, remainder)
}

func (s *Scheduler) allCompleted() bool {
	for _, seg := range s.segments {
		if seg.State() != segment.Completed {
			return false
		}
	}
	return true
}

func (s *Scheduler) hasPendingLocked() bool {
	for _, seg := range s.segments {
		if seg.State() == segment.Pending {
			return true
		}
	}
	return false
}

func (s *Scheduler) allHealthySourcesExhausted() bool {
	for _, src := range s.sources {
		if src.Healthy() {
			return false
		}
	}
	for _, seg := range s.segments {
		if seg.State() == segment.Running {
			return false
		}
	}
	return true
}

func (s *Scheduler) bytesDone() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytesDone
}

func (s *Scheduler) pendingCount() int {
	n := 0
	for _, seg := range s.segments {
		if seg.State() == segment.Pending {
			n++
		}
	}
	return n
}

// finishFailed persists whatever has landed so far and emits the terminal
// Failed event. It takes ctx only for signature symmetry with the success
// path; the Flush itself always runs on a detached context; Flush's own
// select could otherwise race an already-cancelled ctx and skip the write
// that must precede Failed{Cancelled}.
func (s *Scheduler) finishFailed(ctx context.Context, kind kdlerr.Kind, msg string) {
	if s.pm != nil {
		_ = s.pm.Flush(context.Background())
	}
	if s.bus != nil {
		s.bus.FailedEvent(kind, msg)
	}
}

func (s *Scheduler) finishSuccess(ctx context.Context) error {
	if err := s.out.Sync(); err != nil {
		s.finishFailed(ctx, kdlerr.KindWriteFailed, err.Error())
		return err
	}
	if s.bus != nil {
		s.bus.Done(s.bytesDone())
	}
	return nil
}
