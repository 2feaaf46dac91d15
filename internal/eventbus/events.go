// Package eventbus implements the single-writer, many-reader lifecycle
// broadcast: Progress events may be dropped to a
// slow subscriber, lifecycle transitions never are. The subscriber
// registry and buffered-channel fan-out use a locked map plus per-
// subscriber buffered channels, the same shape a stream-tracking
// broadcaster needs regardless of domain.
package eventbus

import "github.com/compiledkernel-idk/kdl/internal/kdlerr"

// Kind identifies an event's type, used as the JSON discriminator field
// for line-oriented external sinks.
type Kind string

const (
	KindStarted          Kind = "started"
	KindProgress         Kind = "progress"
	KindSegmentCompleted Kind = "segment_completed"
	KindSourceDemoted    Kind = "source_demoted"
	KindCompleted        Kind = "completed"
	KindFailed           Kind = "failed"
)

// Event is the envelope broadcast to every subscriber. Exactly one of the
// payload fields is populated, selected by Kind.
type Event struct {
	Kind Kind `json:"kind"`

	Started          *Started          `json:"started,omitempty"`
	Progress         *Progress         `json:"progress,omitempty"`
	SegmentCompleted *SegmentCompleted `json:"segment_completed,omitempty"`
	SourceDemoted    *SourceDemoted    `json:"source_demoted,omitempty"`
	Completed        *Completed        `json:"completed,omitempty"`
	Failed           *Failed           `json:"failed,omitempty"`
}

// Started announces the transfer's total size and the plan about to run.
type Started struct {
	Total int64 `json:"total"`
}

// Progress is a droppable snapshot of transfer state. BytesDone is
// monotonically non-decreasing across the events a single subscriber
// actually receives, preserving lifecycle ordering, even though some
// Progress events may never reach a slow subscriber.
type Progress struct {
	BytesDone         int64   `json:"bytes_done"`
	Throughput        float64 `json:"throughput"`
	Active            int     `json:"active"`
	Pending           int     `json:"pending"`
	TargetParallelism int     `json:"target_parallelism"`
}

// SegmentCompleted reports one finished byte interval and the source that
// served it. It strictly precedes any Completed event for the same
// transfer, and is itself emitted only after PartMap persistence.
type SegmentCompleted struct {
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Source string `json:"source"`
}

// SourceDemoted reports a source being taken out of rotation (health
// exhausted or a range-support revocation), and why.
type SourceDemoted struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Completed is the final success event.
type Completed struct {
	Bytes int64 `json:"bytes"`
}

// Failed is the final failure event, carrying the error kind driving the
// process exit code (see kdlerr.ExitCode).
type Failed struct {
	Kind    kdlerr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func isLifecycle(k Kind) bool {
	return k != KindProgress
}
