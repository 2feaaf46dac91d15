// Package planner turns a probed total size into the initial Segment list,
// It has no third-party dependency: this is a pure
// arithmetic boundary with nothing for an ecosystem library to do.
package planner

import "github.com/compiledkernel-idk/kdl/internal/segment"

// MinSegmentSize is the floor below which the Planner refuses to split
// further; fixed at 1 MiB.
const MinSegmentSize int64 = 1 << 20

// Plan produces the initial Segment list for a transfer of totalSize bytes
// requesting requestedSegments parallel ranges. totalSize < 0 means the
// size is unknown (no probed source advertised one); in that case a
// single unbounded segment [0, segment.Unbounded) is returned for
// single-connection streaming.
func Plan(totalSize int64, requestedSegments int) []*segment.Segment {
	if totalSize < 0 {
		return []*segment.Segment{segment.New(0, 0, segment.Unbounded)}
	}
	if totalSize == 0 {
		// Nothing to transfer: an empty Segment list is vacuously
		// "all completed", so the Scheduler finishes on its first pass.
		return nil
	}

	count := EffectiveCount(totalSize, requestedSegments)
	size := ceilDiv(totalSize, int64(count))

	segments := make([]*segment.Segment, 0, count)
	var start int64
	for i := 0; i < count && start < totalSize; i++ {
		end := start + size
		if end > totalSize {
			end = totalSize
		}
		segments = append(segments, segment.New(i, start, end))
		start = end
	}
	return segments
}

// EffectiveCount clamps requestedSegments so that no segment would fall
// below MinSegmentSize: min(requestedSegments, ceil(totalSize/MinSegmentSize)).
func EffectiveCount(totalSize int64, requestedSegments int) int {
	if requestedSegments < 1 {
		requestedSegments = 1
	}
	maxByFloor := ceilDiv(totalSize, MinSegmentSize)
	if maxByFloor < 1 {
		maxByFloor = 1
	}
	if int64(requestedSegments) > maxByFloor {
		return int(maxByFloor)
	}
	return requestedSegments
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
