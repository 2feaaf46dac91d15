package partmap

import "context"

// request is one queued mutation: apply it to the PartMap under the
// writer's exclusive ownership, then persist.
type request struct {
	apply func(*PartMap)
	reply chan error
}

// Writer serializes all mutations to a single PartMap through one
// goroutine. The Scheduler is the sole logical mutator, but cancellation
// and normal completion can both reach the last write, so the actual
// serialization is enforced here rather than assumed.
type Writer struct {
	pm   *PartMap
	reqs chan request
	done chan struct{}
}

// NewWriter starts the writer goroutine owning pm.
func NewWriter(pm *PartMap) *Writer {
	w := &Writer{
		pm:   pm,
		reqs: make(chan request, 16),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for req := range w.reqs {
		req.apply(w.pm)
		err := w.pm.Save()
		req.reply <- err
	}
}

// AppendCompleted inserts [start, end) and persists the sidecar before
// returning, so callers can rely on persistence preceding whatever they do
// next (the Scheduler uses this ordering to precede its completion event).
func (w *Writer) AppendCompleted(ctx context.Context, start, end int64) error {
	reply := make(chan error, 1)
	req := request{
		apply: func(pm *PartMap) { pm.Insert(start, end) },
		reply: reply,
	}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush persists the PartMap as-is without inserting anything new — used
// on cancellation to durably record whatever prefix of bytes was actually
// written.
func (w *Writer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	req := request{
		apply: func(*PartMap) {},
		reply: reply,
	}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the live PartMap for read-only inspection. It is not a
// copy: the writer goroutine mutates its Ranges without a lock, so reads
// are only consistent while no AppendCompleted is in flight.
func (w *Writer) Snapshot() *PartMap { return w.pm }

// Close stops the writer goroutine. Safe to call once all outstanding
// requests have completed.
func (w *Writer) Close() {
	close(w.reqs)
	<-w.done
}
