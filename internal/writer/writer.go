// Package writer manages the single output file handle shared by every
// worker: positioned writes to disjoint ranges only, never
// Seek, one fsync after the last segment completes.
package writer

import (
	"fmt"
	"os"

	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
)

// Writer owns the output file handle and performs all positioned writes.
type Writer struct {
	path string
	f    *os.File
}

// Open opens the target file, creating it if missing, and preallocates
// totalSize bytes via the platform's preallocate (see prealloc_linux.go /
// prealloc_other.go) when the size is known. Preallocation failure is
// non-fatal: the file falls back to implicit extension on first write
// past EOF, same as any sparse file.
func Open(path string, totalSize int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, kdlerr.Wrap(kdlerr.KindWriteFailed, "open output file", err)
	}

	if totalSize > 0 {
		if err := preallocate(f, totalSize); err != nil {
			// Not every filesystem/platform supports real preallocation
			// (e.g. some network mounts, or non-Linux fallbacks); the
			// write path tolerates a sparse file just fine.
			_ = err
		}
	}

	return &Writer{path: path, f: f}, nil
}

// WriteAt writes p at the given offset. Concurrent calls with disjoint
// [off, off+len(p)) ranges are safe; overlapping calls are not guarded
// here, the Scheduler is responsible for never assigning overlapping work.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.f.WriteAt(p, off)
	if err != nil {
		return n, kdlerr.Wrap(kdlerr.KindWriteFailed, fmt.Sprintf("write at offset %d", off), err)
	}
	return n, nil
}

// Sync flushes the file to stable storage. Called exactly once, after the
// final segment completes and before the PartMap sidecar is deleted.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "final fsync", err)
	}
	return nil
}

// Close releases the file handle without syncing.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Path returns the output file's path.
func (w *Writer) Path() string {
	return w.path
}
