package writer

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for f using fallocate, so the
// filesystem commits real blocks up front instead of the writer
// discovering fragmentation one positioned write at a time.
func preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
