//go:build !linux

package writer

import "os"

// preallocate has no fallocate equivalent outside Linux in this build, so
// it falls back to Truncate: that sets the file's logical size (and lets
// out-of-order positioned writes land without an implicit extend racing
// another worker's write), even though it doesn't reserve physical blocks.
func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
