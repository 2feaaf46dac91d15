// Package checksum performs the optional post-transfer integrity check
// described as an external collaborator to the transfer engine: a
// streaming SHA-256 digest compared against either a bare 64-hex digest
// or the first matching filename entry of a checksum file. This is a
// narrow boundary concern with nothing for a third-party library to add
// over crypto/sha256 and bufio, so it stays on the standard library.
package checksum

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
)

// ErrMismatch is wrapped by Verify's returned error when the computed
// digest disagrees with the expected one, so a caller can map it to the
// checksum-mismatch exit code without string matching.
var ErrMismatch = errors.New("checksum mismatch")

// Sum computes the hex-encoded SHA-256 digest of the file at path,
// streaming it through a bufio.Reader rather than loading it into memory.
func Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "opening file for checksum", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, bufio.NewReaderSize(f, 1<<20)); err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "reading file for checksum", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the file at targetPath against want, which is either a
// bare 64-hex digest or a path to a checksum file (sha256sum format:
// "<digest>  <filename>" per line, matched by the file's base name).
// It returns nil when the digests match.
func Verify(targetPath, want string) error {
	expected, err := expectedDigest(targetPath, want)
	if err != nil {
		return err
	}

	got, err := Sum(targetPath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: want %s, got %s", ErrMismatch, expected, got)
	}
	return nil
}

func expectedDigest(targetPath, want string) (string, error) {
	if isHexDigest(want) {
		return want, nil
	}
	return findDigestInFile(want, filepath.Base(targetPath))
}

// findDigestInFile scans a checksum file for the first line whose
// filename field matches name, returning its digest.
func findDigestInFile(checksumFile, name string) (string, error) {
	f, err := os.Open(checksumFile)
	if err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "opening checksum file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		digest := fields[0]
		file := strings.TrimPrefix(fields[1], "*")
		if file == name && isHexDigest(digest) {
			return digest, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "reading checksum file", err)
	}
	return "", fmt.Errorf("no checksum entry for %q in %s", name, checksumFile)
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
