// Package partmap implements the `<target>.kdl.partmap` sidecar: a binary,
// CRC-checked record of which byte intervals of a target file are already
// durably written, so a later resume only has to fetch what's missing.
package partmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
)

// magic is padded to 8 bytes so the fixed header totals 16 bytes:
// 8 (magic) + 2 (version) + 1 (reserved) + 1 (reserved) + 4 (flags).
var magic = [8]byte{'K', 'D', 'L', 'P', 'M', 0, 0, 0}

const formatVersion uint16 = 1

const (
	headerSize    = 16
	totalSizeSize = 8
	intervalSize  = 16
	crcSize       = 4
)

// PartMap is the in-memory, serialized-write view of a sidecar file.
type PartMap struct {
	TargetPath string
	TotalSize  int64
	Validator  string
	ranges     *Ranges
}

// SidecarPath returns the sidecar path for a given target file:
// "<target>.kdl.partmap", co-located with the target so rename is atomic.
func SidecarPath(targetPath string) string {
	return targetPath + ".kdl.partmap"
}

// New creates an empty PartMap for a fresh transfer.
func New(targetPath string, totalSize int64, validator string) *PartMap {
	return &PartMap{
		TargetPath: targetPath,
		TotalSize:  totalSize,
		Validator:  validator,
		ranges:     NewRanges(),
	}
}

// Ranges exposes the underlying coalesced interval set.
func (p *PartMap) Ranges() *Ranges { return p.ranges }

// Insert records a newly completed interval.
func (p *PartMap) Insert(start, end int64) { p.ranges.Insert(start, end) }

// Encode serializes the PartMap to its on-disk binary layout.
func (p *PartMap) Encode() []byte {
	var buf bytes.Buffer

	buf.Write(magic[:])
	binary.Write(&buf, binary.LittleEndian, formatVersion)
	buf.WriteByte(0) // reserved
	buf.WriteByte(0) // reserved
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // flags

	binary.Write(&buf, binary.LittleEndian, uint64(p.TotalSize))

	v := []byte(p.Validator)
	binary.Write(&buf, binary.LittleEndian, uint16(len(v)))
	buf.Write(v)

	for _, iv := range p.ranges.Items() {
		binary.Write(&buf, binary.LittleEndian, uint64(iv.Start))
		binary.Write(&buf, binary.LittleEndian, uint64(iv.End))
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, sum)

	return buf.Bytes()
}

// Decode parses the binary layout, validating magic, version, and trailing
// CRC32. Any structural problem is reported as a PartMapCorrupt error; this
// is never fatal to the transfer, only to the sidecar itself.
func Decode(data []byte) (*PartMap, error) {
	if len(data) < headerSize+totalSizeSize+2+crcSize {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "sidecar too short")
	}

	body := data[:len(data)-crcSize]
	wantSum := binary.LittleEndian.Uint32(data[len(data)-crcSize:])
	gotSum := crc32.ChecksumIEEE(body)
	if wantSum != gotSum {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "crc32 mismatch")
	}

	var gotMagic [8]byte
	copy(gotMagic[:], body[0:8])
	if gotMagic != magic {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "bad magic")
	}

	version := binary.LittleEndian.Uint16(body[8:10])
	if version != formatVersion {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, fmt.Sprintf("unsupported version %d", version))
	}

	off := headerSize
	if off+totalSizeSize > len(body) {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "truncated total size")
	}
	totalSize := int64(binary.LittleEndian.Uint64(body[off : off+totalSizeSize]))
	off += totalSizeSize

	if off+2 > len(body) {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "truncated validator length")
	}
	vlen := int(binary.LittleEndian.Uint16(body[off : off+2]))
	off += 2
	if off+vlen > len(body) {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "truncated validator")
	}
	validator := string(body[off : off+vlen])
	off += vlen

	remaining := len(body) - off
	if remaining%intervalSize != 0 {
		return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "truncated interval records")
	}

	ranges := NewRanges()
	for off < len(body) {
		start := int64(binary.LittleEndian.Uint64(body[off : off+8]))
		end := int64(binary.LittleEndian.Uint64(body[off+8 : off+16]))
		if start < 0 || end < start {
			return nil, kdlerr.New(kdlerr.KindPartMapCorrupt, "invalid interval record")
		}
		ranges.Insert(start, end)
		off += intervalSize
	}

	return &PartMap{TotalSize: totalSize, Validator: validator, ranges: ranges}, nil
}

// Load reads and decodes the sidecar for targetPath, validating it against
// the current probe's totalSize/validator. Any mismatch — missing file,
// corruption, or a stale validator/size — results in (nil, nil):
// §4.3 this is never an error, it just means a fresh transfer begins.
func Load(targetPath string, totalSize int64, validator string) (*PartMap, error) {
	path := SidecarPath(targetPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}

	pm, err := Decode(data)
	if err != nil {
		return nil, nil
	}

	if pm.TotalSize != totalSize || pm.Validator != validator {
		return nil, nil
	}

	pm.TargetPath = targetPath
	return pm, nil
}

// Save persists the PartMap atomically: write to "<sidecar>.tmp", fsync,
// then rename over the existing sidecar. Rename within the same directory
// is atomic on every platform the engine targets.
func (p *PartMap) Save() error {
	path := SidecarPath(p.TargetPath)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "create partmap tmp", err)
	}

	data := p.Encode()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "write partmap tmp", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "fsync partmap tmp", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "close partmap tmp", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "rename partmap tmp", err)
	}

	return nil
}

// Delete removes the sidecar file; called once the transfer completes
// end-to-end and the final output fsync has already happened.
func Delete(targetPath string) error {
	err := os.Remove(SidecarPath(targetPath))
	if err != nil && !os.IsNotExist(err) {
		return kdlerr.Wrap(kdlerr.KindWriteFailed, "remove partmap", err)
	}
	return nil
}

// EnsureDir makes sure the sidecar's parent directory exists (it is always
// the same directory as the target, so this is typically a
// no-op once the output directory itself has been created).
func EnsureDir(targetPath string) error {
	dir := filepath.Dir(targetPath)
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
