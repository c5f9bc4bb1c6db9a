// Package tinyfs implements a small, single-volume, single-directory file
// system living inside one host regular file: format, mount, unmount,
// open, close, write, delete, seek, read-byte, plus rename, directory
// listing, read-only toggling, single-byte patch, metadata inspection, and
// a consistency check.
//
// Format creates a blank volume; Mount opens one for use. At most one
// volume may be mounted per process (spec.md's single-mount invariant);
// the file table backing open descriptors is session-only and is not
// persisted across an Unmount/Mount cycle.
package tinyfs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	times "gopkg.in/djherbis/times.v1"

	"github.com/tinyfs/tinyfs/block"
	"github.com/tinyfs/tinyfs/tfile"
	"github.com/tinyfs/tinyfs/volume"
)

// BlockSize is the fixed size, in bytes, of every block on a TinyFS volume.
const BlockSize = block.Size

// DefaultVolumeSize is the default host-file size, in bytes, used by
// Format when a caller doesn't specify one (40 blocks).
const DefaultVolumeSize = 10240

// DefaultDiskName is the default host file name used by the demo driver.
const DefaultDiskName = "tinyFSDisk"

// MaxNameLength is the longest file name TinyFS stores, not counting the
// trailing NUL.
const MaxNameLength = 8

// Format creates a blank volume in the host file at path, sized to n bytes
// (rounded down to a whole number of blocks).
func Format(path string, n int64) error {
	dev, err := block.Open(path, n)
	if err != nil {
		return NewDiskFailureError(path, err)
	}
	defer dev.Close()
	if err := volume.Format(dev, dev.BlockCount()); err != nil {
		return NewDiskFailureError(path, err)
	}
	return nil
}

// fileRecord is one entry in the in-memory file table: spec.md §3's
// {name, size, head_block, cursor_block, cursor_offset, read_only,
// created_at}, the chain-relevant fields factored out into tfile.Meta.
type fileRecord struct {
	name      string
	meta      tfile.Meta
	readOnly  bool
	createdAt times.Timespec
}

// Volume is the process-wide mount of a single TinyFS host file: the open
// block device, its allocator, and the session-only file table. At most
// one Volume may be mounted at a time; Mount enforces this.
type Volume struct {
	path  string
	dev   block.Device
	alloc *volume.Allocator
	id    uuid.UUID
	table []*fileRecord
}

var mounted *Volume

// Mount opens the host file at path and binds it as the process's active
// volume. It is an error to mount while another volume is already mounted.
func Mount(path string) (*Volume, error) {
	if mounted != nil {
		return nil, ErrDiskAlreadyMounted
	}
	dev, err := block.Open(path, 0)
	if err != nil {
		return nil, NewDiskNotFoundError(path)
	}
	sb, err := volume.ReadSuperblock(dev)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("mounting %q: %w", path, err)
	}
	v := &Volume{
		path:  path,
		dev:   dev,
		alloc: volume.NewAllocator(dev),
		id:    sb.ID,
	}
	mounted = v
	logrus.WithFields(logrus.Fields{"path": path, "id": sb.ID}).Debug("mounted volume")
	return v, nil
}

// Unmount closes the volume's host file and clears the mount state and
// file table (spec.md I7: the file table never survives an unmount).
func (v *Volume) Unmount() error {
	if mounted != v {
		return ErrDiskNotOpen
	}
	err := v.dev.Close()
	v.table = nil
	mounted = nil
	logrus.WithField("path", v.path).Debug("unmounted volume")
	return err
}

// ID returns the volume's UUID, assigned at Format time.
func (v *Volume) ID() uuid.UUID {
	return v.id
}

func truncateName(name string) string {
	if len(name) > MaxNameLength {
		return name[:MaxNameLength]
	}
	return name
}

func (v *Volume) indexOf(name string) int {
	for i, r := range v.table {
		if r.name == name {
			return i
		}
	}
	return -1
}

func (v *Volume) checkMounted() error {
	if mounted != v {
		return ErrDiskNotOpen
	}
	return nil
}

func (v *Volume) record(fd int) (*fileRecord, error) {
	if fd < 0 || fd >= len(v.table) {
		return nil, NewFileNotOpenError(fd)
	}
	return v.table[fd], nil
}

// OpenFile returns the descriptor for name, creating a new empty record if
// none exists yet.
func (v *Volume) OpenFile(name string) (int, error) {
	if err := v.checkMounted(); err != nil {
		return -1, err
	}
	name = truncateName(name)
	if idx := v.indexOf(name); idx >= 0 {
		return idx, nil
	}
	v.table = append(v.table, &fileRecord{
		name:      name,
		createdAt: timespecNow(),
	})
	return len(v.table) - 1, nil
}

// CloseFile removes fd's record from the table, shifting later descriptors
// down by one (spec.md §9's descriptor-stability hazard: an open
// descriptor can silently come to refer to a different file after any
// close). The file's content is left on disk, unreachable from this
// session until the name is opened again.
func (v *Volume) CloseFile(fd int) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	if _, err := v.record(fd); err != nil {
		return err
	}
	v.table = append(v.table[:fd], v.table[fd+1:]...)
	return nil
}

// DeleteFile frees fd's chain and removes its record from the table.
func (v *Volume) DeleteFile(fd int) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	rec, err := v.record(fd)
	if err != nil {
		return err
	}
	if rec.readOnly {
		return ErrFileReadOnly
	}
	if rec.meta.HeadBlock != tfile.NoBlock {
		if err := v.alloc.FreeChain(rec.meta.HeadBlock); err != nil {
			return err
		}
	}
	v.table = append(v.table[:fd], v.table[fd+1:]...)
	return nil
}

// WriteFile replaces fd's entire content with buf[:size].
func (v *Volume) WriteFile(fd int, buf []byte, size int) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	rec, err := v.record(fd)
	if err != nil {
		return err
	}
	if rec.readOnly {
		return ErrFileReadOnly
	}
	return tfile.WriteContent(v.dev, v.alloc, &rec.meta, buf[:size])
}

// ReadByte reads the byte at fd's cursor and advances it, returning
// tfile.ErrEndOfFile (CodeEndOfFile) once the cursor reaches the file's size.
func (v *Volume) ReadByte(fd int) (byte, error) {
	if err := v.checkMounted(); err != nil {
		return 0, err
	}
	rec, err := v.record(fd)
	if err != nil {
		return 0, err
	}
	return tfile.ReadByteAt(v.dev, &rec.meta)
}

// Seek repositions fd's cursor to off, 0 <= off < size.
func (v *Volume) Seek(fd int, off int) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	rec, err := v.record(fd)
	if err != nil {
		return err
	}
	return tfile.SeekTo(v.dev, &rec.meta, uint32(off))
}

// WriteByte overwrites the single byte at off in fd's content.
func (v *Volume) WriteByte(fd int, off int, value byte) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	rec, err := v.record(fd)
	if err != nil {
		return err
	}
	if rec.readOnly {
		return ErrFileReadOnly
	}
	return tfile.WriteByteAt(v.dev, &rec.meta, uint32(off), value)
}

// Rename changes fd's name to newName, failing if another open record
// already holds that name.
func (v *Volume) Rename(fd int, newName string) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	rec, err := v.record(fd)
	if err != nil {
		return err
	}
	newName = truncateName(newName)
	if idx := v.indexOf(newName); idx >= 0 && idx != fd {
		return NewFileAlreadyExistsError(newName)
	}
	rec.name = newName
	return nil
}

// ReadDir returns every open file's name, in file-table order.
func (v *Volume) ReadDir() ([]string, error) {
	if err := v.checkMounted(); err != nil {
		return nil, err
	}
	names := make([]string, len(v.table))
	for i, r := range v.table {
		names[i] = r.name
	}
	return names, nil
}

// MakeReadOnly marks the file named name read-only.
func (v *Volume) MakeReadOnly(name string) error {
	return v.setReadOnly(name, true)
}

// MakeReadWrite clears the read-only flag on the file named name.
func (v *Volume) MakeReadWrite(name string) error {
	return v.setReadOnly(name, false)
}

func (v *Volume) setReadOnly(name string, ro bool) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	idx := v.indexOf(truncateName(name))
	if idx < 0 {
		return NewFileNotFoundError(name)
	}
	v.table[idx].readOnly = ro
	return nil
}

// FileInfo is the metadata snapshot returned by ReadFileInfo.
type FileInfo struct {
	Name      string
	Size      uint32
	HeadBlock uint32
	ReadOnly  bool
	CreatedAt times.Timespec
}

// ReadFileInfo returns fd's name, size, head block, creation time, and
// read-only flag.
func (v *Volume) ReadFileInfo(fd int) (FileInfo, error) {
	if err := v.checkMounted(); err != nil {
		return FileInfo{}, err
	}
	rec, err := v.record(fd)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:      rec.name,
		Size:      rec.meta.Size,
		HeadBlock: rec.meta.HeadBlock,
		ReadOnly:  rec.readOnly,
		CreatedAt: rec.createdAt,
	}, nil
}

// FileChain returns the raw data-block chain backing the named file, for
// diagnostic inspection (mirrors GetClusterChain-style tooling).
func (v *Volume) FileChain(name string) ([]uint32, error) {
	if err := v.checkMounted(); err != nil {
		return nil, err
	}
	idx := v.indexOf(truncateName(name))
	if idx < 0 {
		return nil, NewFileNotFoundError(name)
	}
	rec := v.table[idx]
	if rec.meta.HeadBlock == tfile.NoBlock {
		return nil, nil
	}
	return tfile.ChainBlocks(v.dev, rec.meta.HeadBlock)
}

// CheckConsistency verifies I1-I5: the superblock header, that every block
// on the free chain and every open file's chain carries the right
// type/magic, that no block index appears in more than one chain, and that
// no chain cycles. It reports the first violation found.
func (v *Volume) CheckConsistency() error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	sb, err := volume.ReadSuperblock(v.dev)
	if err != nil {
		return err
	}

	seen := map[uint32]string{} // block index -> which chain claimed it first

	cur := sb.FreeHead
	for cur != 0 {
		blk, err := v.dev.ReadBlock(cur)
		if err != nil {
			return err
		}
		h, err := volume.HeaderFromBytes(blk)
		if err != nil {
			return err
		}
		if h.Type != volume.TypeFree {
			return fmt.Errorf("free-chain block %d has type %d: %w", cur, h.Type, volume.ErrInvalidFilesystem)
		}
		if owner, ok := seen[cur]; ok {
			return fmt.Errorf("block %d claimed by both %s and the free chain: %w", cur, owner, volume.ErrInvalidFilesystem)
		}
		seen[cur] = "free chain"
		cur = h.Link
	}

	for _, rec := range v.table {
		if rec.meta.HeadBlock == tfile.NoBlock {
			continue
		}
		chain, err := tfile.ChainBlocks(v.dev, rec.meta.HeadBlock)
		if err != nil {
			return fmt.Errorf("walking chain for %q: %w", rec.name, err)
		}
		for _, b := range chain {
			if owner, ok := seen[b]; ok {
				return fmt.Errorf("block %d claimed by both %q and %s: %w", b, rec.name, owner, volume.ErrInvalidFilesystem)
			}
			seen[b] = fmt.Sprintf("file %q", rec.name)
		}
	}
	return nil
}

// timespecNow exists so tests can see the exact seam where wall-clock time
// enters the file table; production code just calls time.Now().
var timespecNow = func() times.Timespec {
	return timeTimespec{time.Now()}
}

// timeTimespec adapts time.Time to the times.Timespec interface without
// needing a real filesystem stat result to source birth/mtime/atime from.
type timeTimespec struct {
	t time.Time
}

func (t timeTimespec) ModTime() time.Time    { return t.t }
func (t timeTimespec) AccessTime() time.Time { return t.t }
func (t timeTimespec) ChangeTime() time.Time { return t.t }
func (t timeTimespec) BirthTime() time.Time  { return t.t }
func (t timeTimespec) HasChangeTime() bool   { return true }
func (t timeTimespec) HasBirthTime() bool    { return true }
