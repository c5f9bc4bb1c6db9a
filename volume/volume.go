// Package volume implements the TinyFS on-disk block layout and the
// superblock-rooted free-block allocator: format a blank volume, read and
// validate the superblock, and pop/push blocks on the free chain.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinyfs/tinyfs/block"
)

// Block types, matching spec.md's on-disk header.
const (
	TypeSuper = 1
	TypeInode = 2 // reserved; never produced by this implementation
	TypeData  = 3
	TypeFree  = 4
)

// Magic is the constant byte every TinyFS-owned block carries at offset 1.
const Magic = 0x44

// FormatVersion is bumped if the on-disk layout below ever changes. Version
// 1 widens the link field to a 2-byte little-endian unsigned integer,
// addressing up to 65535 blocks instead of the reference implementation's
// single-byte, 255-block ceiling.
const FormatVersion = 1

// HeaderSize is the number of header bytes preceding file payload: type(1)
// + magic(1) + link(2).
const HeaderSize = 4

// PayloadSize is the usable payload per data block.
const PayloadSize = block.Size - HeaderSize

var (
	// ErrDiskFull is returned by AllocateOne when the free chain is empty.
	ErrDiskFull = errors.New("disk full")
	// ErrInvalidFilesystem is returned when a block's type/magic header
	// fails validation.
	ErrInvalidFilesystem = errors.New("invalid filesystem")
)

// BlockHeader is the decoded {type, link} part of the header shared by every
// TinyFS block. The magic byte is not stored: HeaderFromBytes validates it
// and Bytes writes it.
type BlockHeader struct {
	Type uint8
	Link uint32
}

// HeaderFromBytes decodes the first HeaderSize bytes of a block and
// validates the magic byte.
func HeaderFromBytes(b []byte) (BlockHeader, error) {
	if len(b) < HeaderSize {
		return BlockHeader{}, fmt.Errorf("short block header: %w", ErrInvalidFilesystem)
	}
	if b[1] != Magic {
		return BlockHeader{}, fmt.Errorf("bad magic byte %#x: %w", b[1], ErrInvalidFilesystem)
	}
	return BlockHeader{
		Type: b[0],
		Link: uint32(binary.LittleEndian.Uint16(b[2:4])),
	}, nil
}

// Bytes encodes the header into the first HeaderSize bytes of a full block,
// leaving the payload beyond HeaderSize as zeros.
func (h BlockHeader) Bytes() []byte {
	b := make([]byte, block.Size)
	b[0] = h.Type
	b[1] = Magic
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.Link))
	return b
}

// Superblock is the decoded contents of block 0: the free-chain head, plus
// the expansion fields recorded at format time (block count, format
// version, volume UUID).
type Superblock struct {
	FreeHead      uint32
	BlockCount    uint16
	FormatVersion uint8
	ID            uuid.UUID
}

func superblockFromBytes(b []byte) (Superblock, error) {
	h, err := HeaderFromBytes(b)
	if err != nil {
		return Superblock{}, err
	}
	if h.Type != TypeSuper {
		return Superblock{}, fmt.Errorf("block 0 has type %d, want superblock: %w", h.Type, ErrInvalidFilesystem)
	}
	var id uuid.UUID
	copy(id[:], b[7:23])
	return Superblock{
		FreeHead:      h.Link,
		BlockCount:    binary.LittleEndian.Uint16(b[4:6]),
		FormatVersion: b[6],
		ID:            id,
	}, nil
}

func (s Superblock) bytes() []byte {
	b := BlockHeader{Type: TypeSuper, Link: s.FreeHead}.Bytes()
	binary.LittleEndian.PutUint16(b[4:6], s.BlockCount)
	b[6] = s.FormatVersion
	copy(b[7:23], s.ID[:])
	return b
}

// Format writes a blank volume of n blocks to dev: block 0 is a superblock
// whose free-chain head is block 1; blocks 1..n-1 form a single free chain
// terminated by a zero link.
func Format(dev block.Device, n uint32) error {
	if n < 2 {
		return fmt.Errorf("volume of %d blocks has no room for data: %w", n, ErrDiskFull)
	}
	id := uuid.New()
	sb := Superblock{FreeHead: 1, BlockCount: uint16(n), FormatVersion: FormatVersion, ID: id}
	if err := dev.WriteBlock(0, sb.bytes()); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}
	for i := uint32(1); i < n; i++ {
		next := uint32(0)
		if i < n-1 {
			next = i + 1
		}
		fb := BlockHeader{Type: TypeFree, Link: next}.Bytes()
		if err := dev.WriteBlock(i, fb); err != nil {
			return fmt.Errorf("writing free block %d: %w", i, err)
		}
	}
	logrus.WithFields(logrus.Fields{"blocks": n, "id": id}).Debug("volume formatted")
	return nil
}

// ReadSuperblock reads and validates block 0, enforcing invariant I1 (type
// 1, magic 0x44).
func ReadSuperblock(dev block.Device) (Superblock, error) {
	b, err := dev.ReadBlock(0)
	if err != nil {
		return Superblock{}, fmt.Errorf("reading superblock: %w", err)
	}
	return superblockFromBytes(b)
}

// Allocator maintains the free-block chain rooted at the volume's
// superblock.
type Allocator struct {
	dev block.Device
}

// NewAllocator returns an Allocator operating against dev. dev must already
// hold a formatted volume.
func NewAllocator(dev block.Device) *Allocator {
	return &Allocator{dev: dev}
}

// AllocateOne pops one block off the free chain, rewrites it as an empty
// data block, and returns its index. The superblock is updated to point
// past the allocated block BEFORE that block is repurposed, so a crash
// between the two writes never leaves a block double-allocated.
func (a *Allocator) AllocateOne() (uint32, error) {
	sb, err := ReadSuperblock(a.dev)
	if err != nil {
		return 0, err
	}
	if sb.FreeHead == 0 {
		return 0, ErrDiskFull
	}
	fb, err := a.dev.ReadBlock(sb.FreeHead)
	if err != nil {
		return 0, fmt.Errorf("reading free block %d: %w", sb.FreeHead, err)
	}
	fh, err := HeaderFromBytes(fb)
	if err != nil {
		return 0, err
	}
	if fh.Type != TypeFree {
		return 0, fmt.Errorf("block %d on free chain has type %d: %w", sb.FreeHead, fh.Type, ErrInvalidFilesystem)
	}

	allocated := sb.FreeHead
	sb.FreeHead = fh.Link
	if err := a.dev.WriteBlock(0, sb.bytes()); err != nil {
		return 0, fmt.Errorf("writing superblock: %w", err)
	}

	dataBlock := BlockHeader{Type: TypeData, Link: 0}.Bytes()
	if err := a.dev.WriteBlock(allocated, dataBlock); err != nil {
		return 0, fmt.Errorf("writing data block %d: %w", allocated, err)
	}
	logrus.WithField("block", allocated).Debug("allocated block")
	return allocated, nil
}

// FreeChain walks the chain rooted at head, one block at a time: each block
// is rewritten as free BEFORE the superblock is updated to include it, so a
// crash mid-free leaves the block either allocated-in-neither-place or
// free-in-both, never double-allocated.
func (a *Allocator) FreeChain(head uint32) error {
	b := head
	freed := 0
	for b != 0 {
		blk, err := a.dev.ReadBlock(b)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", b, err)
		}
		h, err := HeaderFromBytes(blk)
		if err != nil {
			return err
		}
		next := h.Link

		sb, err := ReadSuperblock(a.dev)
		if err != nil {
			return err
		}
		freeBlock := BlockHeader{Type: TypeFree, Link: sb.FreeHead}.Bytes()
		if err := a.dev.WriteBlock(b, freeBlock); err != nil {
			return fmt.Errorf("writing free block %d: %w", b, err)
		}
		sb.FreeHead = b
		if err := a.dev.WriteBlock(0, sb.bytes()); err != nil {
			return fmt.Errorf("writing superblock: %w", err)
		}

		freed++
		b = next
	}
	logrus.WithField("freed", freed).Debug("freed chain")
	return nil
}
