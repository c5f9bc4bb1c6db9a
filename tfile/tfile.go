// Package tfile implements the per-file chain engine: walking a file's
// singly-linked data-block chain, translating a byte offset into a
// (block, intra-block offset) pair, and writing a byte buffer out as a
// freshly allocated chain.
package tfile

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tinyfs/tinyfs/block"
	"github.com/tinyfs/tinyfs/volume"
)

// NoBlock marks the absence of a head/cursor block (an empty file).
const NoBlock = 0

var (
	// ErrEndOfFile is returned by ReadByteAt once the cursor reaches Size.
	ErrEndOfFile = errors.New("end of file")
	// ErrInvalidSeek is returned for an offset outside [0, Size).
	ErrInvalidSeek = errors.New("invalid seek offset")
)

// Meta is the chain-relevant subset of a file's in-memory metadata: spec.md
// §3's {size, head_block, cursor_block, cursor_offset}. The file table in
// the tinyfs package embeds this alongside name/read-only/timestamp fields
// that this package has no business touching.
type Meta struct {
	Size         uint32
	HeadBlock    uint32
	CursorBlock  uint32
	CursorOffset uint32
}

// ChainBlocks returns the full chain of data blocks starting at head, in
// order. Used by consistency checking and diagnostic inspection.
func ChainBlocks(dev block.Device, head uint32) ([]uint32, error) {
	var out []uint32
	seen := map[uint32]bool{}
	b := head
	for b != 0 {
		if seen[b] {
			return nil, fmt.Errorf("cycle in chain at block %d: %w", b, volume.ErrInvalidFilesystem)
		}
		seen[b] = true
		out = append(out, b)
		blk, err := dev.ReadBlock(b)
		if err != nil {
			return nil, fmt.Errorf("reading block %d: %w", b, err)
		}
		h, err := volume.HeaderFromBytes(blk)
		if err != nil {
			return nil, err
		}
		if h.Type != volume.TypeData {
			return nil, fmt.Errorf("block %d has type %d, want data: %w", b, h.Type, volume.ErrInvalidFilesystem)
		}
		b = h.Link
	}
	return out, nil
}

// WriteContent replaces meta's entire chain with buf. Any existing chain is
// freed first. On a mid-allocation failure every block allocated during
// this call is freed again, meta is left empty, and ErrDiskFull is
// returned.
func WriteContent(dev block.Device, alloc *volume.Allocator, meta *Meta, buf []byte) error {
	if meta.HeadBlock != NoBlock {
		if err := alloc.FreeChain(meta.HeadBlock); err != nil {
			return fmt.Errorf("freeing prior chain: %w", err)
		}
		meta.HeadBlock = NoBlock
		meta.Size = 0
	}

	if len(buf) == 0 {
		meta.Size = 0
		meta.HeadBlock = NoBlock
		meta.CursorBlock = NoBlock
		meta.CursorOffset = 0
		return nil
	}

	need := (len(buf) + volume.PayloadSize - 1) / volume.PayloadSize
	blocks := make([]uint32, 0, need)
	for i := 0; i < need; i++ {
		b, err := alloc.AllocateOne()
		if err != nil {
			// blocks[0] already heads a well-formed chain through the
			// last successfully allocated block: each block was linked
			// to its predecessor as soon as it was allocated, so one
			// FreeChain call unwinds everything allocated this call.
			if len(blocks) > 0 {
				_ = alloc.FreeChain(blocks[0])
			}
			meta.Size = 0
			meta.HeadBlock = NoBlock
			meta.CursorBlock = NoBlock
			meta.CursorOffset = 0
			return fmt.Errorf("allocating block %d/%d: %w", i+1, need, err)
		}
		blocks = append(blocks, b)
		if i > 0 {
			prev := blocks[i-1]
			prevBlk, err := dev.ReadBlock(prev)
			if err != nil {
				return fmt.Errorf("reading block %d: %w", prev, err)
			}
			h, err := volume.HeaderFromBytes(prevBlk)
			if err != nil {
				return err
			}
			h.Link = b
			if err := dev.WriteBlock(prev, h.Bytes()); err != nil {
				return fmt.Errorf("linking block %d -> %d: %w", prev, b, err)
			}
		}
	}

	for i, b := range blocks {
		start := i * volume.PayloadSize
		end := start + volume.PayloadSize
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[start:end]

		next := uint32(0)
		if i < len(blocks)-1 {
			next = blocks[i+1]
		}
		out := volume.BlockHeader{Type: volume.TypeData, Link: next}.Bytes()
		copy(out[volume.HeaderSize:], chunk)
		if err := dev.WriteBlock(b, out); err != nil {
			return fmt.Errorf("writing block %d: %w", b, err)
		}
	}

	meta.HeadBlock = blocks[0]
	meta.Size = uint32(len(buf))
	meta.CursorBlock = blocks[0]
	meta.CursorOffset = 0
	logrus.WithFields(logrus.Fields{"blocks": need, "size": len(buf)}).Debug("wrote file content")
	return nil
}

// ReadByteAt reads the byte at meta.CursorOffset and advances the cursor,
// following the chain link when the advance crosses a block boundary.
func ReadByteAt(dev block.Device, meta *Meta) (byte, error) {
	if meta.CursorOffset >= meta.Size {
		return 0, ErrEndOfFile
	}
	blk, err := dev.ReadBlock(meta.CursorBlock)
	if err != nil {
		return 0, fmt.Errorf("reading block %d: %w", meta.CursorBlock, err)
	}
	h, err := volume.HeaderFromBytes(blk)
	if err != nil {
		return 0, err
	}
	inBlock := meta.CursorOffset % uint32(volume.PayloadSize)
	v := blk[volume.HeaderSize+int(inBlock)]

	meta.CursorOffset++
	if inBlock+1 == uint32(volume.PayloadSize) && meta.CursorOffset < meta.Size {
		meta.CursorBlock = h.Link
	}
	return v, nil
}

// ReadAll drains the file from the current cursor to end-of-file,
// returning the bytes read. A convenience built on ReadByteAt.
func ReadAll(dev block.Device, meta *Meta) ([]byte, error) {
	out := make([]byte, 0, meta.Size-meta.CursorOffset)
	for {
		v, err := ReadByteAt(dev, meta)
		if err == ErrEndOfFile {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// SeekTo repositions meta's cursor to off, 0 <= off < Size, by walking the
// chain from the head.
func SeekTo(dev block.Device, meta *Meta, off uint32) error {
	if off >= meta.Size {
		return ErrInvalidSeek
	}
	steps := off / uint32(volume.PayloadSize)
	b := meta.HeadBlock
	for i := uint32(0); i < steps; i++ {
		blk, err := dev.ReadBlock(b)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", b, err)
		}
		h, err := volume.HeaderFromBytes(blk)
		if err != nil {
			return err
		}
		b = h.Link
	}
	meta.CursorBlock = b
	meta.CursorOffset = off
	return nil
}

// WriteByteAt overwrites the single byte at off, 0 <= off < Size, leaving
// the rest of the chain untouched. The write is read back and verified;
// a mismatch reports io.ErrShortWrite.
func WriteByteAt(dev block.Device, meta *Meta, off uint32, v byte) error {
	if off >= meta.Size {
		return ErrInvalidSeek
	}
	steps := off / uint32(volume.PayloadSize)
	b := meta.HeadBlock
	for i := uint32(0); i < steps; i++ {
		blk, err := dev.ReadBlock(b)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", b, err)
		}
		h, err := volume.HeaderFromBytes(blk)
		if err != nil {
			return err
		}
		b = h.Link
	}
	blk, err := dev.ReadBlock(b)
	if err != nil {
		return fmt.Errorf("reading block %d: %w", b, err)
	}
	inBlock := off % uint32(volume.PayloadSize)
	blk[volume.HeaderSize+int(inBlock)] = v
	if err := dev.WriteBlock(b, blk); err != nil {
		return fmt.Errorf("writing block %d: %w", b, err)
	}
	readBack, err := dev.ReadBlock(b)
	if err != nil {
		return fmt.Errorf("verifying block %d: %w", b, err)
	}
	if readBack[volume.HeaderSize+int(inBlock)] != v {
		return fmt.Errorf("verifying block %d byte %d: %w", b, inBlock, io.ErrShortWrite)
	}
	return nil
}
