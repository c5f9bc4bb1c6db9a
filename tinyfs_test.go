package tinyfs_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyfs/tinyfs"
	"github.com/tinyfs/tinyfs/block"
)

func formatAndMount(t *testing.T, n int64) *tinyfs.Volume {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := tinyfs.Format(path, n); err != nil {
		t.Fatalf("Format: %v", err)
	}
	vol, err := tinyfs.Mount(path)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { _ = vol.Unmount() })
	return vol
}

func TestFormatMountUnmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := tinyfs.Format(path, tinyfs.DefaultVolumeSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	vol, err := tinyfs.Mount(path)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := vol.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if err := vol.Unmount(); err != tinyfs.ErrDiskNotOpen {
		t.Fatalf("second Unmount: err = %v, want ErrDiskNotOpen", err)
	}
}

func TestMountRefusesSecondMount(t *testing.T) {
	vol := formatAndMount(t, tinyfs.DefaultVolumeSize)
	_ = vol

	path2 := filepath.Join(t.TempDir(), "disk2.img")
	if err := tinyfs.Format(path2, tinyfs.DefaultVolumeSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if _, err := tinyfs.Mount(path2); err != tinyfs.ErrDiskAlreadyMounted {
		t.Fatalf("second Mount: err = %v, want ErrDiskAlreadyMounted", err)
	}
}

func TestWriteReadSmallFile(t *testing.T) {
	vol := formatAndMount(t, tinyfs.DefaultVolumeSize)

	content := strings.Repeat("I am file. A very good file. ", 7)[:200]
	fd, err := vol.OpenFile("iamfile")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := vol.WriteFile(fd, []byte(content), len(content)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := vol.Seek(fd, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	var got bytes.Buffer
	for i := 0; i < len(content); i++ {
		b, err := vol.ReadByte(fd)
		if err != nil {
			t.Fatalf("ReadByte(%d): %v", i, err)
		}
		got.WriteByte(b)
	}
	if got.String() != content {
		t.Fatalf("round trip mismatch: got %q", got.String())
	}
	if _, err := vol.ReadByte(fd); tinyfs.CodeOf(err) != tinyfs.CodeEndOfFile {
		t.Fatalf("read past end: code = %d, want CodeEndOfFile", tinyfs.CodeOf(err))
	}
}

func TestMultiBlockFile(t *testing.T) {
	vol := formatAndMount(t, tinyfs.DefaultVolumeSize)
	buf := make([]byte, 1000)
	for i := range buf {
		buf[i] = byte('a' + i%26)
	}
	fd, err := vol.OpenFile("bigfile")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := vol.WriteFile(fd, buf, len(buf)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	chain, err := vol.FileChain("bigfile")
	if err != nil {
		t.Fatalf("FileChain: %v", err)
	}
	if len(chain) != 4 {
		t.Fatalf("chain length = %d, want 4", len(chain))
	}

	if err := vol.Seek(fd, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	var got bytes.Buffer
	for {
		b, err := vol.ReadByte(fd)
		if err != nil {
			break
		}
		got.WriteByte(b)
	}
	if !bytes.Equal(got.Bytes(), buf) {
		t.Fatal("1000-byte round trip mismatch")
	}
	if err := vol.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
}

func TestRenameCollision(t *testing.T) {
	vol := formatAndMount(t, tinyfs.DefaultVolumeSize)
	fdA, err := vol.OpenFile("a")
	if err != nil {
		t.Fatalf("OpenFile(a): %v", err)
	}
	fdB, err := vol.OpenFile("b")
	if err != nil {
		t.Fatalf("OpenFile(b): %v", err)
	}
	if err := vol.Rename(fdB, "a"); tinyfs.CodeOf(err) != tinyfs.CodeFileAlreadyExists {
		t.Fatalf("Rename collision: code = %d, want CodeFileAlreadyExists", tinyfs.CodeOf(err))
	}
	names, err := vol.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	_ = fdA
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("ReadDir = %v, want [a b]", names)
	}
}

func TestReadOnlyEnforcement(t *testing.T) {
	vol := formatAndMount(t, tinyfs.DefaultVolumeSize)
	fd, err := vol.OpenFile("f")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	buf := bytes.Repeat([]byte{'a'}, 50)
	if err := vol.WriteFile(fd, buf, len(buf)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := vol.MakeReadOnly("f"); err != nil {
		t.Fatalf("MakeReadOnly: %v", err)
	}
	if err := vol.WriteFile(fd, buf, len(buf)); err != tinyfs.ErrFileReadOnly {
		t.Fatalf("WriteFile on RO: err = %v, want ErrFileReadOnly", err)
	}
	if err := vol.WriteByte(fd, 0, 'X'); err != tinyfs.ErrFileReadOnly {
		t.Fatalf("WriteByte on RO: err = %v, want ErrFileReadOnly", err)
	}
	if err := vol.MakeReadWrite("f"); err != nil {
		t.Fatalf("MakeReadWrite: %v", err)
	}
	if err := vol.WriteByte(fd, 0, 'X'); err != nil {
		t.Fatalf("WriteByte after RW: %v", err)
	}
	if err := vol.Seek(fd, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	b, err := vol.ReadByte(fd)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 'X' {
		t.Fatalf("byte 0 = %q, want 'X'", b)
	}
}

func TestWriteByteThenSeekThenReadByte(t *testing.T) {
	vol := formatAndMount(t, tinyfs.DefaultVolumeSize)
	fd, err := vol.OpenFile("f")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	buf := bytes.Repeat([]byte{'a'}, 600)
	if err := vol.WriteFile(fd, buf, len(buf)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	for _, off := range []int{0, 1, 251, 252, 599} {
		if err := vol.WriteByte(fd, off, 'Z'); err != nil {
			t.Fatalf("WriteByte(%d): %v", off, err)
		}
		if err := vol.Seek(fd, off); err != nil {
			t.Fatalf("Seek(%d): %v", off, err)
		}
		b, err := vol.ReadByte(fd)
		if err != nil {
			t.Fatalf("ReadByte(%d): %v", off, err)
		}
		if b != 'Z' {
			t.Fatalf("byte at %d = %q, want 'Z'", off, b)
		}
	}
}

func TestDiskFullRecovery(t *testing.T) {
	vol := formatAndMount(t, 2560) // 10 blocks, 9 usable for data
	fd, err := vol.OpenFile("huge")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	buf := make([]byte, 12*252) // needs 12 blocks, only 9 available
	if err := vol.WriteFile(fd, buf, len(buf)); tinyfs.CodeOf(err) != tinyfs.CodeDiskFull {
		t.Fatalf("WriteFile beyond capacity: code = %d, want CodeDiskFull", tinyfs.CodeOf(err))
	}
	if err := vol.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency after disk-full: %v", err)
	}
}

func TestOperationsRequireMount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := tinyfs.Format(path, tinyfs.DefaultVolumeSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	vol, err := tinyfs.Mount(path)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := vol.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if _, err := vol.OpenFile("x"); err != tinyfs.ErrDiskNotOpen {
		t.Fatalf("OpenFile after unmount: err = %v, want ErrDiskNotOpen", err)
	}
}

func TestMountRejectsCorruptedSuperblockMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := tinyfs.Format(path, tinyfs.DefaultVolumeSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	vol, err := tinyfs.Mount(path)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := vol.CheckConsistency(); err != nil {
		t.Fatalf("CheckConsistency on a fresh volume: %v", err)
	}
	if err := vol.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	dev, err := block.Open(path, 0)
	if err != nil {
		t.Fatalf("block.Open: %v", err)
	}
	b, err := dev.ReadBlock(0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	b[1] = 0xFF
	if err := dev.WriteBlock(0, b); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := tinyfs.Mount(path); tinyfs.CodeOf(err) != tinyfs.CodeInvalidFilesystem {
		t.Fatalf("Mount on corrupted volume: code = %d, want CodeInvalidFilesystem", tinyfs.CodeOf(err))
	}
}
