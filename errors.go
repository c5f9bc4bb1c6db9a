package tinyfs

import (
	"errors"
	"fmt"

	"github.com/tinyfs/tinyfs/block"
	"github.com/tinyfs/tinyfs/tfile"
	"github.com/tinyfs/tinyfs/volume"
)

// Error codes mirror the flat negative-integer contract of the system this
// module reimplements: TFS_SUCCESS is 0, every failure is a distinct
// negative code. Code() on a CodedError, or CodeOf on any error returned by
// this module, surfaces the matching code for callers that still want to
// switch on an int.
const (
	CodeSuccess            = 0
	CodeGenericError       = -1
	CodeDiskNotOpen        = -2
	CodeDiskNotFound       = -3
	CodeInvalidBlock       = -4
	CodeDiskFull           = -5
	CodeFileNotFound       = -6
	CodeFileAlreadyExists  = -7
	CodeFileNotOpen        = -8
	CodeFileReadOnly       = -9
	CodeInvalidSeek        = -10
	CodeWriteError         = -11
	CodeReadError          = -12
	CodeDiskFailure        = -13
	CodeDiskAlreadyMounted = -14
	CodeInvalidFilesystem  = -15
	CodeMemoryError        = -16
	CodeEndOfFile          = -17
)

// CodedError is implemented by every error this package returns directly
// (as opposed to an error from block/volume/tfile propagated via %w).
type CodedError interface {
	error
	Code() int
}

// ErrDiskNotOpen reports an operation attempted against no mounted volume.
var ErrDiskNotOpen = diskNotOpenError{}

type diskNotOpenError struct{}

func (diskNotOpenError) Error() string { return "no volume is mounted" }
func (diskNotOpenError) Code() int     { return CodeDiskNotOpen }

// ErrDiskAlreadyMounted reports a second Mount attempt.
var ErrDiskAlreadyMounted = diskAlreadyMountedError{}

type diskAlreadyMountedError struct{}

func (diskAlreadyMountedError) Error() string { return "a volume is already mounted" }
func (diskAlreadyMountedError) Code() int     { return CodeDiskAlreadyMounted }

// ErrFileReadOnly reports a mutation attempted on a read-only file.
var ErrFileReadOnly = fileReadOnlyError{}

type fileReadOnlyError struct{}

func (fileReadOnlyError) Error() string { return "file is read-only" }
func (fileReadOnlyError) Code() int     { return CodeFileReadOnly }

// ErrMemory reports a file-table growth failure (spec.md's memory-error).
var ErrMemory = memoryError{}

type memoryError struct{}

func (memoryError) Error() string { return "file table allocation failed" }
func (memoryError) Code() int     { return CodeMemoryError }

// DiskNotFoundError reports that a host file named by Path does not exist.
type DiskNotFoundError struct {
	Path string
}

func (e *DiskNotFoundError) Error() string {
	return fmt.Sprintf("disk %q not found", e.Path)
}
func (e *DiskNotFoundError) Code() int { return CodeDiskNotFound }

// NewDiskNotFoundError constructs a DiskNotFoundError for path.
func NewDiskNotFoundError(path string) *DiskNotFoundError {
	return &DiskNotFoundError{Path: path}
}

// DiskFailureError reports a low-level failure formatting or opening a
// host file, wrapping the underlying cause.
type DiskFailureError struct {
	Path string
	Err  error
}

func (e *DiskFailureError) Error() string {
	return fmt.Sprintf("disk %q failure: %v", e.Path, e.Err)
}
func (e *DiskFailureError) Code() int     { return CodeDiskFailure }
func (e *DiskFailureError) Unwrap() error { return e.Err }

// NewDiskFailureError wraps err as a DiskFailureError for path.
func NewDiskFailureError(path string, err error) *DiskFailureError {
	return &DiskFailureError{Path: path, Err: err}
}

// FileNotFoundError reports that no file table entry has the given name.
type FileNotFoundError struct {
	Name string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %q not found", e.Name)
}
func (e *FileNotFoundError) Code() int { return CodeFileNotFound }

// NewFileNotFoundError constructs a FileNotFoundError for name.
func NewFileNotFoundError(name string) *FileNotFoundError {
	return &FileNotFoundError{Name: name}
}

// FileAlreadyExistsError reports a rename collision with an existing name.
type FileAlreadyExistsError struct {
	Name string
}

func (e *FileAlreadyExistsError) Error() string {
	return fmt.Sprintf("file %q already exists", e.Name)
}
func (e *FileAlreadyExistsError) Code() int { return CodeFileAlreadyExists }

// NewFileAlreadyExistsError constructs a FileAlreadyExistsError for name.
func NewFileAlreadyExistsError(name string) *FileAlreadyExistsError {
	return &FileAlreadyExistsError{Name: name}
}

// FileNotOpenError reports a descriptor outside the file table's current
// bounds.
type FileNotOpenError struct {
	FD int
}

func (e *FileNotOpenError) Error() string {
	return fmt.Sprintf("descriptor %d is not open", e.FD)
}
func (e *FileNotOpenError) Code() int { return CodeFileNotOpen }

// NewFileNotOpenError constructs a FileNotOpenError for fd.
func NewFileNotOpenError(fd int) *FileNotOpenError {
	return &FileNotOpenError{FD: fd}
}

// CodeOf returns the spec.md error code for any error returned by this
// module: a CodedError reports its own code; errors surfaced from block,
// volume, or tfile map to the matching spec.md kind; anything else maps to
// CodeGenericError.
func CodeOf(err error) int {
	if err == nil {
		return CodeSuccess
	}
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	switch {
	case errors.Is(err, volume.ErrDiskFull):
		return CodeDiskFull
	case errors.Is(err, volume.ErrInvalidFilesystem):
		return CodeInvalidFilesystem
	case errors.Is(err, tfile.ErrEndOfFile):
		return CodeEndOfFile
	case errors.Is(err, tfile.ErrInvalidSeek):
		return CodeInvalidSeek
	case errors.Is(err, block.ErrInvalidIndex):
		return CodeInvalidBlock
	case errors.Is(err, block.ErrReadIO):
		return CodeReadError
	case errors.Is(err, block.ErrWriteIO):
		return CodeWriteError
	}
	return CodeGenericError
}
