package storage

import (
	"errors"
	"io"
)

var (
	// ErrBlobNotFound is returned when a reference does not resolve to a
	// stored object.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrInvalidRange is returned when a requested byte range cannot be
	// satisfied against the object's size.
	ErrInvalidRange = errors.New("invalid byte range")
)

type BlobInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// ByteRange selects a slice of an object. End is inclusive; a nil End means
// "through the last byte".
type ByteRange struct {
	Start int64
	End   *int64
}

// RangeInfo reports the resolved range and the object's total size, known
// before the first byte is read so callers can set transfer-length headers.
type RangeInfo struct {
	Start int64
	End   int64
	Total int64
}

// Length returns the number of bytes the accompanying stream will yield.
func (ri RangeInfo) Length() int64 {
	return ri.End - ri.Start + 1
}

// BlobStore is byte-range-addressable storage for large binary objects.
type BlobStore interface {
	// Put streams the reader into a new object and returns its reference.
	Put(r io.Reader, info BlobInfo) (string, error)

	// OpenRange opens the object for reading. With a nil range the full
	// object is returned. The stream yields exactly Length() bytes; read
	// errors mid-stream surface through the returned reader.
	OpenRange(ref string, rng *ByteRange) (io.ReadCloser, *RangeInfo, error)

	// Delete removes the object.
	Delete(ref string) error

	// ExtractWorkingCopy copies the object to a scratch location on the
	// local filesystem and returns its path plus a release function. The
	// release function is safe to call more than once.
	ExtractWorkingCopy(ref string) (string, func(), error)
}
