package segment

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultCodec is used when a caller doesn't inject one.
var DefaultCodec Codec = BinaryCodec{}

// Writer appends records to a single segment file, per spec.md section
// 4.2's append path. The per-partition descriptor is expected to be kept
// open by the caller (Producer) across commits that share a bucket; Writer
// itself only knows how to append to, and lock, the file it was opened on.
type Writer struct {
	f    *os.File
	path string
}

// OpenAppend opens path in append mode, creating it if necessary. isNew
// reports whether the file did not exist before this call (size 0 right
// after creation) — the caller uses this to decide whether to register a
// fresh segment with the catalog, per spec.md section 4.3's rotation step.
func OpenAppend(path string) (w *Writer, isNew bool, err error) {
	_, statErr := os.Stat(path)
	isNew = os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, errors.Wrapf(err, "segment: open %s for append", path)
	}

	return &Writer{f: f, path: path}, isNew, nil
}

// AppendBatch writes records contiguously and flushes to the OS, holding
// an advisory exclusive lock on the segment file for the duration so that
// concurrent producer processes serialize their writes to the same bucket
// file (spec.md section 4.2, steps 2-4). Each record is written straight
// to the file, so a mid-batch encode or write error leaves the bytes
// already written on disk; they are not rolled back, matching the
// append-only, never-rewrite nature of the format.
func (w *Writer) AppendBatch(records []Record, codec Codec) error {
	if codec == nil {
		codec = DefaultCodec
	}
	if len(records) == 0 {
		return nil
	}

	if err := unix.Flock(int(w.f.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrapf(err, "segment: lock %s", w.path)
	}
	defer unix.Flock(int(w.f.Fd()), unix.LOCK_UN) //nolint:errcheck

	for _, rec := range records {
		if err := codec.Encode(w.f, rec); err != nil {
			return errors.Wrapf(err, "segment: append to %s", w.path)
		}
	}

	return w.f.Sync()
}

// Size returns the current on-disk size of the segment being appended to.
// Consumers check sizes through Reader.Size instead.
func (w *Writer) Size() (int64, error) {
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close closes the underlying file descriptor.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader reads records from a segment file starting at an arbitrary byte
// offset, per spec.md section 4.2's read path. It keeps one bufio.Reader
// alive across calls to Next so a codec that needs look-ahead (JSONLinesCodec's
// line scanning) can buffer without losing bytes between calls: handing a
// codec a freshly-constructed bufio.Reader on every call would let its
// read-ahead advance the file past the current record while the next call's
// brand-new reader never sees what was already buffered and discarded.
type Reader struct {
	f    *os.File
	path string
	br   *bufio.Reader
}

// OpenRead opens path read-only. It returns an error wrapping os.IsNotExist
// when the file doesn't exist, so callers can distinguish "segment was
// GC'd between index read and open" (spec.md section 4.4) from other I/O
// failures using os.IsNotExist(errors.Cause(err)).
func OpenRead(path string) (*Reader, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "segment: open %s for read", path)
	}
	return &Reader{f: f, path: path, br: bufio.NewReader(f)}, nil
}

// Seek positions the reader at byte offset off from the start of the file.
// It discards any bytes buffered from before the seek and starts a fresh
// bufio.Reader at the new position.
func (r *Reader) Seek(off int64) error {
	if _, err := r.f.Seek(off, io.SeekStart); err != nil {
		return err
	}
	r.br = bufio.NewReader(r.f)
	return nil
}

// Next decodes one record using codec and returns it along with the byte
// offset immediately following it (the next position to resume from). At
// end of stream — including a truncated trailing record, which is a
// normal condition per spec.md section 4.2 — it returns io.EOF.
func (r *Reader) Next(codec Codec) (Record, int64, error) {
	if codec == nil {
		codec = DefaultCodec
	}

	rec, err := codec.Decode(r.br)
	if err != nil {
		return Record{}, 0, err
	}

	// r.f's own cursor has already been advanced past whatever r.br read
	// ahead into its buffer; subtract what's still sitting unread in that
	// buffer to get the logical offset just past the record we decoded.
	filePos, err := r.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Record{}, 0, err
	}
	pos := filePos - int64(r.br.Buffered())

	return rec, pos, nil
}

// Size returns the total on-disk size of the segment being read.
func (r *Reader) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close closes the underlying file descriptor.
func (r *Reader) Close() error {
	return r.f.Close()
}

// FileExists reports whether a segment file exists on disk.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
