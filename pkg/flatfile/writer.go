package flatfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/breachline/breachdb/pkg/record"
)

// ErrUnsorted is returned when an appended record does not sort strictly
// after the previous one. The database is sorted by construction; the
// writer refuses to produce a file that would need a post-pass.
var ErrUnsorted = errors.New("flatfile: records must be appended in strictly ascending hash order")

// flushTarget sizes the write buffer so a flush is roughly 1 MiB while
// staying a whole number of records.
const flushTarget = 1 << 20

// Writer appends fixed-width records to a database file in sorted order.
type Writer struct {
	kind record.Kind
	f    *os.File
	buf  *bufio.Writer
	last []byte // hash of the previously appended record, nil before the first
	n    int64
}

// OpenWriter opens path for building. With resume set, the file is opened
// for append and the existing length must be a multiple of the record
// width; otherwise the file is created or truncated.
func OpenWriter(path string, kind record.Kind, resume bool) (*Writer, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	w := &Writer{
		kind: kind,
		f:    f,
		buf:  bufio.NewWriterSize(f, flushTarget/kind.Width()*kind.Width()),
	}

	if resume {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat output: %w", err)
		}
		if info.Size()%int64(kind.Width()) != 0 {
			f.Close()
			return nil, fmt.Errorf("%w: %s is %d bytes, width %d",
				ErrFormat, path, info.Size(), kind.Width())
		}
		w.n = info.Size() / int64(kind.Width())
	}

	return w, nil
}

// SeedLast primes the sort check with the hash of the last record already
// on disk, so a resumed run keeps the global ordering invariant.
func (w *Writer) SeedLast(hash []byte) {
	w.last = append([]byte(nil), hash...)
}

// Append writes one raw record. rec must be exactly Width() bytes and its
// hash must sort strictly after the previous record's.
func (w *Writer) Append(rec []byte) error {
	if len(rec) != w.kind.Width() {
		return fmt.Errorf("flatfile: record is %d bytes, want %d", len(rec), w.kind.Width())
	}
	hash := w.kind.Hash(rec)
	if w.last != nil && record.CompareHash(hash, w.last) <= 0 {
		return fmt.Errorf("%w: %s after %s",
			ErrUnsorted, record.FormatHex(hash), record.FormatHex(w.last))
	}
	if _, err := w.buf.Write(rec); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if w.last == nil {
		w.last = make([]byte, w.kind.HashLen())
	}
	copy(w.last, hash)
	w.n++
	return nil
}

// Count returns the number of records written, including any already on
// disk when resuming.
func (w *Writer) Count() int64 { return w.n }

// Flush forces buffered records to the file.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

// Close flushes, syncs and closes the output file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}
