// Package flatfile implements the on-disk breached-password database: a raw
// concatenation of fixed-width records, sorted strictly ascending by hash.
//
// The whole file is memory-mapped read-only for the lifetime of the DB; the
// OS pages record data in on demand, so opening a multi-gigabyte corpus is
// cheap and per-query I/O is bounded by the binary search touch pattern.
// Record views returned by Record and HashAt alias the mapping and must not
// outlive Close.
package flatfile

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/breachline/breachdb/pkg/record"
)

var (
	// ErrFormat is returned when a database file's length is not a multiple
	// of the record width. A truncated mapping is never silently skipped.
	ErrFormat = errors.New("flatfile: file length is not a multiple of record width")

	// ErrClosed is returned when accessing a closed database.
	ErrClosed = errors.New("flatfile: database is closed")
)

// DB is a read-only, memory-mapped view over a sorted record file.
type DB struct {
	kind record.Kind
	data []byte
	n    int
	path string
}

// Open maps the database at path read-only and validates its length.
func Open(path string, kind record.Kind) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	width := int64(kind.Width())
	size := info.Size()
	if size%width != 0 {
		return nil, fmt.Errorf("%w: %s is %d bytes, width %d", ErrFormat, path, size, width)
	}

	db := &DB{kind: kind, n: int(size / width), path: path}
	if size == 0 {
		return db, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap database: %w", err)
	}
	// Lookups jump around the file; sequential readahead only pollutes the
	// page cache.
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	db.data = data
	return db, nil
}

// Kind returns the record layout this database was opened with.
func (db *DB) Kind() record.Kind { return db.kind }

// Path returns the file path the database was opened from.
func (db *DB) Path() string { return db.path }

// Len returns the number of records.
func (db *DB) Len() int { return db.n }

// Record returns the raw record at index i. The slice aliases the mapping.
func (db *DB) Record(i int) []byte {
	w := db.kind.Width()
	return db.data[i*w : (i+1)*w]
}

// HashAt returns the hash bytes of record i.
func (db *DB) HashAt(i int) []byte {
	return db.kind.Hash(db.Record(i))
}

// CountAt returns the occurrence count of record i.
func (db *DB) CountAt(i int) int32 {
	return db.kind.Count(db.Record(i))
}

// All iterates over every record in index order.
func (db *DB) All() iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		for i := 0; i < db.n; i++ {
			if !yield(i, db.Record(i)) {
				return
			}
		}
	}
}

// LowerBound returns the first index whose hash is >= needle, or Len() if
// every record sorts before the needle.
func (db *DB) LowerBound(needle []byte) int {
	return db.LowerBoundIn(needle, 0, db.n)
}

// LowerBoundIn is LowerBound restricted to the half-open index range
// [lo, hi), as delimited by a TOC bucket.
func (db *DB) LowerBoundIn(needle []byte, lo, hi int) int {
	return lo + sort.Search(hi-lo, func(i int) bool {
		return record.CompareHash(db.HashAt(lo+i), needle) >= 0
	})
}

// Lookup binary-searches the whole database for needle and returns its
// stored count. found is false when the hash is absent.
func (db *DB) Lookup(needle []byte) (count int32, found bool) {
	return db.LookupIn(needle, 0, db.n)
}

// LookupIn is Lookup restricted to [lo, hi).
func (db *DB) LookupIn(needle []byte, lo, hi int) (count int32, found bool) {
	i := db.LowerBoundIn(needle, lo, hi)
	if i == hi || record.CompareHash(db.HashAt(i), needle) != 0 {
		return 0, false
	}
	return db.CountAt(i), true
}

// Close unmaps the database. Record views become invalid.
func (db *DB) Close() error {
	if db.data == nil {
		return nil
	}
	data := db.data
	db.data = nil
	db.n = 0
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap database: %w", err)
	}
	return nil
}
