// Package toc implements the table-of-contents prefix index for a flat-file
// database: a dense array of 2^bits buckets mapping each hash prefix to the
// [lo, hi) record range holding it. The TOC bounds every binary search, so
// per-query I/O stays near-constant as the corpus grows.
//
// The index is persisted in a sidecar file named "<db>.<bits>.toc":
//
//	Header (8 bytes):
//	  - Magic: "TOC1" (4 bytes)
//	  - Bits: uint8 (1 byte)
//	  - Reserved: 3 bytes
//
//	Body: 2^bits pairs of (lo uint64, hi uint64), little-endian.
package toc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
)

const (
	// MinBits and MaxBits bound the index width. Below 15 bits the buckets
	// are too coarse to help; above 25 the table itself stops fitting in
	// cache.
	MinBits = 15
	MaxBits = 25

	magic      = "TOC1"
	headerSize = 8
)

var (
	// ErrMagic is returned when a sidecar file does not start with the TOC
	// magic bytes.
	ErrMagic = errors.New("toc: bad magic")

	// ErrBitsMismatch is returned when the sidecar was built with a
	// different bit width than the runtime requested.
	ErrBitsMismatch = errors.New("toc: bits mismatch")

	// ErrSize is returned when the sidecar length does not match its bit
	// width, or its ranges do not cover the database.
	ErrSize = errors.New("toc: size mismatch")
)

// Table is an in-memory prefix index. entries[2p] and entries[2p+1] are the
// lo and hi record indices of bucket p.
type Table struct {
	bits    int
	entries []uint64
}

// SidecarPath returns the sidecar filename for a database path and bit width.
func SidecarPath(dbPath string, bits int) string {
	return fmt.Sprintf("%s.%d.toc", dbPath, bits)
}

func checkBits(bits int) error {
	if bits < MinBits || bits > MaxBits {
		return fmt.Errorf("toc: bits must be in [%d, %d], got %d", MinBits, MaxBits, bits)
	}
	return nil
}

// Build scans the database once and constructs its prefix index.
func Build(db *flatfile.DB, bits int) (*Table, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}

	buckets := 1 << bits
	entries := make([]uint64, 2*buckets)

	// First pass: record the first index seen for each prefix. Buckets with
	// no records keep the sentinel and are patched below.
	const unseen = ^uint64(0)
	for p := 0; p < buckets; p++ {
		entries[2*p] = unseen
	}
	for i, rec := range db.All() {
		p := record.Prefix(db.Kind().Hash(rec), bits)
		if entries[2*p] == unseen {
			entries[2*p] = uint64(i)
		}
	}

	// Second pass: derive hi by differencing; empty buckets collapse to
	// (lo, lo) at the next occupied bucket's start.
	n := uint64(db.Len())
	next := n
	for p := buckets - 1; p >= 0; p-- {
		if entries[2*p] == unseen {
			entries[2*p] = next
		}
		entries[2*p+1] = next
		next = entries[2*p]
	}

	return &Table{bits: bits, entries: entries}, nil
}

// Bits returns the index bit width.
func (t *Table) Bits() int { return t.bits }

// Buckets returns the number of buckets, 2^bits.
func (t *Table) Buckets() int { return 1 << t.bits }

// Bounds returns the [lo, hi) record range that can contain needle.
// hi == lo means the needle's bucket is empty and the lookup is a miss.
func (t *Table) Bounds(needle []byte) (lo, hi int) {
	p := record.Prefix(needle, t.bits)
	return int(t.entries[2*p]), int(t.entries[2*p+1])
}

// WriteFile persists the table to the sidecar for dbPath. The write is
// atomic: a temp file in the same directory is renamed over the target.
func (t *Table) WriteFile(dbPath string) error {
	path := SidecarPath(dbPath, t.bits)

	tmp, err := os.CreateTemp(dirOf(path), ".toc-*")
	if err != nil {
		return fmt.Errorf("toc: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	header := make([]byte, headerSize)
	copy(header, magic)
	header[4] = byte(t.bits)
	if _, err := tmp.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("toc: write header: %w", err)
	}

	body := make([]byte, len(t.entries)*8)
	for i, e := range t.entries {
		binary.LittleEndian.PutUint64(body[i*8:], e)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("toc: write body: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("toc: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("toc: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("toc: rename: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Load reads and validates the sidecar for dbPath. n is the record count of
// the database the table must cover; any mismatch between the runtime bits,
// the on-disk bits or the coverage is fatal.
func Load(dbPath string, bits, n int) (*Table, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(SidecarPath(dbPath, bits))
	if err != nil {
		return nil, fmt.Errorf("toc: read sidecar: %w", err)
	}

	if len(data) < headerSize || string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: %s", ErrMagic, SidecarPath(dbPath, bits))
	}
	if int(data[4]) != bits {
		return nil, fmt.Errorf("%w: sidecar has %d, runtime wants %d", ErrBitsMismatch, data[4], bits)
	}

	buckets := 1 << bits
	want := headerSize + 2*buckets*8
	if len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrSize, len(data), want)
	}

	entries := make([]uint64, 2*buckets)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint64(data[headerSize+i*8:])
	}

	t := &Table{bits: bits, entries: entries}
	if err := t.validate(n); err != nil {
		return nil, err
	}
	return t, nil
}

// validate enforces the bucket chain invariants against a record count.
func (t *Table) validate(n int) error {
	buckets := t.Buckets()
	if t.entries[0] != 0 {
		return fmt.Errorf("%w: first bucket starts at %d", ErrSize, t.entries[0])
	}
	if t.entries[2*buckets-1] != uint64(n) {
		return fmt.Errorf("%w: last bucket ends at %d, database has %d records",
			ErrSize, t.entries[2*buckets-1], n)
	}
	for p := 0; p < buckets; p++ {
		lo, hi := t.entries[2*p], t.entries[2*p+1]
		if lo > hi {
			return fmt.Errorf("%w: bucket %d has lo %d > hi %d", ErrSize, p, lo, hi)
		}
		if p+1 < buckets && hi != t.entries[2*(p+1)] {
			return fmt.Errorf("%w: bucket %d ends at %d, bucket %d starts at %d",
				ErrSize, p, hi, p+1, t.entries[2*(p+1)])
		}
	}
	return nil
}

// BuildOrLoad returns the sidecar table if a valid one exists, otherwise
// builds the index and persists it. This is the serve-time entry point: the
// cost is paid once at startup and the table lives for the process.
func BuildOrLoad(db *flatfile.DB, bits int) (*Table, error) {
	t, err := Load(db.Path(), bits, db.Len())
	if err == nil {
		return t, nil
	}
	if errors.Is(err, ErrMagic) || errors.Is(err, ErrBitsMismatch) || errors.Is(err, ErrSize) {
		// A present-but-wrong sidecar is a format error, not a rebuild cue.
		return nil, err
	}

	t, err = Build(db, bits)
	if err != nil {
		return nil, err
	}
	if err := t.WriteFile(db.Path()); err != nil {
		return nil, err
	}
	return t, nil
}
