// Package binfuse adapts the binary-fuse filters from
// github.com/FastFilter/xorfilter into a sharded, file-backed approximate
// membership backend.
//
// A filter answers Contains(key) with zero false negatives and a small
// false-positive rate (~1/256 for 8-bit fingerprints, ~1/65536 for 16-bit).
// Keys are the big-endian uint64 of the first 8 hash bytes, and filters are
// sharded by the top bits of the key so a query touches exactly one shard.
//
// File format ("BFSS"):
//
//	Header (8 bytes):
//	  - Magic: "BFSS" (4 bytes)
//	  - Fingerprint bits: uint8, 8 or 16 (1 byte)
//	  - Shard bits: uint8 (1 byte)
//	  - Reserved: 2 bytes
//
//	Index: 2^shardBits uint64 absolute file offsets, little-endian.
//	       Offset 0 marks an empty shard.
//
//	Shards, each:
//	  - Seed: uint64
//	  - SegmentLength, SegmentLengthMask, SegmentCount, SegmentCountLength: uint32
//	  - Fingerprint count: uint64
//	  - Fingerprints: count * (bits/8) bytes
package binfuse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/FastFilter/xorfilter"
	"golang.org/x/sys/unix"
)

const (
	magic      = "BFSS"
	headerSize = 8

	// DefaultShardBits splits the key space into 256 shards, keeping each
	// shard's working set small enough that a query pages in one filter.
	DefaultShardBits = 8
)

var (
	// ErrMagic is returned when the file does not carry the sharded-filter
	// magic bytes.
	ErrMagic = errors.New("binfuse: bad magic")

	// ErrBits is returned when the file's fingerprint width does not match
	// the width the caller asked for.
	ErrBits = errors.New("binfuse: fingerprint bits mismatch")

	// ErrCorrupt is returned when an offset or shard blob does not fit the
	// file.
	ErrCorrupt = errors.New("binfuse: corrupt filter file")
)

// Key converts a hash into the uint64 filter key: the big-endian value of
// its first 8 bytes. Hashes shorter than 8 bytes are not supported.
func Key(hash []byte) uint64 {
	return binary.BigEndian.Uint64(hash[:8])
}

// Fingerprint is the set of unsigned widths a filter can store.
type Fingerprint interface {
	uint8 | uint16
}

// Filter is a read-only sharded binary-fuse filter backed by a mapped file.
// Shards are decoded on first use and retained for the process lifetime.
type Filter[T Fingerprint] struct {
	data      []byte
	shardBits int
	offsets   []uint64

	mu     sync.RWMutex
	shards map[uint32]*xorfilter.BinaryFuse[T]
}

// Load maps the filter file at path read-only and validates its header.
func Load[T Fingerprint](path string) (*Filter[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open filter: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat filter: %w", err)
	}
	if info.Size() < headerSize {
		return nil, fmt.Errorf("%w: %s", ErrMagic, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap filter: %w", err)
	}

	flt, err := decode[T](data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flt, nil
}

func decode[T Fingerprint](data []byte) (*Filter[T], error) {
	if string(data[:4]) != magic {
		return nil, ErrMagic
	}
	var zero T
	wantBits := int(fingerprintBytes(zero)) * 8
	if int(data[4]) != wantBits {
		return nil, fmt.Errorf("%w: file has %d, want %d", ErrBits, data[4], wantBits)
	}

	shardBits := int(data[5])
	shards := 1 << shardBits
	indexEnd := headerSize + shards*8
	if len(data) < indexEnd {
		return nil, ErrCorrupt
	}

	offsets := make([]uint64, shards)
	for i := range offsets {
		off := binary.LittleEndian.Uint64(data[headerSize+i*8:])
		if off != 0 && off >= uint64(len(data)) {
			return nil, ErrCorrupt
		}
		offsets[i] = off
	}

	return &Filter[T]{
		data:      data,
		shardBits: shardBits,
		offsets:   offsets,
		shards:    make(map[uint32]*xorfilter.BinaryFuse[T]),
	}, nil
}

// fingerprintBytes returns the storage width of a fingerprint value.
func fingerprintBytes[T Fingerprint](v T) int {
	switch any(v).(type) {
	case uint8:
		return 1
	default:
		return 2
	}
}

// ShardBits returns the number of key bits used for shard selection.
func (f *Filter[T]) ShardBits() int { return f.shardBits }

// shardOf extracts the shard prefix from a key.
func (f *Filter[T]) shardOf(key uint64) uint32 {
	return uint32(key >> (64 - uint(f.shardBits)))
}

// Contains reports whether key is possibly in the set. False negatives
// never occur; an empty shard is a definitive miss.
func (f *Filter[T]) Contains(key uint64) (bool, error) {
	prefix := f.shardOf(key)
	if f.offsets[prefix] == 0 {
		return false, nil
	}

	f.mu.RLock()
	shard := f.shards[prefix]
	f.mu.RUnlock()

	if shard == nil {
		var err error
		shard, err = f.decodeShard(prefix)
		if err != nil {
			return false, err
		}
	}
	return shard.Contains(key), nil
}

// ContainsHash is Contains over raw hash bytes.
func (f *Filter[T]) ContainsHash(hash []byte) (bool, error) {
	return f.Contains(Key(hash))
}

func (f *Filter[T]) decodeShard(prefix uint32) (*xorfilter.BinaryFuse[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if shard := f.shards[prefix]; shard != nil {
		return shard, nil
	}

	off := f.offsets[prefix]
	if off+32 > uint64(len(f.data)) {
		return nil, ErrCorrupt
	}
	b := f.data[off:]

	shard := &xorfilter.BinaryFuse[T]{
		Seed:               binary.LittleEndian.Uint64(b[0:8]),
		SegmentLength:      binary.LittleEndian.Uint32(b[8:12]),
		SegmentLengthMask:  binary.LittleEndian.Uint32(b[12:16]),
		SegmentCount:       binary.LittleEndian.Uint32(b[16:20]),
		SegmentCountLength: binary.LittleEndian.Uint32(b[20:24]),
	}

	count := binary.LittleEndian.Uint64(b[24:32])
	width := uint64(fingerprintBytes(T(0)))
	if off+32+count*width > uint64(len(f.data)) {
		return nil, ErrCorrupt
	}

	fps := make([]T, count)
	raw := b[32 : 32+count*width]
	if width == 1 {
		for i := range fps {
			fps[i] = T(raw[i])
		}
	} else {
		for i := range fps {
			fps[i] = T(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	shard.Fingerprints = fps

	f.shards[prefix] = shard
	return shard, nil
}

// Close unmaps the filter file and drops decoded shards.
func (f *Filter[T]) Close() error {
	if f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	f.shards = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap filter: %w", err)
	}
	return nil
}
