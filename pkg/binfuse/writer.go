package binfuse

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/FastFilter/xorfilter"
)

// ErrShardOrder is returned when shards are not added in ascending prefix
// order. The writer builds the file in one forward pass.
var ErrShardOrder = errors.New("binfuse: shards must be added in ascending prefix order")

// Writer builds a sharded filter file from sorted keys, one shard at a
// time. Callers feed keys grouped by shard prefix; Finish writes the shard
// index and seals the file.
type Writer[T Fingerprint] struct {
	f         *os.File
	buf       *bufio.Writer
	shardBits int
	offsets   []uint64
	next      uint32
	offset    uint64
}

// NewWriter creates a filter file at path with the given shard width.
func NewWriter[T Fingerprint](path string, shardBits int) (*Writer[T], error) {
	if shardBits < 1 || shardBits > 24 {
		return nil, fmt.Errorf("binfuse: shard bits must be in [1, 24], got %d", shardBits)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}

	w := &Writer[T]{
		f:         f,
		buf:       bufio.NewWriterSize(f, 1<<20),
		shardBits: shardBits,
		offsets:   make([]uint64, 1<<shardBits),
	}

	var zero T
	header := make([]byte, headerSize)
	copy(header, magic)
	header[4] = byte(fingerprintBytes(zero) * 8)
	header[5] = byte(shardBits)
	if _, err := w.buf.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	// The index is rewritten with real offsets in Finish; reserve its space
	// so shard blobs land at their final positions.
	index := make([]byte, len(w.offsets)*8)
	if _, err := w.buf.Write(index); err != nil {
		f.Close()
		return nil, fmt.Errorf("reserve index: %w", err)
	}
	w.offset = uint64(headerSize + len(index))

	return w, nil
}

// AddShard populates a binary-fuse filter from the keys of one shard and
// appends it. prefix values must be presented in strictly ascending order;
// skipped prefixes become empty shards. An empty keys slice writes nothing
// and leaves that shard empty.
func (w *Writer[T]) AddShard(prefix uint32, keys []uint64) error {
	if prefix < w.next || prefix >= uint32(len(w.offsets)) {
		return fmt.Errorf("%w: got %d, expecting >= %d", ErrShardOrder, prefix, w.next)
	}
	if len(keys) == 0 {
		w.next = prefix + 1
		return nil
	}

	filter, err := xorfilter.NewBinaryFuse[T](keys)
	if err != nil {
		return fmt.Errorf("populate shard %d: %w", prefix, err)
	}

	w.offsets[prefix] = w.offset
	w.next = prefix + 1

	var scratch [8]byte
	put32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		_, err := w.buf.Write(scratch[:4])
		return err
	}

	binary.LittleEndian.PutUint64(scratch[:], filter.Seed)
	if _, err := w.buf.Write(scratch[:]); err != nil {
		return fmt.Errorf("write shard %d: %w", prefix, err)
	}
	for _, v := range []uint32{
		filter.SegmentLength, filter.SegmentLengthMask,
		filter.SegmentCount, filter.SegmentCountLength,
	} {
		if err := put32(v); err != nil {
			return fmt.Errorf("write shard %d: %w", prefix, err)
		}
	}

	binary.LittleEndian.PutUint64(scratch[:], uint64(len(filter.Fingerprints)))
	if _, err := w.buf.Write(scratch[:]); err != nil {
		return fmt.Errorf("write shard %d: %w", prefix, err)
	}

	width := fingerprintBytes(T(0))
	fps := make([]byte, len(filter.Fingerprints)*width)
	if width == 1 {
		for i, fp := range filter.Fingerprints {
			fps[i] = byte(fp)
		}
	} else {
		for i, fp := range filter.Fingerprints {
			binary.LittleEndian.PutUint16(fps[i*2:], uint16(fp))
		}
	}
	if _, err := w.buf.Write(fps); err != nil {
		return fmt.Errorf("write shard %d: %w", prefix, err)
	}

	w.offset += uint64(32 + len(fps))
	return nil
}

// Finish flushes shard data, rewrites the index with the final offsets and
// closes the file.
func (w *Writer[T]) Finish() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush filter: %w", err)
	}

	index := make([]byte, len(w.offsets)*8)
	for i, off := range w.offsets {
		binary.LittleEndian.PutUint64(index[i*8:], off)
	}
	if _, err := w.f.WriteAt(index, headerSize); err != nil {
		w.f.Close()
		return fmt.Errorf("write index: %w", err)
	}

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync filter: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close filter: %w", err)
	}
	return nil
}
