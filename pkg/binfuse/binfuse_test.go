package binfuse_test

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breachline/breachdb/pkg/binfuse"
)

// buildKeys derives n filter keys from synthetic SHA-1 hashes, grouped by
// shard prefix as the writer requires.
func buildKeys(n, shardBits int) (all []uint64, byShard map[uint32][]uint64) {
	byShard = make(map[uint32][]uint64)
	for i := 0; i < n; i++ {
		sum := sha1.Sum([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
		key := binfuse.Key(sum[:])
		all = append(all, key)
		shard := uint32(key >> (64 - uint(shardBits)))
		byShard[shard] = append(byShard[shard], key)
	}
	return all, byShard
}

func writeFilter[T binfuse.Fingerprint](t *testing.T, path string, shardBits int, byShard map[uint32][]uint64) {
	t.Helper()

	w, err := binfuse.NewWriter[T](path, shardBits)
	require.NoError(t, err)

	shards := make([]uint32, 0, len(byShard))
	for s := range byShard {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	for _, s := range shards {
		require.NoError(t, w.AddShard(s, byShard[s]))
	}
	require.NoError(t, w.Finish())
}

func TestRoundTripNoFalseNegatives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter8.bin")
	all, byShard := buildKeys(10_000, binfuse.DefaultShardBits)
	writeFilter[uint8](t, path, binfuse.DefaultShardBits, byShard)

	f, err := binfuse.Load[uint8](path)
	require.NoError(t, err)
	defer f.Close()

	for _, key := range all {
		ok, err := f.Contains(key)
		require.NoError(t, err)
		require.True(t, ok, "inserted key 0x%016X missing", key)
	}
}

func TestFalsePositiveRateIsSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter16.bin")
	_, byShard := buildKeys(10_000, binfuse.DefaultShardBits)
	writeFilter[uint16](t, path, binfuse.DefaultShardBits, byShard)

	f, err := binfuse.Load[uint16](path)
	require.NoError(t, err)
	defer f.Close()

	// Probe keys disjoint from the inserted set.
	falsePositives := 0
	for i := 0; i < 10_000; i++ {
		sum := sha1.Sum([]byte{0xFF, byte(i), byte(i >> 8), 0xFF})
		ok, err := f.Contains(binfuse.Key(sum[:]))
		require.NoError(t, err)
		if ok {
			falsePositives++
		}
	}
	// 16-bit fingerprints give ~1/65536; allow generous slack.
	assert.Less(t, falsePositives, 20)
}

func TestEmptyShardIsMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.bin")

	// Only shard 3 is populated.
	w, err := binfuse.NewWriter[uint8](path, 8)
	require.NoError(t, err)
	require.NoError(t, w.AddShard(3, []uint64{3 << 56, 3<<56 | 42}))
	require.NoError(t, w.Finish())

	f, err := binfuse.Load[uint8](path)
	require.NoError(t, err)
	defer f.Close()

	ok, err := f.Contains(5 << 56)
	require.NoError(t, err)
	assert.False(t, ok, "empty shard must be a definitive miss")

	ok, err = f.Contains(3<<56 | 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardOrderEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.bin")

	w, err := binfuse.NewWriter[uint8](path, 8)
	require.NoError(t, err)
	require.NoError(t, w.AddShard(5, []uint64{5 << 56}))
	assert.ErrorIs(t, w.AddShard(4, []uint64{4 << 56}), binfuse.ErrShardOrder)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a filter, definitely"), 0o644))

	_, err := binfuse.Load[uint8](path)
	assert.ErrorIs(t, err, binfuse.ErrMagic)
}

func TestLoadRejectsWrongFingerprintWidth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter8.bin")
	_, byShard := buildKeys(1000, 8)
	writeFilter[uint8](t, path, 8, byShard)

	_, err := binfuse.Load[uint16](path)
	assert.ErrorIs(t, err, binfuse.ErrBits)
}
