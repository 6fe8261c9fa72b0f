package flatfile_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
)

// buildDB writes a sorted SHA-1 database with n synthetic records. Record i
// has a hash whose leading bytes encode i and a count of i+1.
func buildDB(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.bin")

	w, err := flatfile.OpenWriter(path, record.SHA1, false)
	require.NoError(t, err)
	rec := make([]byte, record.SHA1.Width())
	for i := 0; i < n; i++ {
		record.SHA1.Put(rec, testHash(i), int32(i+1))
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())
	return path
}

func testHash(i int) []byte {
	h := make([]byte, record.SHA1.HashLen())
	binary.BigEndian.PutUint32(h, uint32(i))
	return h
}

func TestOpenAndRead(t *testing.T) {
	path := buildDB(t, 100)

	db, err := flatfile.Open(path, record.SHA1)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 100, db.Len())
	assert.Equal(t, testHash(42), db.HashAt(42))
	assert.Equal(t, int32(43), db.CountAt(42))
}

func TestSortedInvariant(t *testing.T) {
	path := buildDB(t, 256)

	db, err := flatfile.Open(path, record.SHA1)
	require.NoError(t, err)
	defer db.Close()

	prev := db.HashAt(0)
	for i := 1; i < db.Len(); i++ {
		h := db.HashAt(i)
		require.Negative(t, record.CompareHash(prev, h), "record %d out of order", i)
		prev = h
	}
}

func TestLowerBound(t *testing.T) {
	path := buildDB(t, 50)

	db, err := flatfile.Open(path, record.SHA1)
	require.NoError(t, err)
	defer db.Close()

	// Exact match lands on the record itself.
	assert.Equal(t, 7, db.LowerBound(testHash(7)))

	// A needle between records lands on the next one.
	between := testHash(7)
	between[len(between)-1] = 1
	assert.Equal(t, 8, db.LowerBound(between))

	// Past the end returns Len().
	assert.Equal(t, 50, db.LowerBound(testHash(1000)))
}

func TestLookup(t *testing.T) {
	path := buildDB(t, 50)

	db, err := flatfile.Open(path, record.SHA1)
	require.NoError(t, err)
	defer db.Close()

	count, found := db.Lookup(testHash(13))
	assert.True(t, found)
	assert.Equal(t, int32(14), count)

	_, found = db.Lookup(testHash(1000))
	assert.False(t, found)
}

func TestEmptyDatabase(t *testing.T) {
	path := buildDB(t, 0)

	db, err := flatfile.Open(path, record.SHA1)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 0, db.Len())
	assert.Equal(t, 0, db.LowerBound(testHash(0)))
	_, found := db.Lookup(testHash(0))
	assert.False(t, found)
}

func TestTruncatedFileIsFormatError(t *testing.T) {
	path := buildDB(t, 10)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))

	_, err = flatfile.Open(path, record.SHA1)
	assert.ErrorIs(t, err, flatfile.ErrFormat)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := flatfile.Open(filepath.Join(t.TempDir(), "absent.bin"), record.SHA1)
	assert.Error(t, err)
}

func TestWriterRejectsUnsorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")

	w, err := flatfile.OpenWriter(path, record.SHA1, false)
	require.NoError(t, err)
	defer w.Close()

	rec := make([]byte, record.SHA1.Width())
	record.SHA1.Put(rec, testHash(5), 1)
	require.NoError(t, w.Append(rec))

	record.SHA1.Put(rec, testHash(5), 2)
	assert.ErrorIs(t, w.Append(rec), flatfile.ErrUnsorted, "duplicate hash")

	record.SHA1.Put(rec, testHash(4), 1)
	assert.ErrorIs(t, w.Append(rec), flatfile.ErrUnsorted, "descending hash")
}

func TestWriterResumeKeepsOrdering(t *testing.T) {
	path := buildDB(t, 10)

	w, err := flatfile.OpenWriter(path, record.SHA1, true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Count())

	db, err := flatfile.Open(path, record.SHA1)
	require.NoError(t, err)
	w.SeedLast(db.HashAt(db.Len() - 1))
	db.Close()

	rec := make([]byte, record.SHA1.Width())
	record.SHA1.Put(rec, testHash(5), 1)
	assert.ErrorIs(t, w.Append(rec), flatfile.ErrUnsorted, "resume must not regress")

	record.SHA1.Put(rec, testHash(10), 1)
	assert.NoError(t, w.Append(rec))
	require.NoError(t, w.Close())
}
