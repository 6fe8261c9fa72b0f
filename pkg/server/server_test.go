package server_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breachline/breachdb/pkg/config"
	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
	"github.com/breachline/breachdb/pkg/server"
)

var testPasswords = []string{"P@ssw0rd", "hunter2", "correct horse battery staple", "123456"}

// buildSHA1DB writes a database holding the SHA-1 hashes of the test
// passwords, each with count = index+1 in sorted hash order.
func buildSHA1DB(t *testing.T) string {
	t.Helper()

	hashes := make([][]byte, len(testPasswords))
	for i, pw := range testPasswords {
		hashes[i] = record.SHA1Sum(pw)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return record.CompareHash(hashes[i], hashes[j]) < 0
	})

	path := filepath.Join(t.TempDir(), "sha1.bin")
	w, err := flatfile.OpenWriter(path, record.SHA1, false)
	require.NoError(t, err)
	rec := make([]byte, record.SHA1.Width())
	for i, h := range hashes {
		record.SHA1.Put(rec, h, int32(i+1))
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())
	return path
}

func testConfig(dbPath string) config.Server {
	cfg := config.Defaults()
	cfg.SHA1DB = dbPath
	cfg.CacheSize = 1000
	return cfg
}

func startServer(t *testing.T, cfg config.Server) *httptest.Server {
	t.Helper()
	srv, err := server.New(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, ts *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestPlainLookupHit(t *testing.T) {
	ts := startServer(t, testConfig(buildSHA1DB(t)))

	status, body := get(t, ts, "/check/plain/P@ssw0rd")
	assert.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, "0", body, "a breached password must report a positive count")
}

func TestSHA1LookupHitAndMiss(t *testing.T) {
	ts := startServer(t, testConfig(buildSHA1DB(t)))

	hit := record.FormatHex(record.SHA1Sum("hunter2"))
	status, body := get(t, ts, "/check/sha1/"+hit)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, "0", body)

	miss := record.FormatHex(record.SHA1Sum("definitely not in the corpus"))
	status, body = get(t, ts, "/check/sha1/"+miss)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", body)
}

func TestJSONResponses(t *testing.T) {
	cfg := testConfig(buildSHA1DB(t))
	cfg.JSON = true
	ts := startServer(t, cfg)

	miss := record.FormatHex(record.SHA1Sum("absent"))
	resp, err := http.Get(ts.URL + "/check/sha1/" + miss)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var payload map[string]int32
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, int32(0), payload["count"])
}

func TestErrorMapping(t *testing.T) {
	ts := startServer(t, testConfig(buildSHA1DB(t)))

	status, _ := get(t, ts, "/check/nosuch/AABB")
	assert.Equal(t, http.StatusNotFound, status, "unknown backend")

	status, _ = get(t, ts, "/check/sha1/nothex")
	assert.Equal(t, http.StatusBadRequest, status, "malformed hex")

	status, _ = get(t, ts, "/check/sha1/AABB")
	assert.Equal(t, http.StatusBadRequest, status, "wrong hash width")

	status, _ = get(t, ts, "/check/sha1")
	assert.Equal(t, http.StatusBadRequest, status, "incomplete path")
}

func TestDisabledBackendIs404(t *testing.T) {
	ts := startServer(t, testConfig(buildSHA1DB(t)))

	status, _ := get(t, ts, "/check/ntlm/"+record.FormatHex(record.NTLMSum("password")))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCorruptDatabaseRefusesStartup(t *testing.T) {
	path := buildSHA1DB(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))

	_, err = server.New(testConfig(path))
	require.Error(t, err)
	assert.ErrorIs(t, err, flatfile.ErrFormat)
}

func TestNoBackendRefusesStartup(t *testing.T) {
	cfg := config.Defaults()
	cfg.CacheSize = 10
	_, err := server.New(cfg)
	assert.ErrorIs(t, err, config.ErrNoBackend)
}

func TestTOCAndPlainServersAgree(t *testing.T) {
	path := buildSHA1DB(t)

	plain := startServer(t, testConfig(path))

	tocCfg := testConfig(path)
	tocCfg.TOC = true
	tocCfg.TOCBits = 20
	withTOC := startServer(t, tocCfg)

	queries := make([]string, 0, len(testPasswords)+100)
	for _, pw := range testPasswords {
		queries = append(queries, record.FormatHex(record.SHA1Sum(pw)))
	}
	for i := 0; i < 100; i++ {
		queries = append(queries, record.FormatHex(record.SHA1Sum(fmt.Sprintf("random-%d", i))))
	}

	for _, q := range queries {
		s1, b1 := get(t, plain, "/check/sha1/"+q)
		s2, b2 := get(t, withTOC, "/check/sha1/"+q)
		require.Equal(t, s1, s2, "status diverged for %s", q)
		require.Equal(t, b1, b2, "body diverged for %s", q)
	}
}

func TestCacheConsistency(t *testing.T) {
	ts := startServer(t, testConfig(buildSHA1DB(t)))

	q := "/check/plain/hunter2"
	_, first := get(t, ts, q)
	for i := 0; i < 5; i++ {
		_, again := get(t, ts, q)
		assert.Equal(t, first, again, "cached response must equal the uncached one")
	}
}

func TestPerfTestBypassesCache(t *testing.T) {
	cfg := testConfig(buildSHA1DB(t))
	cfg.PerfTest = true
	ts := startServer(t, cfg)

	// The perturbation makes results meaningless but requests must still
	// succeed; this exercises the cache-bypass path.
	for i := 0; i < 10; i++ {
		status, _ := get(t, ts, "/check/plain/hunter2")
		assert.Equal(t, http.StatusOK, status)
	}
}

func TestHealthz(t *testing.T) {
	ts := startServer(t, testConfig(buildSHA1DB(t)))

	status, body := get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)
}

func TestRequestTimeoutConfigured(t *testing.T) {
	cfg := testConfig(buildSHA1DB(t))
	cfg.RequestTimeout = time.Nanosecond
	ts := startServer(t, cfg)

	// With an absurdly small budget every request should exceed it.
	resp, err := http.Get(ts.URL + "/check/plain/hunter2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}
