package cache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/breachline/breachdb/pkg/cache"
)

func TestGetPut(t *testing.T) {
	c := cache.New(100)

	_, ok := c.Get("sha1", []byte("query"))
	assert.False(t, ok)

	c.Put("sha1", []byte("query"), cache.Result{Count: 42, Found: true})
	res, ok := c.Get("sha1", []byte("query"))
	assert.True(t, ok)
	assert.True(t, res.Found)
	assert.Equal(t, int32(42), res.Count)
}

func TestAbsenceIsCached(t *testing.T) {
	c := cache.New(100)

	c.Put("sha1", []byte("missing"), cache.Result{})
	res, ok := c.Get("sha1", []byte("missing"))
	assert.True(t, ok, "a negative result is still a cache hit")
	assert.False(t, res.Found)
}

func TestBackendTagSeparatesKeys(t *testing.T) {
	c := cache.New(100)

	c.Put("sha1", []byte("q"), cache.Result{Count: 1, Found: true})
	_, ok := c.Get("ntlm", []byte("q"))
	assert.False(t, ok)
}

func TestBoundedByCapacity(t *testing.T) {
	const capacity = 100
	c := cache.New(capacity)

	for i := 0; i < capacity*10; i++ {
		c.Put("sha1", []byte(fmt.Sprintf("q%d", i)), cache.Result{Count: int32(i), Found: true})
	}
	assert.LessOrEqual(t, c.Len(), capacity)
}

func TestRecentEntriesSurviveRotation(t *testing.T) {
	c := cache.New(10)

	c.Put("sha1", []byte("hot"), cache.Result{Count: 7, Found: true})
	for i := 0; i < 20; i++ {
		c.Put("sha1", []byte(fmt.Sprintf("f%d", i)), cache.Result{})
		// Touching the hot entry keeps promoting it into the active
		// generation.
		_, ok := c.Get("sha1", []byte("hot"))
		assert.True(t, ok)
	}

	res, ok := c.Get("sha1", []byte("hot"))
	assert.True(t, ok)
	assert.Equal(t, int32(7), res.Count)
}

func TestZeroCapacityDisables(t *testing.T) {
	c := cache.New(0)

	c.Put("sha1", []byte("q"), cache.Result{Count: 1, Found: true})
	_, ok := c.Get("sha1", []byte("q"))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestStats(t *testing.T) {
	c := cache.New(10)

	c.Put("sha1", []byte("q"), cache.Result{Count: 1, Found: true})
	c.Get("sha1", []byte("q"))
	c.Get("sha1", []byte("other"))

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestConcurrentAccess(t *testing.T) {
	c := cache.New(1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := []byte(fmt.Sprintf("q%d", i%200))
				if i%3 == 0 {
					c.Put("sha1", key, cache.Result{Count: int32(i), Found: true})
				} else {
					c.Get("sha1", key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 1000)
}
