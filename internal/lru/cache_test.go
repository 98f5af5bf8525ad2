package lru

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	const n = 4
	c := New[string, int](n)
	for i := 0; i < n+1; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}

	require.Equal(t, n, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok, "k0 should have been evicted")
	for i := 1; i <= n; i++ {
		v, ok := c.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	t.Parallel()

	const n = 3
	c := New[string, string](n)
	c.Put("keep", "v")
	c.Put("a", "a")
	c.Put("b", "b")

	_, ok := c.Get("keep")
	require.True(t, ok)

	// n-1 new keys fit alongside "keep"; the n-th pushes out the next oldest.
	for i := 0; i < n-1; i++ {
		c.Put(fmt.Sprintf("new%d", i), "x")
	}
	_, ok = c.Peek("keep")
	assert.True(t, ok, "recently read key must survive")
	assert.Equal(t, []string{"new1", "new0", "keep"}, c.Keys())
}

func TestCache_GetThenNInsertsKeepsKeyWhenTouchedInBetween(t *testing.T) {
	t.Parallel()

	const n = 5
	c := New[int, int](n)
	for i := 0; i < n; i++ {
		c.Put(i, i)
	}
	for i := 0; i < n; i++ {
		_, ok := c.Get(0)
		require.True(t, ok)
		c.Put(100+i, i)
	}
	_, ok := c.Peek(0)
	assert.True(t, ok)
	assert.Equal(t, n, c.Len())
}

func TestCache_PutUpdatesExisting(t *testing.T) {
	t.Parallel()

	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)
	c.Put("c", 3)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCache_OnEvict(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := New[string, int](1, WithOnEvict(func(k string, _ int) { evicted = append(evicted, k) }))
	c.Put("a", 1)
	c.Put("b", 2)
	c.Delete("b")
	c.Put("c", 3)
	c.Clear()

	assert.Equal(t, []string{"a"}, evicted)
}

func TestCache_UpdateDeleteClear(t *testing.T) {
	t.Parallel()

	c := New[string, []int](0)
	assert.Equal(t, DefaultCapacity, c.Capacity())

	assert.False(t, c.Update("missing", func(v []int) []int { return v }))
	c.Put("x", []int{1})
	assert.True(t, c.Update("x", func(v []int) []int { return append(v, 2) }))
	v, _ := c.Peek("x")
	assert.Equal(t, []int{1, 2}, v)

	assert.True(t, c.Delete("x"))
	assert.False(t, c.Delete("x"))

	c.Put("y", nil)
	c.Clear()
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Keys())
}

func TestCache_Stats(t *testing.T) {
	t.Parallel()

	c := New[string, int](2)
	c.Put("a", 1)
	c.Get("a")
	c.Get("zzz")

	s := c.Stats()
	assert.Equal(t, 1, s.Hits)
	assert.Equal(t, 1, s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestCache_ConcurrentAccessStaysBounded(t *testing.T) {
	t.Parallel()

	c := New[int, int](8)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Put(g*1000+i, i)
				c.Get(g*1000 + i/2)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
