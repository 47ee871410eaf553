package cmap

import (
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func hashInts(k int) uint32 {
	return HashString(strconv.Itoa(k))
}

func TestSetAndGet(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	assert.True(t, m.Set(7, 5))
	v, wait := m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
	vals := m.Values()
	sort.Ints(vals)
	assert.Equal(t, []int{5, 7}, vals)
}

func TestSetTwiceKeepsFirst(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	assert.False(t, m.Set(5, 8))
	v, _ := m.Get(5)
	assert.Equal(t, 7, v)
}

func TestGetAbsentReturnsNilWait(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	v, wait := m.Get(42)
	assert.Equal(t, 0, v)
	assert.Nil(t, wait)
}

func TestGetOrComputeRunsOnce(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	var calls int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := m.GetOrCompute(1, func() int {
				mu.Lock()
				calls++
				mu.Unlock()
				return 99
			})
			assert.Equal(t, 99, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestHasDistinguishesAbsentFromResolvedZero(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.False(t, m.Has(5))
	assert.True(t, m.Set(5, 0))
	assert.True(t, m.Has(5))
}

func TestGetOrComputeComputesOnGenuinelyAbsentKey(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	v := m.GetOrCompute(1, func() int { return 0 })
	assert.Equal(t, 0, v)
	assert.True(t, m.Has(1))
}

func TestShardCountMustBePowerOfTwo(t *testing.T) {
	New[int, int](4, hashInts)
	assert.Panics(t, func() {
		New[int, int](3, hashInts)
	})
}

func TestResizeAcrossShards(t *testing.T) {
	for n := 10; n <= 1000; n *= 10 {
		n := n
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			m := New[int, int](1, hashInts)
			for i := 0; i < n; i++ {
				m.Set(i, i)
			}
			for i := 0; i < n; i++ {
				v, wait := m.Get(i)
				assert.Equal(t, i, v)
				assert.Nil(t, wait)
			}
		})
	}
}
