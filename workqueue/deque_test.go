package workqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushPopBottomLIFOOwner(t *testing.T) {
	d := New[int](4)
	for i := 0; i < 10; i++ {
		d.PushBottom(i)
	}
	var got []int
	for {
		v, ok := d.PopBottom()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, got)
}

func TestPopTopStealsOldest(t *testing.T) {
	d := New[int](4)
	for i := 0; i < 5; i++ {
		d.PushBottom(i)
	}
	v, ok := d.PopTop()
	assert.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestPopEmptyFails(t *testing.T) {
	d := New[int](4)
	_, ok := d.PopBottom()
	assert.False(t, ok)
	_, ok = d.PopTop()
	assert.False(t, ok)
}

func TestGrowPreservesOrder(t *testing.T) {
	d := New[int](2)
	const n = 200
	for i := 0; i < n; i++ {
		d.PushBottom(i)
	}
	for i := n - 1; i >= 0; i-- {
		v, ok := d.PopBottom()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestConcurrentStealersDontDuplicate(t *testing.T) {
	d := New[int](4)
	const n = 2000
	for i := 0; i < n; i++ {
		d.PushBottom(i)
	}

	seen := make([]int32, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	const stealers = 8
	wg.Add(stealers)
	for s := 0; s < stealers; s++ {
		go func() {
			defer wg.Done()
			for {
				v, ok := d.PopTop()
				if !ok {
					if d.Len() == 0 {
						return
					}
					continue
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for i, c := range seen {
		assert.LessOrEqualf(t, c, int32(1), "value %d stolen more than once", i)
	}
}
