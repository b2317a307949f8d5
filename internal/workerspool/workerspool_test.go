// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Limit(t *testing.T) {
	const maxParallelism, numTasks = 3, 20
	pool := New(maxParallelism)
	var running, peak, done atomic.Int32
	for range numTasks {
		pool.WaitToStart(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(numTasks), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(maxParallelism))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestPool_Inline(t *testing.T) {
	pool := New(0)
	var order []int
	for i := range 5 {
		pool.WaitToStart(func() { order = append(order, i) })
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_Map(t *testing.T) {
	for _, maxParallelism := range []int{-1, 0, 1, 4} {
		pool := New(maxParallelism)
		results := make([]int, 100)
		pool.Map(len(results), func(i int) { results[i] = i * i })
		for i, r := range results {
			require.Equal(t, i*i, r, "maxParallelism=%d", maxParallelism)
		}
	}
	assert.Greater(t, NewDefault().MaxParallelism(), 0)
}
