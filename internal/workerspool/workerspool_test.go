// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		var running, maxRunning, count atomic.Int32
		err := pool.Run(10, func(i int) error {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(10), count.Load())
		if parallelism > 0 {
			assert.LessOrEqualf(t, int(maxRunning.Load()), parallelism, "parallelism=%d", parallelism)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}

func TestPool_RunError(t *testing.T) {
	pool := NewWithParallelism(2)
	var count atomic.Int32
	err := pool.Run(6, func(i int) error {
		count.Add(1)
		if i == 2 || i == 4 {
			return fmt.Errorf("failed %d", i)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed 2")
	assert.Equal(t, int32(6), count.Load(), "all jobs run even if some fail")
}
