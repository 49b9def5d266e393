package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryJobOnce(t *testing.T) {
	pool := workerpool.NewPool[int](3, lg.Discard)

	var mu sync.Mutex
	seen := map[int]int{}
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(workerpool.Job[int]{
			Payload: i,
			Fn: func(_ context.Context, _ int, n int) error {
				mu.Lock()
				seen[n]++
				mu.Unlock()
				if n%5 == 0 {
					return errors.New("failed")
				}
				return nil
			},
		}))
	}
	pool.Wait()

	require.Len(t, seen, 20)
	for n, count := range seen {
		assert.Equal(t, 1, count, "job %d", n)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 2
	pool := workerpool.NewPool[struct{}](size, lg.Discard)

	var current, peak atomic.Int32
	workers := sync.Map{}
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(workerpool.Job[struct{}]{
			Fn: func(_ context.Context, worker int, _ struct{}) error {
				workers.Store(worker, true)
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			},
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	workers.Range(func(k, _ any) bool {
		assert.True(t, k.(int) >= 1 && k.(int) <= size)
		return true
	})
}

func TestSubmitAfterWaitFails(t *testing.T) {
	pool := workerpool.NewPool[int](0, nil)
	assert.Equal(t, workerpool.DefaultMaxWorkers, pool.Size())
	pool.Wait()
	pool.Wait()

	err := pool.Submit(workerpool.Job[int]{Fn: func(context.Context, int, int) error { return nil }})
	assert.ErrorIs(t, err, workerpool.ErrPoolClosed)
}

func TestCleanupRuns(t *testing.T) {
	pool := workerpool.NewPool[int](1, lg.Discard)
	cleaned := false
	require.NoError(t, pool.Submit(workerpool.Job[int]{
		Fn:          func(context.Context, int, int) error { return nil },
		CleanupFunc: func() { cleaned = true },
	}))
	pool.Wait()
	assert.True(t, cleaned)
	assert.Equal(t, int32(0), pool.ActiveWorkers())
}
