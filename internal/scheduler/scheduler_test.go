package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbor-build/arbor/internal/resources"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(resources.Capacity{CPU: 4, Memory: 1024}, 1.0, true, false)
	var ran bool
	err := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	for _, fair := range []bool{true, false} {
		p := New(resources.Capacity{CPU: 2}, 1.0, fair, false)
		var running int32
		var maxRunning int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
					n := atomic.AddInt32(&running, 1)
					for {
						old := atomic.LoadInt32(&maxRunning)
						if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&running, -1)
					return nil
				})
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, maxRunning, int32(2))
	}
}

func TestSubmitReleasesWeightOnTaskError(t *testing.T) {
	p := New(resources.Capacity{CPU: 1}, 1.0, true, true)
	err1 := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.Error(t, err1)

	var ranSecond bool
	err2 := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		ranSecond = true
		return nil
	})
	require.NoError(t, err2)
	assert.True(t, ranSecond, "weight from the failed task must have been released")
}

func TestSubmitShortCircuitsAfterFirstFailureWithoutKeepGoing(t *testing.T) {
	p := New(resources.Capacity{CPU: 4}, 1.0, true, false)
	err1 := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.Error(t, err1)
	assert.True(t, p.Cancelled())

	var ran bool
	err2 := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.Error(t, err2)
	assert.False(t, ran, "task must not run once the pool is canceled")
}

func TestSubmitDoesNotShortCircuitWithKeepGoing(t *testing.T) {
	p := New(resources.Capacity{CPU: 4}, 1.0, true, true)
	_ = p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		return errors.New("boom")
	})

	var ran bool
	err := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCancelStopsFutureSubmissions(t *testing.T) {
	p := New(resources.Capacity{CPU: 4}, 1.0, true, false)
	p.Cancel(errors.New("external interrupt"))

	var ran bool
	err := p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	for _, fair := range []bool{true, false} {
		p := New(resources.Capacity{CPU: 1}, 1.0, fair, true)
		blocked := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
				close(blocked)
				<-release
				return nil
			})
		}()
		<-blocked

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := p.Submit(ctx, Weight{CPU: 1}, func(ctx context.Context) error { return nil })
		assert.Error(t, err)
		close(release)
	}
}

func TestZeroWeightAxisNeverBlocks(t *testing.T) {
	p := New(resources.Capacity{CPU: 1, Memory: 0, DiskIO: 0, NetIO: 0}, 1.0, true, true)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Submit(context.Background(), Weight{CPU: 1, DiskIO: 100}, func(ctx context.Context) error {
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestDefaultBuildsFromSampledCapacity(t *testing.T) {
	p, err := Default(1.0, true, false)
	require.NoError(t, err)
	require.NotNil(t, p)

	var ran bool
	err = p.Submit(context.Background(), Weight{CPU: 1}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
