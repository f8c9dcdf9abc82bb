package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator() *Coordinator {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return New(l)
}

func TestOneLeasePerFolder(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	var holders, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mode := ModeIncremental
			if i%2 == 0 {
				mode = ModeCatchUp
			}
			lease, err := c.Acquire(ctx, 1, 7, mode)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			c.Release(lease)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	_, held := c.Holder(1, 7)
	assert.False(t, held)
}

func TestDifferentFoldersDoNotBlock(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := c.Acquire(ctx, 1, 1, ModeCatchUp)
	require.NoError(t, err)
	b, err := c.Acquire(ctx, 1, 2, ModeCatchUp)
	require.NoError(t, err)
	other, err := c.Acquire(ctx, 2, 1, ModeIncremental)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	c.Release(a)
	c.Release(b)
	c.Release(other)
}

func TestIncrementalServedBeforeQueuedCatchUp(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	first, err := c.Acquire(ctx, 1, 1, ModeCatchUp)
	require.NoError(t, err)

	order := make(chan Mode, 2)
	var wg sync.WaitGroup
	acquire := func(mode Mode) {
		defer wg.Done()
		lease, err := c.Acquire(ctx, 1, 1, mode)
		if !assert.NoError(t, err) {
			return
		}
		order <- lease.Mode
		c.Release(lease)
	}

	wg.Add(1)
	go acquire(ModeCatchUp)
	require.Eventually(t, func() bool { return c.Waiting(1, 1) == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go acquire(ModeIncremental)
	require.Eventually(t, func() bool { return c.Waiting(1, 1) == 2 }, time.Second, time.Millisecond)

	c.Release(first)
	wg.Wait()
	close(order)

	var got []Mode
	for m := range order {
		got = append(got, m)
	}
	assert.Equal(t, []Mode{ModeIncremental, ModeCatchUp}, got)
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	c := newTestCoordinator()
	held, err := c.Acquire(context.Background(), 1, 1, ModeIncremental)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, 1, 1, ModeCatchUp)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Waiting(1, 1))

	c.Release(held)
	_, ok := c.Holder(1, 1)
	assert.False(t, ok)

	again, err := c.Acquire(context.Background(), 1, 1, ModeCatchUp)
	require.NoError(t, err)
	c.Release(again)
}

func TestStaleReleaseIsNoop(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	first, err := c.Acquire(ctx, 1, 1, ModeIncremental)
	require.NoError(t, err)
	c.Release(first)

	second, err := c.Acquire(ctx, 1, 1, ModeBootstrap)
	require.NoError(t, err)
	c.Release(first)

	mode, ok := c.Holder(1, 1)
	require.True(t, ok)
	assert.Equal(t, ModeBootstrap, mode)
	c.Release(second)
}
