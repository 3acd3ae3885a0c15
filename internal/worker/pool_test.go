package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRunsAll(t *testing.T) {
	p, err := New("test", 3)
	require.NoError(t, err)
	defer p.Release(time.Second)

	var n atomic.Int32
	g := p.Group()
	for range 20 {
		g.Go(context.Background(), func(ctx context.Context) error {
			n.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(20), n.Load())
	assert.Equal(t, 3, p.Cap())
}

func TestGroupBoundsConcurrency(t *testing.T) {
	p, err := New("bounded", 2)
	require.NoError(t, err)
	defer p.Release(time.Second)

	var active, peak atomic.Int32
	g := p.Group()
	for range 8 {
		g.Go(context.Background(), func(ctx context.Context) error {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestGroupCollectsErrorsAndPanics(t *testing.T) {
	p, err := New("errs", 2)
	require.NoError(t, err)
	defer p.Release(time.Second)

	boom := errors.New("boom")
	g := p.Group()
	g.Go(context.Background(), func(ctx context.Context) error { return boom })
	g.Go(context.Background(), func(ctx context.Context) error { panic("kaboom") })
	g.Go(context.Background(), func(ctx context.Context) error { return nil })

	err = g.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestGroupCancelledContext(t *testing.T) {
	p, err := New("cancel", 1)
	require.NoError(t, err)
	defer p.Release(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	g := p.Group()
	g.Go(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, g.Wait(), context.Canceled)
	assert.False(t, ran.Load())
}

func TestGroupClosedPool(t *testing.T) {
	p, err := New("closed", 1)
	require.NoError(t, err)
	p.Release(time.Second)

	g := p.Group()
	g.Go(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, g.Wait(), ErrPoolClosed)
}
