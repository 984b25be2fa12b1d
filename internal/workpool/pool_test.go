package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
)

func TestNew_MinimumSize(t *testing.T) {
	assert.Equal(t, 1, New(0).Size())
	assert.Equal(t, 1, New(-3).Size())
	assert.Equal(t, 4, New(4).Size())
}

// occupy fills one worker until release is closed.
func occupy(t *testing.T, p *Pool, release <-chan struct{}) {
	t.Helper()

	started := make(chan struct{})
	p.Go(context.Background(), func() {
		close(started)
		<-release
	}, nil)
	<-started
}

func TestGo_QueuesUntilWorkerFree(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := New(1)
		release := make(chan struct{})
		var second atomic.Bool

		occupy(t, p, release)
		p.Go(context.Background(), func() { second.Store(true) }, nil)

		synctest.Wait()
		assert.False(t, second.Load(), "queued job ran while worker busy")

		close(release)
		p.Wait()
		assert.True(t, second.Load())
	})
}

func TestGo_CancelledWhileWaiting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := New(1)
		release := make(chan struct{})
		occupy(t, p, release)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		p.Go(ctx, func() { t.Error("must not run") }, func(err error) { errCh <- err })

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)

		close(release)
		p.Wait()
	})
}

func TestGo_BoundsConcurrency(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p := New(3)
		var running, peak atomic.Int32
		gate := make(chan struct{})

		for range 10 {
			p.Go(context.Background(), func() {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-gate
				running.Add(-1)
			}, nil)
		}

		synctest.Wait()
		assert.Equal(t, int32(3), running.Load())

		close(gate)
		p.Wait()
		assert.Equal(t, int32(3), peak.Load())
	})
}
