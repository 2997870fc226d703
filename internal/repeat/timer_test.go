package repeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestStart_StopsWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	Start(ctx, 5*time.Second, 0, func(context.Context) {
		t.Error("run should not be called")
	})

	assert.Assert(t, time.Since(start) < time.Second)
}

func TestStart_CallsToRunNeverOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count, overlap int32
	done := make(chan struct{})
	go func() {
		Start(ctx, time.Millisecond, 0, func(context.Context) {
			value := atomic.AddInt32(&overlap, 1)
			// value should only be 1 if the calls never overlap
			assert.Check(t, is.Equal(int32(1), value))

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&overlap, -1)

			if atomic.AddInt32(&count, 1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, atomic.LoadInt32(&count), int32(3))
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second, 100*time.Millisecond)
		assert.Assert(t, d >= 900*time.Millisecond, d)
		assert.Assert(t, d <= 1100*time.Millisecond, d)
	}

	assert.Equal(t, Jitter(time.Second, 0), time.Second)
	assert.Equal(t, Jitter(0, 0), time.Millisecond)
}
