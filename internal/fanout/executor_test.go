package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/observability"
)

func newTestExecutor(workers, queue int) *Executor {
	return New(workers, queue, time.Second, zap.NewNop(), observability.NewNoOpRegistry())
}

func TestSubmitRunsTask(t *testing.T) {
	exec := newTestExecutor(2, 8)
	exec.Start()
	defer func() { _ = exec.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	var count int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := exec.Submit("test", func(context.Context) error {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
			return nil
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int64(5), atomic.LoadInt64(&count))
}

func TestSubmitDoesNotBlockWhenFull(t *testing.T) {
	exec := newTestExecutor(1, 1)
	// not started: nothing drains the queue

	require.True(t, exec.Submit("a", func(context.Context) error { return nil }))

	done := make(chan bool, 1)
	go func() {
		done <- exec.Submit("b", func(context.Context) error { return nil })
	}()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}

func TestTaskErrorDoesNotStopWorkers(t *testing.T) {
	exec := newTestExecutor(1, 8)
	exec.Start()
	defer func() { _ = exec.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	wg.Add(2)
	exec.Submit("failing", func(context.Context) error {
		defer wg.Done()
		return errors.New("boom")
	})
	var ran atomic.Bool
	exec.Submit("after", func(context.Context) error {
		defer wg.Done()
		ran.Store(true)
		return nil
	})
	wg.Wait()
	assert.True(t, ran.Load())
}

func TestTaskTimeout(t *testing.T) {
	exec := New(1, 8, 20*time.Millisecond, zap.NewNop(), observability.NewNoOpRegistry())
	exec.Start()
	defer func() { _ = exec.Shutdown(context.Background()) }()

	expired := make(chan bool, 1)
	exec.Submit("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			expired <- true
		case <-time.After(time.Second):
			expired <- false
		}
		return ctx.Err()
	})

	select {
	case ok := <-expired:
		assert.True(t, ok, "task context should expire")
	case <-time.After(2 * time.Second):
		t.Fatal("task never observed its deadline")
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	exec := newTestExecutor(1, 8)
	exec.Start()

	started := make(chan struct{})
	var finished atomic.Bool
	exec.Submit("inflight", func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started

	require.NoError(t, exec.Shutdown(context.Background()))
	assert.True(t, finished.Load())
}

func TestShutdownDeadline(t *testing.T) {
	exec := newTestExecutor(1, 8)
	exec.Start()

	started := make(chan struct{})
	exec.Submit("stuck", func(context.Context) error {
		close(started)
		time.Sleep(5 * time.Second)
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, exec.Shutdown(ctx))
}
