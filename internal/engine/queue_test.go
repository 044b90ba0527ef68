package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startQueue 创建并启动一个队列，测试结束时停止
func startQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue("A", nil, util.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func joinWithin(t *testing.T, q *Queue, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, q.Join(ctx))
}

func TestQueueRunsTasksInOrderOneAtATime(t *testing.T) {
	q := startQueue(t)

	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var overlaps atomic.Int32
	for i := 0; i < 20; i++ {
		q.Enqueue("step", func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		})
	}
	q.Resume()
	joinWithin(t, q, 2*time.Second)

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.Zero(t, overlaps.Load())
}

func TestQueueStartsPausedUntilResume(t *testing.T) {
	q := startQueue(t)
	assert.True(t, q.Paused())

	var ran atomic.Bool
	q.Enqueue("hold", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, 1, q.Len())
	assert.Len(t, q.Pending(), 1)

	q.Resume()
	joinWithin(t, q, time.Second)
	assert.True(t, ran.Load())
	assert.True(t, q.Empty())
}

func TestCancelledTaskNeverRuns(t *testing.T) {
	q := startQueue(t)

	var ran atomic.Bool
	first := q.Submit("first", func(ctx context.Context) error { return nil })
	second := q.Submit("second", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.True(t, q.Cancel(second.ID))
	assert.Equal(t, []TaskInfo{{ID: first.ID, Description: "first"}}, q.Pending())

	q.Resume()
	joinWithin(t, q, time.Second)
	assert.False(t, ran.Load())
	assert.ErrorIs(t, second.Wait(context.Background()), ErrTaskCancelled)
	assert.NoError(t, first.Wait(context.Background()))
	assert.False(t, q.Cancel(second.ID))
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	q := startQueue(t)
	q.Resume()

	started := make(chan struct{})
	task := q.Submit("hold", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	var nextRan atomic.Bool
	q.Enqueue("next", func(ctx context.Context) error {
		nextRan.Store(true)
		return nil
	})

	<-started
	current, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, task.ID, current.ID)

	assert.True(t, q.Cancel(task.ID))
	joinWithin(t, q, time.Second)
	assert.ErrorIs(t, task.Wait(context.Background()), context.Canceled)
	assert.True(t, nextRan.Load())
}

func TestFailureAndPanicDoNotStopQueue(t *testing.T) {
	q := startQueue(t)
	boom := errors.New("pump stalled")

	failed := q.Submit("pump", func(ctx context.Context) error { return boom })
	panicked := q.Submit("valve", func(ctx context.Context) error { panic("driver crash") })
	ok := q.Submit("hold", func(ctx context.Context) error { return nil })
	q.Resume()
	joinWithin(t, q, time.Second)

	assert.ErrorIs(t, failed.Wait(context.Background()), boom)
	assert.ErrorContains(t, panicked.Wait(context.Background()), "driver crash")
	assert.NoError(t, ok.Wait(context.Background()))
}

func TestPauseDoesNotInterruptRunningTask(t *testing.T) {
	q := startQueue(t)
	q.Resume()

	release := make(chan struct{})
	started := make(chan struct{})
	running := q.Submit("long", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	var nextRan atomic.Bool
	q.Enqueue("next", func(ctx context.Context) error {
		nextRan.Store(true)
		return nil
	})

	<-started
	q.Pause()
	close(release)
	require.NoError(t, running.Wait(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, nextRan.Load())

	q.Resume()
	joinWithin(t, q, time.Second)
	assert.True(t, nextRan.Load())
}

func TestDrainCancelsEverything(t *testing.T) {
	q := startQueue(t)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		q.Enqueue("step", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	// 暂停中的队列也能被清空
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	assert.Zero(t, ran.Load())
	assert.Zero(t, q.Len())

	q.Resume()
	started := make(chan struct{})
	q.Enqueue("hold", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q.Enqueue("after", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	<-started
	require.NoError(t, q.Drain(ctx))
	assert.Zero(t, ran.Load())
}

func TestAwaitAndStop(t *testing.T) {
	q := NewQueue("microscope", nil, util.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	task := q.Submit("never", func(ctx context.Context) error { return nil })
	id := task.ID
	assert.ErrorIs(t, q.Await(context.Background(), 999), ErrUnknownTask)

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, q.Await(short, id), context.DeadlineExceeded)

	waitErr := make(chan error, 1)
	go func() { waitErr <- task.Wait(context.Background()) }()
	cancel()
	<-done
	assert.ErrorIs(t, <-waitErr, ErrQueueStopped)

	late := q.Submit("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(context.Background()), ErrQueueStopped)
}
