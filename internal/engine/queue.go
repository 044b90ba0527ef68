package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/metrics"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
)

var (
	// ErrTaskCancelled 是被取消、从未执行的任务的结果
	ErrTaskCancelled = errors.New("task cancelled before it started")
	// ErrQueueStopped 是队列停止时仍在排队的任务的结果
	ErrQueueStopped = errors.New("queue stopped")
	// ErrUnknownTask 表示任务 ID 不在队列中（从未存在或已经完成）
	ErrUnknownTask = errors.New("task not pending")
)

// Operation 是任务要执行的操作，必须在 ctx 取消时尽快返回
type Operation func(ctx context.Context) error

// Task 是队列中的一个任务，只属于持有它的队列
type Task struct {
	ID          int
	Description string

	op   Operation
	live bool // false 表示已取消，出队时跳过
	done chan struct{}
	err  error
}

// Done 在任务完成或被跳过后关闭
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait 等待任务结束并返回其结果
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskInfo 是任务的只读快照
type TaskInfo struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// Queue 是一个 actor 的 FIFO 任务队列和它的 worker
// 同一时刻最多执行一个任务，严格按入队顺序执行；新建的队列处于暂停状态
type Queue struct {
	actor  types.ActorID
	mu     sync.Mutex
	cond   *sync.Cond // 队列非空、恢复或停止时通知 worker
	tasks  []*Task    // 尚未出队的任务
	byID   map[int]*Task
	nextID int

	paused        bool
	stopped       bool
	current       *Task
	cancelCurrent context.CancelFunc
	idle          chan struct{} // 队列中没有未完成的任务时关闭

	bus    *event.Bus
	logger *slog.Logger
}

// NewQueue 创建 actor 的任务队列，初始为暂停状态
func NewQueue(actor types.ActorID, bus *event.Bus, logger *slog.Logger) *Queue {
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		actor:  actor,
		byID:   make(map[int]*Task),
		paused: true,
		idle:   idle,
		bus:    bus,
		logger: logger.With("component", "queue", "actor", actor),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Actor 返回队列所属的 actor
func (q *Queue) Actor() types.ActorID { return q.actor }

// Submit 把任务追加到队尾并立即返回，不会阻塞
func (q *Queue) Submit(description string, op Operation) *Task {
	q.mu.Lock()
	q.nextID++
	t := &Task{ID: q.nextID, Description: description, op: op, live: true, done: make(chan struct{})}
	if len(q.byID) == 0 {
		q.idle = make(chan struct{})
	}
	q.byID[t.ID] = t
	if q.stopped {
		q.finishLocked(t, ErrQueueStopped)
		q.mu.Unlock()
		return t
	}
	q.tasks = append(q.tasks, t)
	metrics.TasksInQueue.WithLabelValues(string(q.actor)).Set(float64(len(q.tasks)))
	q.cond.Signal()
	q.mu.Unlock()

	q.logger.Debug("任务入队", "task_id", t.ID, "description", description)
	q.bus.Publish(event.Event{Type: event.TaskEnqueued, Actor: q.actor, TaskID: t.ID, Description: description})
	return t
}

// Enqueue 与 Submit 相同，只返回任务 ID
func (q *Queue) Enqueue(description string, op Operation) int {
	return q.Submit(description, op).ID
}

// Cancel 取消一个未完成的任务，返回该任务是否仍未完成
// 排队中的任务永远不会执行；正在执行的任务会收到 ctx 取消请求，由操作自行响应
func (q *Queue) Cancel(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	t.live = false
	if q.current == t && q.cancelCurrent != nil {
		q.cancelCurrent()
	}
	q.logger.Info("取消任务", "task_id", id, "description", t.Description)
	return true
}

// Pause 禁止 worker 开始新任务，不影响正在执行的任务
func (q *Queue) Pause() {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()
	if changed {
		q.logger.Info("队列暂停")
		q.bus.Publish(event.Event{Type: event.QueuePaused, Actor: q.actor})
	}
}

// Resume 允许 worker 继续开始新任务
func (q *Queue) Resume() {
	q.mu.Lock()
	changed := q.paused
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
	if changed {
		q.logger.Info("队列恢复")
		q.bus.Publish(event.Event{Type: event.QueueResumed, Actor: q.actor})
	}
}

// Drain 取消所有未完成的任务并等待队列清空
// 尚未开始的任务立即作为已取消移出队列，暂停中的队列也能被清空
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	skipped := q.tasks
	q.tasks = nil
	for _, t := range skipped {
		t.live = false
		q.finishLocked(t, ErrTaskCancelled)
	}
	if q.current != nil {
		q.current.live = false
		q.cancelCurrent()
	}
	metrics.TasksInQueue.WithLabelValues(string(q.actor)).Set(0)
	q.mu.Unlock()

	for _, t := range skipped {
		q.publishSkipped(t)
	}
	q.logger.Info("清空队列", "cancelled", len(skipped))
	return q.Join(ctx)
}

// Join 阻塞直到当前所有已入队的任务都已完成或被跳过
func (q *Queue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await 等待指定任务结束并返回其结果
func (q *Queue) Await(ctx context.Context, id int) error {
	q.mu.Lock()
	t, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s task %d: %w", q.actor, id, ErrUnknownTask)
	}
	return t.Wait(ctx)
}

// Len 返回尚未出队的任务数（包括已取消但尚未被跳过的任务）
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Empty 在没有排队或正在执行的任务时返回 true
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID) == 0
}

// Paused 返回队列是否处于暂停状态
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Current 返回正在执行的任务
func (q *Queue) Current() (TaskInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return TaskInfo{}, false
	}
	return TaskInfo{ID: q.current.ID, Description: q.current.Description}, true
}

// Pending 返回排队中、未被取消的任务，按执行顺序排列
func (q *Queue) Pending() []TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskInfo, 0, len(q.tasks))
	for _, t := range q.tasks {
		if t.live {
			out = append(out, TaskInfo{ID: t.ID, Description: t.Description})
		}
	}
	return out
}

// Stop 让 worker 在当前任务结束后退出
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Run 是队列的 worker 循环，直到 ctx 取消或调用 Stop 才返回
// 退出时仍在排队的任务以 ErrQueueStopped 结束，避免等待者永远阻塞
func (q *Queue) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, q.Stop)
	defer stop()
	q.logger.Debug("worker 启动")

	for {
		q.mu.Lock()
		for !q.stopped && (q.paused || len(q.tasks) == 0) {
			q.cond.Wait()
		}
		if q.stopped {
			q.abandonLocked()
			q.mu.Unlock()
			q.logger.Debug("worker 退出")
			return
		}

		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		metrics.TasksInQueue.WithLabelValues(string(q.actor)).Set(float64(len(q.tasks)))

		if !t.live {
			q.finishLocked(t, ErrTaskCancelled)
			q.mu.Unlock()
			q.publishSkipped(t)
			continue
		}

		// 生成 Trace ID 并注入 Context，用于全链路追踪
		traceID := util.NewTraceID()
		taskCtx, cancel := context.WithCancel(util.ContextWithTraceID(ctx, traceID))
		q.current = t
		q.cancelCurrent = cancel
		q.mu.Unlock()

		err := q.execute(taskCtx, t, traceID)
		cancel()

		q.mu.Lock()
		q.current = nil
		q.cancelCurrent = nil
		q.finishLocked(t, err)
		q.mu.Unlock()
	}
}

// execute 运行一个任务，panic 被当作执行错误处理；任何错误都不会终止队列
func (q *Queue) execute(ctx context.Context, t *Task, traceID string) (err error) {
	logger := q.logger.With("task_id", t.ID, "trace_id", traceID)
	logger.Info("开始任务", "description", t.Description)
	q.bus.Publish(event.Event{Type: event.TaskStarted, Actor: q.actor, TaskID: t.ID, Description: t.Description})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		elapsed := time.Since(start)
		metrics.TaskDuration.WithLabelValues(string(q.actor)).Observe(elapsed.Seconds())

		e := event.Event{Actor: q.actor, TaskID: t.ID, Description: t.Description, Duration: elapsed, Error: err}
		switch {
		case err == nil:
			logger.Info("任务完成", "description", t.Description, "duration", elapsed)
			e.Type = event.TaskCompleted
			metrics.TasksProcessedTotal.WithLabelValues(string(q.actor), "success").Inc()
		case errors.Is(err, context.Canceled):
			logger.Warn("任务被取消", "description", t.Description, "duration", elapsed)
			e.Type = event.TaskCancelled
			metrics.TasksProcessedTotal.WithLabelValues(string(q.actor), "cancelled").Inc()
		default:
			logger.Error("任务失败", "description", t.Description, "error", err, "duration", elapsed)
			e.Type = event.TaskFailed
			metrics.TasksProcessedTotal.WithLabelValues(string(q.actor), "failed").Inc()
		}
		q.bus.Publish(e)
	}()

	return t.op(ctx)
}

// finishLocked 记录任务结果并通知等待者，必须在持有锁时调用
func (q *Queue) finishLocked(t *Task, err error) {
	t.err = err
	close(t.done)
	delete(q.byID, t.ID)
	if len(q.byID) == 0 {
		close(q.idle)
	}
}

// abandonLocked 结束所有仍在排队的任务，必须在持有锁时调用
func (q *Queue) abandonLocked() {
	for _, t := range q.tasks {
		q.finishLocked(t, ErrQueueStopped)
	}
	q.tasks = nil
	metrics.TasksInQueue.WithLabelValues(string(q.actor)).Set(0)
}

func (q *Queue) publishSkipped(t *Task) {
	q.logger.Info("跳过已取消的任务", "task_id", t.ID, "description", t.Description)
	metrics.TasksProcessedTotal.WithLabelValues(string(q.actor), "skipped").Inc()
	q.bus.Publish(event.Event{Type: event.TaskSkipped, Actor: q.actor, TaskID: t.ID, Description: t.Description, Error: ErrTaskCancelled})
}
