package reservation

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
)

// ErrNotOwner 表示释放了一个并未持有的预约，属于调用方的编程错误
var ErrNotOwner = errors.New("reservation not held by caller")

// Coordinator 仲裁哪个流动池当前拥有显微镜
// 它是一个管程：互斥锁加上一个可重新检查谓词的等待，调用方只能通过 Acquire/Release 使用
type Coordinator struct {
	mu      sync.Mutex
	owner   types.ActorID // 空字符串表示无人持有
	changed chan struct{} // 每次释放时关闭并替换，用于唤醒所有等待者
	bus     *event.Bus
	logger  *slog.Logger
}

// NewCoordinator 创建一个新的预约协调器
func NewCoordinator(bus *event.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		changed: make(chan struct{}),
		bus:     bus,
		logger:  logger.With("component", "reservation"),
	}
}

// Owner 返回当前持有者，无人持有时 ok 为 false
func (c *Coordinator) Owner() (types.ActorID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner, c.owner != ""
}

// Acquire 阻塞直到显微镜无人持有或已由 id 持有，然后将持有者设为 id
// 已持有时再次获取立即成功；ctx 取消时放弃等待并返回 ctx 的错误
func (c *Coordinator) Acquire(ctx context.Context, id types.ActorID) error {
	if id == "" {
		return fmt.Errorf("acquire: empty identity")
	}
	start := time.Now()
	for {
		c.mu.Lock()
		if c.owner == "" || c.owner == id {
			reentrant := c.owner == id
			c.owner = id
			c.mu.Unlock()

			waited := time.Since(start)
			if !reentrant {
				c.logger.Debug("获得显微镜", "flowcell", id, "waited", waited)
				metrics.ReservationWait.WithLabelValues(string(id)).Observe(waited.Seconds())
				metrics.ReservationHeld.WithLabelValues(string(id)).Set(1)
				c.bus.Publish(event.Event{Type: event.ReservationAcquired, Actor: id, Duration: waited})
			}
			return nil
		}
		holder := c.owner
		wake := c.changed
		c.mu.Unlock()

		c.logger.Debug("等待显微镜", "flowcell", id, "reserved_for", holder)
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release 清空持有者并唤醒所有等待者，只能由当前持有者调用
func (c *Coordinator) Release(id types.ActorID) error {
	c.mu.Lock()
	if c.owner != id || id == "" {
		holder := c.owner
		c.mu.Unlock()
		c.logger.Error("释放未持有的显微镜预约", "flowcell", id, "reserved_for", holder)
		return fmt.Errorf("release by %q while held by %q: %w", id, holder, ErrNotOwner)
	}
	c.owner = ""
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.logger.Debug("释放显微镜", "flowcell", id)
	metrics.ReservationHeld.WithLabelValues(string(id)).Set(0)
	c.bus.Publish(event.Event{Type: event.ReservationReleased, Actor: id})
	return nil
}

// ReleaseIfHeld 在 id 仍持有预约时释放，返回是否发生了释放
func (c *Coordinator) ReleaseIfHeld(id types.ActorID) bool {
	c.mu.Lock()
	held := c.owner == id && id != ""
	c.mu.Unlock()
	if !held {
		return false
	}
	return c.Release(id) == nil
}

// Use 以 id 的身份持有显微镜运行 fn，无论 fn 成功、失败还是 panic 都会释放预约
func (c *Coordinator) Use(ctx context.Context, id types.ActorID, fn func(ctx context.Context) error) (err error) {
	if err := c.Acquire(ctx, id); err != nil {
		return err
	}
	defer func() {
		if rerr := c.Release(id); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
