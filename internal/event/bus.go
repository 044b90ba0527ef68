package event

import (
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	TaskEnqueued        EventType = "TaskEnqueued"        // 任务进入队列
	TaskStarted         EventType = "TaskStarted"         // 任务开始执行
	TaskCompleted       EventType = "TaskCompleted"       // 任务成功完成
	TaskFailed          EventType = "TaskFailed"          // 任务执行失败
	TaskCancelled       EventType = "TaskCancelled"       // 运行中的任务被协作式取消
	TaskSkipped         EventType = "TaskSkipped"         // 已取消的任务出队时被跳过
	QueuePaused         EventType = "QueuePaused"         // 队列暂停
	QueueResumed        EventType = "QueueResumed"        // 队列恢复
	ReservationAcquired EventType = "ReservationAcquired" // 流动池获得显微镜
	ReservationReleased EventType = "ReservationReleased" // 流动池释放显微镜
	ProtocolQueued      EventType = "ProtocolQueued"      // 协议已编排进流动池队列
	StateChanged        EventType = "StateChanged"        // 流动池运行状态变化
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type        EventType     // 事件类型
	Actor       types.ActorID // 关联的 actor
	TaskID      int           // 关联的任务 ID (仅任务事件)
	Description string        // 任务描述或协议名称
	State       string        // 新状态 (仅 StateChanged)
	Duration    time.Duration // 任务耗时或等待显微镜的耗时
	Error       error         // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// nil 总线上发布是安全的，便于测试中省略总线
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	// 使用 goroutine 避免单个处理器的阻塞影响任务队列
	for _, handler := range b.handlers[e.Type] {
		go handler(e)
	}
}
