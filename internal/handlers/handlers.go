package handlers

import (
	"log/slog"

	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/persistence"
	"github.com/PySeqEcosystem/pyseq-core/internal/web"
)

// 写入任务日志时使用的结束状态
var finishStatus = map[event.EventType]string{
	event.TaskCompleted: persistence.StatusCompleted,
	event.TaskFailed:    persistence.StatusFailed,
	event.TaskCancelled: persistence.StatusCancelled,
	event.TaskSkipped:   persistence.StatusSkipped,
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的关注点（UI、任务日志、审计日志）解耦
// st 与 journal 都可以为 nil；指标由队列和预约协调器直接记录
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, journal *persistence.Journal, logger *slog.Logger) {
	logger = logger.With("component", "handlers")

	// --- Web UI 处理器 (Web UI Handler) ---
	// 订阅全部状态相关事件，更新 UI 中每个 actor 的状态
	if st != nil {
		for _, t := range []event.EventType{
			event.TaskStarted, event.TaskCompleted, event.TaskFailed, event.TaskCancelled, event.TaskSkipped,
			event.QueuePaused, event.QueueResumed, event.StateChanged, event.ProtocolQueued,
			event.ReservationAcquired, event.ReservationReleased,
		} {
			bus.Subscribe(t, st.Apply)
		}
	}

	// --- 任务日志处理器 (Journal Handler) ---
	if journal != nil {
		bus.Subscribe(event.TaskEnqueued, func(e event.Event) {
			if err := journal.Enqueued(e.Actor, e.TaskID, e.Description); err != nil {
				logger.Error("写入任务日志失败", "actor", e.Actor, "task_id", e.TaskID, "error", err)
			}
		})
		for t, status := range finishStatus {
			bus.Subscribe(t, func(e event.Event) {
				if err := journal.Finished(e.Actor, e.TaskID, status, e.Error); err != nil {
					logger.Error("写入任务日志失败", "actor", e.Actor, "task_id", e.TaskID, "error", err)
				}
			})
		}
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.TaskFailed, func(e event.Event) {
		logger.Error("任务执行失败", "actor", e.Actor, "task_id", e.TaskID, "task", e.Description, "error", e.Error)
	})
	bus.Subscribe(event.ProtocolQueued, func(e event.Event) {
		logger.Info("协议已排队", "flowcell", e.Actor, "protocol", e.Description)
	})
	bus.Subscribe(event.ReservationAcquired, func(e event.Event) {
		logger.Info("显微镜已预约", "flowcell", e.Actor, "wait", e.Duration)
	})
	bus.Subscribe(event.ReservationReleased, func(e event.Event) {
		logger.Info("显微镜已释放", "flowcell", e.Actor)
	})
}
