package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// TasksInQueue 仪表盘：每个 actor 队列中等待执行的任务数量
	TasksInQueue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pyseq_tasks_in_queue",
		Help: "The number of tasks waiting in each actor queue",
	}, []string{"actor"})

	// TasksProcessedTotal 计数器：按 actor 和结果 (success/failed/cancelled/skipped) 分类
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pyseq_tasks_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"actor", "status"})

	// TaskDuration 直方图：任务执行耗时分布
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pyseq_task_duration_seconds",
		Help:    "Time spent executing each task",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"actor"})

	// ReservationWait 直方图：流动池等待显微镜预约的耗时
	ReservationWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pyseq_reservation_wait_seconds",
		Help:    "Time a flow cell waited to acquire the microscope",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"flowcell"})

	// ReservationHeld 仪表盘：1 表示该流动池当前持有显微镜
	ReservationHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pyseq_reservation_held",
		Help: "Whether the flow cell currently holds the microscope reservation",
	}, []string{"flowcell"})
)
