package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/google/uuid"
)

// 日志条目状态
const (
	StatusEnqueued  = "ENQUEUED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusSkipped   = "SKIPPED"
)

// Entry 代表任务日志中的一条记录
type Entry struct {
	RunID       string        `json:"run_id"`
	Time        time.Time     `json:"time"`
	Actor       types.ActorID `json:"actor"`
	TaskID      int           `json:"task_id"`
	Description string        `json:"description,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// Journal 是只追加的任务日志（JSON lines），供操作员审计
// 任务不会从日志中重放：仪器状态在进程重启后无法安全恢复
type Journal struct {
	file  *os.File
	mu    sync.Mutex
	runID string
}

// NewJournal 创建或打开一个日志文件，每次打开生成新的 run id
func NewJournal(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file, runID: uuid.NewString()}, nil
}

// RunID 返回本次进程的 run id
func (j *Journal) RunID() string { return j.runID }

// Enqueued 记录任务入队
func (j *Journal) Enqueued(actor types.ActorID, taskID int, description string) error {
	return j.append(Entry{Actor: actor, TaskID: taskID, Description: description, Status: StatusEnqueued})
}

// Finished 记录任务结束（完成、失败、取消或跳过）
func (j *Journal) Finished(actor types.ActorID, taskID int, status string, taskErr error) error {
	e := Entry{Actor: actor, TaskID: taskID, Status: status}
	if taskErr != nil {
		e.Error = taskErr.Error()
	}
	return j.append(e)
}

func (j *Journal) append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.RunID = j.runID
	e.Time = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return j.file.Sync()
}

// Unfinished 返回之前的运行中已入队但没有结束记录的任务，按时间排序
// 只用于提示操作员，这些任务不会被重新执行
func (j *Journal) Unfinished() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	type key struct {
		run   string
		actor types.ActorID
		id    int
	}
	pending := make(map[key]Entry)
	finished := make(map[key]bool)

	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// 忽略损坏的行
			continue
		}
		if e.RunID == j.runID {
			continue
		}
		k := key{e.RunID, e.Actor, e.TaskID}
		// 事件异步写入，结束记录可能先于入队记录
		if e.Status == StatusEnqueued {
			if !finished[k] {
				pending[k] = e
			}
		} else {
			finished[k] = true
			delete(pending, k)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(pending))
	for _, e := range pending {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })
	return out, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
