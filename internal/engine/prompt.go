package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/types"
)

// ErrPromptTimeout 表示操作员没有在超时前确认提示
var ErrPromptTimeout = errors.New("user prompt timed out")

// Prompt 是一个等待操作员确认的提示
type Prompt struct {
	FlowCell types.ActorID `json:"flowcell"`
	Message  string        `json:"message"`
	Opened   time.Time     `json:"opened"`
	Deadline time.Time     `json:"deadline,omitempty"` // 零值表示不限时

	confirmed chan struct{}
}

// PromptBoard 保存每个流动池当前打开的提示，由 HTTP API 或命令行确认
type PromptBoard struct {
	mu     sync.Mutex
	open   map[types.ActorID]*Prompt
	logger *slog.Logger
}

func NewPromptBoard(logger *slog.Logger) *PromptBoard {
	return &PromptBoard{
		open:   make(map[types.ActorID]*Prompt),
		logger: logger.With("component", "prompt"),
	}
}

// Ask 为流动池打开一个提示并阻塞到被确认、超时或 ctx 取消
// timeout 为 0 表示一直等待
func (b *PromptBoard) Ask(ctx context.Context, fc types.ActorID, message string, timeout time.Duration) error {
	p := &Prompt{FlowCell: fc, Message: message, Opened: time.Now(), confirmed: make(chan struct{})}
	var expired <-chan time.Time
	if timeout > 0 {
		p.Deadline = p.Opened.Add(timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	b.mu.Lock()
	b.open[fc] = p
	b.mu.Unlock()
	defer b.close(p)

	b.logger.Warn("等待操作员确认", "flowcell", fc, "message", message, "timeout", timeout)
	select {
	case <-p.confirmed:
		b.logger.Info("操作员已确认", "flowcell", fc)
		return nil
	case <-expired:
		b.logger.Error("操作员确认超时", "flowcell", fc, "message", message)
		return fmt.Errorf("%s: %q: %w", fc, message, ErrPromptTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close 只移除仍是 p 的提示，避免误删同一流动池上更新的提示
func (b *PromptBoard) close(p *Prompt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open[p.FlowCell] == p {
		delete(b.open, p.FlowCell)
	}
}

// Confirm 确认流动池当前的提示，没有打开的提示时返回 false
func (b *PromptBoard) Confirm(fc types.ActorID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[fc]
	if !ok {
		return false
	}
	delete(b.open, fc)
	close(p.confirmed)
	return true
}

// Open 返回当前打开的提示，按流动池排序
func (b *PromptBoard) Open() []Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Prompt, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, Prompt{FlowCell: p.FlowCell, Message: p.Message, Opened: p.Opened, Deadline: p.Deadline})
	}
	slices.SortFunc(out, func(a, b Prompt) int { return cmp.Compare(a.FlowCell, b.FlowCell) })
	return out
}
