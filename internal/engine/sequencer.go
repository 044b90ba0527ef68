package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/fsm"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/protocol"
	"github.com/PySeqEcosystem/pyseq-core/internal/registry"
	"github.com/PySeqEcosystem/pyseq-core/internal/reservation"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
)

var (
	// ErrQueueBusy 表示流动池还有未完成的任务，不能开始新实验
	ErrQueueBusy = errors.New("flow cell queue is not empty")
	// ErrMissingROIs 表示协议需要已登记的 ROI，但流动池没有 ROI
	ErrMissingROIs = errors.New("protocol images registered ROIs but none are loaded")
	// ErrMissingReagents 表示协议按名称引用了试剂目录中不存在的试剂
	ErrMissingReagents = errors.New("protocol uses unknown reagents")
	// ErrUnknownActor 表示名称既不是流动池也不是显微镜
	ErrUnknownActor = errors.New("unknown actor")
	// ErrWaitOutsideProtocol 表示直接命令中使用了 WAIT，没有协议结束任务能释放它持有的显微镜
	ErrWaitOutsideProtocol = errors.New("WAIT is only allowed inside a protocol")
)

// Instruments 是 Sequencer 驱动的全部仪器，模拟器与真实驱动都可以
type Instruments struct {
	Microscope instrument.MicroscopeHardware
	FlowCells  map[types.ActorID]instrument.FlowCellHardware
}

// ExperimentOptions 控制 NewExperiment 的行为
type ExperimentOptions struct {
	AwaitROIs bool // 协议需要 ROI 而没有 ROI 时，阻塞等待 ROI 被添加
	AutoStart bool // 排队后立即恢复流动池队列
}

// Sequencer 是顶层 actor：拥有流动池、显微镜、两个目录和显微镜预约
type Sequencer struct {
	queue      *Queue
	hw         *config.Hardware
	flowcells  map[types.ActorID]*FlowCell
	order      []types.ActorID
	microscope *Microscope
	reagents   *registry.Reagents
	rois       *registry.ROIs
	coord      *reservation.Coordinator
	prompts    *PromptBoard

	wg     sync.WaitGroup
	cancel context.CancelFunc

	bus    *event.Bus
	logger *slog.Logger
}

// NewSequencer 按硬件配置创建全部 actor，每个配置中的流动池都必须有对应的仪器
func NewSequencer(hw *config.Hardware, inst Instruments, bus *event.Bus, logger *slog.Logger) (*Sequencer, error) {
	s := &Sequencer{
		queue:     NewQueue(types.SequencerID, bus, logger),
		hw:        hw,
		flowcells: make(map[types.ActorID]*FlowCell),
		reagents:  registry.NewReagents(hw, logger),
		rois:      registry.NewROIs(logger),
		coord:     reservation.NewCoordinator(bus, logger),
		prompts:   NewPromptBoard(logger),
		bus:       bus,
		logger:    logger.With("component", "sequencer"),
	}
	s.microscope = NewMicroscope(inst.Microscope, hw, s.rois, s.coord, bus, logger)

	deps := FlowCellDeps{Reagents: s.reagents, Microscope: s.microscope, Coord: s.coord, Prompts: s.prompts, Bus: bus}
	for _, id := range hw.FlowCellIDs() {
		fch, ok := inst.FlowCells[id]
		if !ok {
			return nil, fmt.Errorf("no instruments for flow cell %s", id)
		}
		bounds, _ := hw.FlowCell(id)
		s.flowcells[id] = NewFlowCell(id, fch, bounds, deps, logger)
		s.order = append(s.order, id)
	}
	return s, nil
}

func (s *Sequencer) Queue() *Queue { return s.queue }
func (s *Sequencer) Microscope() *Microscope { return s.microscope }
func (s *Sequencer) Reagents() *registry.Reagents { return s.reagents }
func (s *Sequencer) ROIs() *registry.ROIs { return s.rois }
func (s *Sequencer) Coordinator() *reservation.Coordinator { return s.coord }
func (s *Sequencer) Prompts() *PromptBoard { return s.prompts }
func (s *Sequencer) Hardware() *config.Hardware { return s.hw }

// FlowCellIDs 返回全部流动池 ID，按配置排序
func (s *Sequencer) FlowCellIDs() []types.ActorID {
	return append([]types.ActorID(nil), s.order...)
}

// FlowCell 按名称（不区分大小写）查找流动池
func (s *Sequencer) FlowCell(name string) (*FlowCell, error) {
	f, ok := s.flowcells[types.FlowCell(name)]
	if !ok {
		return nil, fmt.Errorf("flow cell %q: %w", name, ErrUnknownActor)
	}
	return f, nil
}

// Start 启动全部 worker；显微镜和 Sequencer 自己的队列立即恢复，流动池队列保持暂停
func (s *Sequencer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	queues := []*Queue{s.queue, s.microscope.queue}
	for _, id := range s.order {
		queues = append(queues, s.flowcells[id].queue)
	}
	for _, q := range queues {
		s.wg.Add(1)
		go func(q *Queue) {
			defer s.wg.Done()
			q.Run(ctx)
		}(q)
	}
	s.queue.Resume()
	s.microscope.queue.Resume()
	s.logger.Info("Sequencer 已启动", "flowcells", s.order)
}

// Shutdown 停止全部 worker 并等待它们退出，正在执行的任务会收到取消
func (s *Sequencer) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Sequencer 已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit 在 Sequencer 自己的队列上运行一个操作，例如来自 API 的新实验请求
func (s *Sequencer) Submit(description string, op Operation) *Task {
	return s.queue.Submit(description, op)
}

// resolve 把名称解析为流动池，"microscope" 表示显微镜；names 为空时返回全部
func (s *Sequencer) resolve(names []string) ([]*FlowCell, bool, error) {
	if len(names) == 0 {
		fcs := make([]*FlowCell, 0, len(s.order))
		for _, id := range s.order {
			fcs = append(fcs, s.flowcells[id])
		}
		return fcs, true, nil
	}
	var fcs []*FlowCell
	microscope := false
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), string(types.MicroscopeID)) {
			microscope = true
			continue
		}
		f, err := s.FlowCell(name)
		if err != nil {
			return nil, false, err
		}
		fcs = append(fcs, f)
	}
	return fcs, microscope, nil
}

// Pause 暂停指定的流动池和/或显微镜，names 为空时暂停全部
func (s *Sequencer) Pause(names ...string) error {
	fcs, microscope, err := s.resolve(names)
	if err != nil {
		return err
	}
	for _, f := range fcs {
		f.Pause()
	}
	if microscope {
		s.microscope.queue.Pause()
	}
	return nil
}

// Resume 恢复指定的流动池和/或显微镜，names 为空时恢复全部
func (s *Sequencer) Resume(names ...string) error {
	fcs, microscope, err := s.resolve(names)
	if err != nil {
		return err
	}
	for _, f := range fcs {
		f.Resume()
	}
	if microscope {
		s.microscope.queue.Resume()
	}
	return nil
}

// Drain 取消指定流动池的全部任务并等待队列清空
func (s *Sequencer) Drain(ctx context.Context, names ...string) error {
	fcs, _, err := s.resolve(names)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range fcs {
		if err := f.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", f.id, err))
		}
	}
	return errors.Join(errs...)
}

// prepared 是通过全部检查、等待排队的协议
type prepared struct {
	fc        *FlowCell
	protocols []*protocol.Protocol
	awaitROIs bool // 协议开始前先在流动池自己的队列上等待 ROI
}

// NewExperiment 在指定的流动池（为空时全部）上开始新实验
// 任何流动池的检查失败都不会排入任何协议，所有检查都在仪器动作之前完成
// 需要等待 ROI 时，等待作为流动池队列的第一个任务，不占用 Sequencer 自己的队列
func (s *Sequencer) NewExperiment(ctx context.Context, exp *config.Experiment, opts ExperimentOptions, names ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if exp.Experiment.ProtocolPath == "" {
		return fmt.Errorf("experiment %s has no protocol_path", exp.Experiment.Name)
	}
	fcs, _, err := s.resolve(names)
	if err != nil {
		return err
	}
	for _, f := range fcs {
		if !f.queue.Empty() {
			return fmt.Errorf("flow cell %s: %w", f.id, ErrQueueBusy)
		}
	}

	docs, err := protocol.ReadFile(exp.Path(exp.Experiment.ProtocolPath))
	if err != nil {
		return err
	}
	logger := s.logger.With("experiment", exp.Experiment.Name)
	logger.Info("开始新实验", "flowcells", len(fcs), "protocols", len(docs))

	plans := make([]prepared, 0, len(fcs))
	for _, f := range fcs {
		f.Pause()
		p, err := s.prepare(f, exp, docs, opts)
		if err != nil {
			logger.Error("实验准备失败", "flowcell", f.id, "error", err)
			return fmt.Errorf("flow cell %s: %w", f.id, err)
		}
		plans = append(plans, p)
	}

	for _, p := range plans {
		if p.awaitROIs {
			p.fc.queue.Submit("await ROIs", s.awaitROIs(p.fc))
		}
		s.QueueProtocol(p.fc.id, p.protocols)
		if opts.AutoStart {
			p.fc.Resume()
		}
	}
	return nil
}

// prepare 重置流动池的目录，加载试剂与 ROI，编译并检查协议
func (s *Sequencer) prepare(f *FlowCell, exp *config.Experiment, docs []protocol.Document, opts ExperimentOptions) (prepared, error) {
	f.SetExperiment(exp)
	s.reagents.Reset(f.id)
	s.rois.Reset(f.id)

	if err := s.reagents.LoadExperiment(f.id, exp); err != nil {
		return prepared{}, err
	}
	if exp.Experiment.ROIPath != "" {
		rois, err := registry.LoadROIFile(s.hw, exp, exp.Path(exp.Experiment.ROIPath), f.id)
		if err != nil {
			return prepared{}, err
		}
		for _, roi := range rois {
			if err := s.rois.Add(roi); err != nil {
				return prepared{}, err
			}
		}
	}

	formatter := protocol.NewFormatter(f.id, s.hw, exp, s.reagents, s.logger)
	protocols, err := protocol.Compile(formatter, docs)
	if err != nil {
		return prepared{}, err
	}
	if missing := protocol.MissingReagents(f.id, protocols, s.reagents); len(missing) > 0 {
		return prepared{}, fmt.Errorf("%w: %s", ErrMissingReagents, strings.Join(missing, ", "))
	}
	p := prepared{fc: f, protocols: protocols}
	if protocol.NeedsRegisteredROIs(protocols) && s.rois.Count(f.id) == 0 {
		if !opts.AwaitROIs {
			return prepared{}, ErrMissingROIs
		}
		p.awaitROIs = true
	}
	return p, nil
}

// awaitROIs 阻塞流动池队列直到 ROI 被添加，清空队列时随之取消
func (s *Sequencer) awaitROIs(f *FlowCell) Operation {
	return func(ctx context.Context) error {
		f.logger.Info("等待添加 ROI")
		if err := s.rois.WaitForROIs(ctx, f.id); err != nil {
			return err
		}
		f.logger.Info("ROI 已就绪", "rois", s.rois.Count(f.id))
		return nil
	}
}

// AddROIs 从 ROI 文件加载属于指定流动池（为空时全部）的 ROI，唤醒等待 ROI 的流动池
// 返回添加的数量；单个 ROI 无效或重名不影响其余 ROI
func (s *Sequencer) AddROIs(path string, names ...string) (int, error) {
	fcs, _, err := s.resolve(names)
	if err != nil {
		return 0, err
	}
	added := 0
	var errs []error
	for _, f := range fcs {
		rois, err := registry.LoadROIFile(s.hw, f.experiment(), path, f.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("flow cell %s: %w", f.id, err))
		}
		for _, roi := range rois {
			if err := s.rois.Add(roi); err != nil {
				errs = append(errs, err)
				continue
			}
			added++
		}
	}
	s.logger.Info("添加 ROI", "path", path, "added", added, "errors", len(errs))
	return added, errors.Join(errs...)
}

// QueueProtocol 把编译后的协议按循环展开排入流动池队列
// 每个协议与每个循环前有一个标记任务，最后一个任务结束状态机并释放显微镜
func (s *Sequencer) QueueProtocol(fc types.ActorID, protocols []*protocol.Protocol) {
	f := s.flowcells[fc]
	f.fire(fsm.EventLoad)

	var names []string
	var current string
	lastCycle := 0
	queued, skipped := 0, 0
	for _, ps := range protocol.Plan(protocols) {
		if ps.Protocol != current {
			current, lastCycle = ps.Protocol, 0
			names = append(names, ps.Protocol)
			f.queue.Submit("start protocol "+ps.Protocol, s.marker(f, "开始协议", ps))
		}
		if ps.Cycle != lastCycle {
			lastCycle = ps.Cycle
			f.queue.Submit(fmt.Sprintf("start %s cycle %d/%d", ps.Protocol, ps.Cycle, ps.Cycles), s.marker(f, "开始循环", ps))
		}

		env := protocol.RuleEnv{Cycle: ps.Cycle, Cycles: ps.Cycles, FlowCell: fc, Protocol: ps.Protocol}
		ok, err := ps.Step.Applies(env)
		if err != nil {
			f.logger.Error("规则引擎评估失败", "protocol", ps.Protocol, "step", ps.Step.Index, "rule", ps.Step.RuleSource, "error", err)
		}
		if !ok {
			f.logger.Info("跳过步骤", "protocol", ps.Protocol, "cycle", ps.Cycle, "step", ps.Step.Index, "rule", ps.Step.RuleSource)
			skipped++
			continue
		}
		desc := fmt.Sprintf("%s [%s cycle %d/%d step %d]", ps.Step.Command, ps.Protocol, ps.Cycle, ps.Cycles, ps.Step.Index)
		f.Submit(desc, ps.Step.Command)
		queued++
	}

	all := strings.Join(names, ", ")
	f.queue.Submit("protocol complete: "+all, f.protocolComplete(all))
	f.logger.Info("协议已排队", "protocols", all, "steps", queued, "skipped", skipped)
	s.bus.Publish(event.Event{Type: event.ProtocolQueued, Actor: fc, Description: all})
}

func (s *Sequencer) marker(f *FlowCell, msg string, ps protocol.PlannedStep) Operation {
	return func(ctx context.Context) error {
		f.logger.Info(msg, "protocol", ps.Protocol, "cycle", ps.Cycle, "cycles", ps.Cycles)
		return nil
	}
}

// Command 校验一个直接命令（与协议步骤格式相同）并排入每个指定流动池的队列
// WAIT 会一直持有显微镜到协议结束，不能作为直接命令
func (s *Sequencer) Command(keyword string, params interface{}, names ...string) ([]*Task, error) {
	if keyword == string(protocol.KindWait) {
		return nil, ErrWaitOutsideProtocol
	}
	fcs, _, err := s.resolve(names)
	if err != nil {
		return nil, err
	}
	cmds := make([]protocol.Command, len(fcs))
	for i, f := range fcs {
		formatter := protocol.NewFormatter(f.id, s.hw, f.experiment(), s.reagents, s.logger)
		if cmds[i], err = formatter.Format(keyword, params); err != nil {
			return nil, fmt.Errorf("flow cell %s: %s: %w", f.id, keyword, err)
		}
	}
	tasks := make([]*Task, len(fcs))
	for i, f := range fcs {
		tasks[i] = f.Submit("", cmds[i])
	}
	return tasks, nil
}

// Focus 在流动池队列上排入对焦任务，rois 为空时对全部 ROI 对焦
func (s *Sequencer) Focus(fc string, rois ...string) (*Task, error) {
	f, err := s.FlowCell(fc)
	if err != nil {
		return nil, err
	}
	desc := "FOCUS"
	if len(rois) > 0 {
		desc += " " + strings.Join(rois, ", ")
	}
	return f.queue.Submit(desc, func(ctx context.Context) error {
		return s.microscope.Focus(ctx, f.id, rois...)
	}), nil
}

// ActorState 是一个 actor 的队列快照
type ActorState struct {
	Actor   types.ActorID `json:"actor"`
	State   string        `json:"state,omitempty"`
	Paused  bool          `json:"paused"`
	Current *TaskInfo     `json:"current,omitempty"`
	Pending []TaskInfo    `json:"pending"`
}

// Snapshot 返回显微镜与全部流动池的队列快照
func (s *Sequencer) Snapshot() []ActorState {
	snap := func(q *Queue, state string) ActorState {
		st := ActorState{Actor: q.Actor(), State: state, Paused: q.Paused(), Pending: q.Pending()}
		if cur, ok := q.Current(); ok {
			st.Current = &cur
		}
		return st
	}
	out := []ActorState{snap(s.microscope.queue, "")}
	for _, id := range s.order {
		f := s.flowcells[id]
		out = append(out, snap(f.queue, string(f.State())))
	}
	return out
}
