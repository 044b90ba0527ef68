package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/fsm"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/protocol"
	"github.com/PySeqEcosystem/pyseq-core/internal/registry"
	"github.com/PySeqEcosystem/pyseq-core/internal/reservation"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
)

// 等待温度时的默认容差与轮询间隔
const (
	TemperatureTolerance = 0.5
	TemperatureInterval  = time.Second
)

// FlowCell 是一个流动池 actor：自己的任务队列、流控仪器和运行状态机
type FlowCell struct {
	id         types.ActorID
	queue      *Queue
	hw         instrument.FlowCellHardware
	bounds     config.FlowCellHardware
	reagents   *registry.Reagents
	microscope *Microscope
	coord      *reservation.Coordinator
	prompts    *PromptBoard
	fsm        *fsm.FSM

	mu  sync.Mutex
	exp *config.Experiment

	tempInterval time.Duration
	bus          *event.Bus
	logger       *slog.Logger
}

// FlowCellDeps 是流动池共享的协作者
type FlowCellDeps struct {
	Reagents   *registry.Reagents
	Microscope *Microscope
	Coord      *reservation.Coordinator
	Prompts    *PromptBoard
	Bus        *event.Bus
}

func NewFlowCell(id types.ActorID, hw instrument.FlowCellHardware, bounds config.FlowCellHardware, deps FlowCellDeps, logger *slog.Logger) *FlowCell {
	fc := &FlowCell{
		id:           id,
		queue:        NewQueue(id, deps.Bus, logger),
		hw:           hw,
		bounds:       bounds,
		reagents:     deps.Reagents,
		microscope:   deps.Microscope,
		coord:        deps.Coord,
		prompts:      deps.Prompts,
		fsm:          fsm.NewFSM(string(id)),
		tempInterval: TemperatureInterval,
		bus:          deps.Bus,
		logger:       logger.With("component", "flowcell", "flowcell", id),
	}
	fc.fsm.OnTransition(func(target string, from, to fsm.State, ev fsm.Event) {
		fc.logger.Info("状态变更", "from", from, "to", to, "event", ev)
		fc.bus.Publish(event.Event{Type: event.StateChanged, Actor: id, State: string(to)})
	})
	return fc
}

func (f *FlowCell) ID() types.ActorID { return f.id }
func (f *FlowCell) Queue() *Queue { return f.queue }
func (f *FlowCell) State() fsm.State { return f.fsm.Current() }

// SetExperiment 设置执行命令时使用的实验默认值
func (f *FlowCell) SetExperiment(exp *config.Experiment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exp = exp
}

func (f *FlowCell) experiment() *config.Experiment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exp
}

// fire 触发状态机事件，当前状态不接受该事件时忽略
func (f *FlowCell) fire(ev fsm.Event) {
	if !f.fsm.Can(ev) {
		return
	}
	if err := f.fsm.Fire(ev); err != nil {
		f.logger.Warn("状态机拒绝事件", "event", ev, "error", err)
	}
}

// Pause 暂停流动池队列，正在执行的命令不受影响
func (f *FlowCell) Pause() {
	f.queue.Pause()
	f.fire(fsm.EventPause)
}

// Resume 恢复流动池队列
func (f *FlowCell) Resume() {
	f.queue.Resume()
	if f.fsm.Current() == fsm.StateLoaded {
		f.fire(fsm.EventStart)
	} else {
		f.fire(fsm.EventResume)
	}
}

// Drain 取消流动池全部任务，并释放仍持有的显微镜
func (f *FlowCell) Drain(ctx context.Context) error {
	err := f.queue.Drain(ctx)
	if f.coord.ReleaseIfHeld(f.id) {
		f.logger.Info("清空队列时释放显微镜")
	}
	f.fire(fsm.EventAbort)
	return err
}

// Submit 把命令排入流动池队列，description 为空时使用命令本身的描述
func (f *FlowCell) Submit(description string, cmd protocol.Command) *Task {
	if description == "" {
		description = cmd.String()
	}
	return f.queue.Submit(description, func(ctx context.Context) error {
		return f.Execute(ctx, cmd)
	})
}

// Execute 在当前 goroutine 中执行一个命令
func (f *FlowCell) Execute(ctx context.Context, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.Valve:
		return f.selectReagent(ctx, c.Reagent)
	case protocol.Pump:
		return f.pump(ctx, c)
	case protocol.Hold:
		return f.hold(ctx, c.Duration())
	case protocol.Wait:
		return f.wait(ctx, c)
	case protocol.User:
		return f.prompts.Ask(ctx, f.id, c.Message, c.Timeout)
	case protocol.Temperature:
		return f.temperature(ctx, c)
	case protocol.Image:
		return f.microscope.Image(ctx, f.id, c)
	case protocol.Expose:
		return f.microscope.Expose(ctx, f.id, c)
	default:
		return fmt.Errorf("flow cell %s: unsupported command %T", f.id, cmd)
	}
}

// resolve 按名称或端口查找试剂，返回阀门端口和试剂目录中的记录（可能不存在）
func (f *FlowCell) resolve(ref protocol.ReagentRef) (int, registry.Reagent, error) {
	if ref.Name != "" {
		r, ok := f.reagents.Get(f.id, ref.Name)
		if !ok {
			return 0, registry.Reagent{}, fmt.Errorf("%s on flow cell %s: %w", ref.Name, f.id, registry.ErrUnknownReagent)
		}
		return r.Port, r, nil
	}
	if ref.Port == 0 {
		return 0, registry.Reagent{}, fmt.Errorf("flow cell %s: no reagent selected", f.id)
	}
	r, _ := f.reagents.ByPort(f.id, ref.Port)
	return ref.Port, r, nil
}

func (f *FlowCell) selectReagent(ctx context.Context, ref protocol.ReagentRef) error {
	port, _, err := f.resolve(ref)
	if err != nil {
		return err
	}
	return f.hw.Valve.Select(ctx, port)
}

// pump 选择试剂端口后泵送
// 流速为 0 时依次使用试剂自身的流速和实验默认流速；额外参数按 实验默认 < 试剂 < 命令 的顺序覆盖
func (f *FlowCell) pump(ctx context.Context, c protocol.Pump) error {
	port, reagent, err := f.resolve(c.Reagent)
	if err != nil {
		return err
	}
	exp := f.experiment()

	flowRate := c.FlowRate
	if flowRate == 0 {
		flowRate = reagent.FlowRate
	}
	if flowRate == 0 && exp != nil {
		flowRate = exp.Pump.FlowRate
	}
	if flowRate == 0 {
		return fmt.Errorf("flow cell %s: no flow rate for %s", f.id, c.Reagent)
	}
	if err := f.bounds.Pump.FlowRate.Check("flow_rate", flowRate); err != nil {
		return err
	}

	extra := make(map[string]interface{})
	if exp != nil {
		maps.Copy(extra, exp.Pump.Extra)
	}
	maps.Copy(extra, reagent.Extra)
	maps.Copy(extra, c.Extra)

	if err := f.hw.Valve.Select(ctx, port); err != nil {
		return err
	}
	f.logger.Info("泵送试剂", "reagent", c.Reagent.String(), "port", port, "volume", c.Volume, "flow_rate", flowRate, "reverse", c.Reverse)
	if c.Reverse {
		return f.hw.Pump.ReversePump(ctx, c.Volume, flowRate, extra)
	}
	return f.hw.Pump.Pump(ctx, c.Volume, flowRate, extra)
}

func (f *FlowCell) hold(ctx context.Context, d time.Duration) error {
	f.logger.Info("保持", "duration", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait 为流动池预约显微镜，直到后续的成像命令或协议结束时释放
func (f *FlowCell) wait(ctx context.Context, c protocol.Wait) error {
	f.logger.Info("等待显微镜", "event", c.Event)
	return f.coord.Acquire(ctx, f.id)
}

func (f *FlowCell) temperature(ctx context.Context, c protocol.Temperature) error {
	if err := f.hw.Temperature.SetTemperature(ctx, c.Celsius); err != nil {
		return err
	}
	f.logger.Info("等待温度", "target", c.Celsius, "timeout", c.Timeout)
	return instrument.WaitForTemperature(ctx, f.hw.Temperature, c.Celsius, TemperatureTolerance, c.Timeout, f.tempInterval)
}

// protocolComplete 是协议的最后一个任务：结束状态机并释放仍持有的显微镜
func (f *FlowCell) protocolComplete(name string) Operation {
	return func(ctx context.Context) error {
		if f.coord.ReleaseIfHeld(f.id) {
			f.logger.Info("协议结束时释放显微镜", "protocol", name)
		}
		f.logger.Info("协议完成", "protocol", name)
		f.fire(fsm.EventFinish)
		return nil
	}
}
