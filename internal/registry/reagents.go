package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateReagent = errors.New("duplicate reagent name")
	ErrDuplicatePort    = errors.New("duplicate reagent port")
	ErrUnknownReagent   = errors.New("unknown reagent")
)

// Reagent 是映射到阀门端口的一种试剂
type Reagent struct {
	FlowCell types.ActorID          `json:"flowcell"`
	Name     string                 `json:"name"`
	Port     int                    `json:"port"`
	FlowRate float64                `json:"flow_rate"`
	Extra    map[string]interface{} `json:"extra,omitempty"` // 额外的泵参数
}

// NewReagent 构造并按硬件边界校验一个试剂
func NewReagent(hw *config.Hardware, fc types.ActorID, name string, port int, flowRate float64, extra map[string]interface{}) (Reagent, error) {
	r := Reagent{FlowCell: fc, Name: name, Port: port, FlowRate: flowRate, Extra: maps.Clone(extra)}
	if strings.TrimSpace(name) == "" {
		return r, fmt.Errorf("reagent on port %d has no name", port)
	}
	fch, err := hw.FlowCell(fc)
	if err != nil {
		return r, err
	}
	if err := fch.Valve.Check(port); err != nil {
		return r, fmt.Errorf("reagent %s: %w", name, err)
	}
	if err := fch.Pump.FlowRate.Check("flow_rate", flowRate); err != nil {
		return r, fmt.Errorf("reagent %s: %w", name, err)
	}
	if err := fch.Pump.CheckExtra(extra); err != nil {
		return r, fmt.Errorf("reagent %s: %w", name, err)
	}
	return r, nil
}

// ReagentUpdate 描述对已有试剂的修改，nil 字段保持不变
type ReagentUpdate struct {
	Name     *string
	Port     *int
	FlowRate *float64
	Extra    map[string]interface{}
}

// Reagents 按流动池保存试剂目录
// 名称比较不区分大小写，同一流动池内名称和端口都唯一
type Reagents struct {
	mu     sync.RWMutex
	byFC   map[types.ActorID]map[string]Reagent // key 为小写名称
	hw     *config.Hardware
	logger *slog.Logger
}

// NewReagents 创建空的试剂目录
func NewReagents(hw *config.Hardware, logger *slog.Logger) *Reagents {
	return &Reagents{
		byFC:   make(map[types.ActorID]map[string]Reagent),
		hw:     hw,
		logger: logger.With("component", "reagents"),
	}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// snapshot 必须在持有锁时调用
func (r *Reagents) snapshot(fc types.ActorID) map[string]Reagent {
	out := make(map[string]Reagent, len(r.byFC[fc]))
	for _, reagent := range r.byFC[fc] {
		reagent.Extra = maps.Clone(reagent.Extra)
		out[reagent.Name] = reagent
	}
	return out
}

// portOwner 必须在持有锁时调用
func (r *Reagents) portOwner(fc types.ActorID, port int) (Reagent, bool) {
	for _, reagent := range r.byFC[fc] {
		if reagent.Port == port {
			return reagent, true
		}
	}
	return Reagent{}, false
}

// Add 在名称和端口都未被占用时添加试剂
// 被拒绝时记录警告，返回未改变的目录和原因
func (r *Reagents) Add(reagent Reagent) (map[string]Reagent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc := reagent.FlowCell
	if existing, ok := r.byFC[fc][key(reagent.Name)]; ok {
		r.logger.Warn("试剂名称重复", "flowcell", fc, "reagent", reagent.Name, "port", existing.Port)
		return r.snapshot(fc), fmt.Errorf("%s already mapped to port %d on flow cell %s: %w", reagent.Name, existing.Port, fc, ErrDuplicateReagent)
	}
	if existing, ok := r.portOwner(fc, reagent.Port); ok {
		r.logger.Warn("试剂端口重复", "flowcell", fc, "port", reagent.Port, "used_by", existing.Name)
		return r.snapshot(fc), fmt.Errorf("port %d already used by %s on flow cell %s: %w", reagent.Port, existing.Name, fc, ErrDuplicatePort)
	}

	if r.byFC[fc] == nil {
		r.byFC[fc] = make(map[string]Reagent)
	}
	reagent.Extra = maps.Clone(reagent.Extra)
	r.byFC[fc][key(reagent.Name)] = reagent
	r.logger.Info("添加试剂", "flowcell", fc, "reagent", reagent.Name, "port", reagent.Port)
	return r.snapshot(fc), nil
}

// Update 修改已有试剂，修改后的值同样需要满足唯一性与硬件边界
func (r *Reagents) Update(fc types.ActorID, name string, u ReagentUpdate) (map[string]Reagent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byFC[fc][key(name)]
	if !ok {
		return r.snapshot(fc), fmt.Errorf("%s on flow cell %s: %w", name, fc, ErrUnknownReagent)
	}
	next := current
	next.Extra = maps.Clone(current.Extra)

	if u.Name != nil && key(*u.Name) != key(current.Name) {
		if other, taken := r.byFC[fc][key(*u.Name)]; taken {
			r.logger.Warn("试剂名称重复", "flowcell", fc, "reagent", *u.Name, "port", other.Port)
			return r.snapshot(fc), fmt.Errorf("%s already mapped to port %d on flow cell %s: %w", *u.Name, other.Port, fc, ErrDuplicateReagent)
		}
	}
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Port != nil && *u.Port != current.Port {
		if other, taken := r.portOwner(fc, *u.Port); taken {
			r.logger.Warn("试剂端口重复", "flowcell", fc, "port", *u.Port, "used_by", other.Name)
			return r.snapshot(fc), fmt.Errorf("port %d already used by %s on flow cell %s: %w", *u.Port, other.Name, fc, ErrDuplicatePort)
		}
		next.Port = *u.Port
	}
	if u.FlowRate != nil {
		next.FlowRate = *u.FlowRate
	}
	if u.Extra != nil {
		if next.Extra == nil {
			next.Extra = make(map[string]interface{}, len(u.Extra))
		}
		maps.Copy(next.Extra, u.Extra)
	}

	validated, err := NewReagent(r.hw, fc, next.Name, next.Port, next.FlowRate, next.Extra)
	if err != nil {
		return r.snapshot(fc), err
	}
	delete(r.byFC[fc], key(current.Name))
	r.byFC[fc][key(validated.Name)] = validated
	r.logger.Info("更新试剂", "flowcell", fc, "reagent", validated.Name, "port", validated.Port, "flow_rate", validated.FlowRate)
	return r.snapshot(fc), nil
}

// Remove 删除试剂，返回删除后的目录
func (r *Reagents) Remove(fc types.ActorID, name string) map[string]Reagent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byFC[fc][key(name)]; ok {
		delete(r.byFC[fc], key(name))
		r.logger.Info("删除试剂", "flowcell", fc, "reagent", name)
	}
	return r.snapshot(fc)
}

// Reset 清空流动池的全部试剂，新实验开始时调用
func (r *Reagents) Reset(fc types.ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byFC, fc)
}

// Get 按名称查找试剂
func (r *Reagents) Get(fc types.ActorID, name string) (Reagent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reagent, ok := r.byFC[fc][key(name)]
	return reagent, ok
}

// ByPort 按端口查找试剂
func (r *Reagents) ByPort(fc types.ActorID, port int) (Reagent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.portOwner(fc, port)
}

// List 返回流动池试剂目录的副本
func (r *Reagents) List(fc types.ActorID) map[string]Reagent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(fc)
}

// LoadExperiment 把实验配置中内联的试剂和 reagent_path 文件中的试剂加入目录
// 所有失败的条目汇总成一个错误返回，成功的条目仍然会被添加
func (r *Reagents) LoadExperiment(fc types.ActorID, exp *config.Experiment) error {
	var errs []error
	for name, params := range exp.Reagents {
		errs = append(errs, r.addFromParams(fc, exp, name, params))
	}
	if path := exp.Path(exp.Experiment.ReagentPath); path != "" {
		entries, err := readReagentFile(path, fc)
		if err != nil {
			return err
		}
		for name, params := range entries {
			errs = append(errs, r.addFromParams(fc, exp, name, params))
		}
	}
	return errors.Join(errs...)
}

// addFromParams 支持两种写法：name: port 或 name: {port, flow_rate, ...}
func (r *Reagents) addFromParams(fc types.ActorID, exp *config.Experiment, name string, params interface{}) error {
	port, flowRate := 0, exp.Pump.FlowRate
	extra := config.DeepMerge(exp.Pump.Extra, nil)

	if p, ok := config.ToFloat(params); ok {
		port = int(p)
	} else if m, ok := params.(map[string]interface{}); ok {
		for k, v := range m {
			switch k {
			case "port":
				p, ok := config.ToFloat(v)
				if !ok {
					return fmt.Errorf("reagent %s: port must be a number", name)
				}
				port = int(p)
			case "flow_rate":
				f, ok := config.ToFloat(v)
				if !ok {
					return fmt.Errorf("reagent %s: flow_rate must be a number", name)
				}
				flowRate = f
			default:
				extra[k] = v
			}
		}
	} else {
		return fmt.Errorf("reagent %s: unsupported definition %T", name, params)
	}

	reagent, err := NewReagent(r.hw, fc, name, port, flowRate, extra)
	if err != nil {
		return err
	}
	_, err = r.Add(reagent)
	return err
}

// readReagentFile 读取试剂文件，顶层 key 可以是流动池名称（只取该流动池的条目）或试剂名称
func readReagentFile(path string, fc types.ActorID) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reagent file: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse reagent file: %w", err)
	}
	out := make(map[string]interface{})
	for k, v := range doc {
		nested, isMap := v.(map[string]interface{})
		if isMap && !looksLikeReagent(nested) {
			// 以流动池名称分组的条目，只取当前流动池
			if types.FlowCell(k) == fc {
				maps.Copy(out, nested)
			}
			continue
		}
		out[k] = v
	}
	return out, nil
}

func looksLikeReagent(m map[string]interface{}) bool {
	_, ok := m["port"]
	return ok
}
