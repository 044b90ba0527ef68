package protocol

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/registry"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/mitchellh/mapstructure"
)

// ReagentLookup 是格式化和检查协议时需要的试剂目录查询
type ReagentLookup interface {
	Get(fc types.ActorID, name string) (registry.Reagent, bool)
}

// Formatter 把原始步骤转换为经过校验的命令
// 它在同一个协议内携带最近选择的试剂端口，每个协议开始前需要 Reset
type Formatter struct {
	flowcell types.ActorID
	hw       *config.Hardware
	exp      *config.Experiment
	reagents ReagentLookup
	logger   *slog.Logger

	lastReagent ReagentRef
}

// NewFormatter 创建流动池 fc 的格式化器，reagents 可以为 nil
func NewFormatter(fc types.ActorID, hw *config.Hardware, exp *config.Experiment, reagents ReagentLookup, logger *slog.Logger) *Formatter {
	if exp == nil {
		exp = &config.Experiment{}
	}
	return &Formatter{
		flowcell: fc,
		hw:       hw,
		exp:      exp,
		reagents: reagents,
		logger:   logger.With("component", "formatter", "flowcell", fc),
	}
}

// Reset 清除携带的试剂状态
func (f *Formatter) Reset() { f.lastReagent = ReagentRef{} }

// LastReagent 返回最近选择的试剂
func (f *Formatter) LastReagent() ReagentRef { return f.lastReagent }

// Format 校验一个步骤并返回对应的命令
func (f *Formatter) Format(keyword string, params interface{}) (Command, error) {
	switch Kind(keyword) {
	case KindValve:
		return f.valve(params)
	case KindPump:
		return f.pump(params)
	case KindHold:
		return f.hold(params)
	case KindWait:
		return f.wait(params)
	case KindUser:
		return f.user(params)
	case KindTemperature:
		return f.temperature(params)
	case KindImage:
		return f.image(params)
	case KindExpose:
		return f.expose(params)
	default:
		return nil, fmt.Errorf("unknown command %q", keyword)
	}
}

// decode 使用 mapstructure 把结构化参数解码到 out，未知字段视为错误
func decode(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

// reagentRef 解析端口号或试剂名称
func (f *Formatter) reagentRef(v interface{}) (ReagentRef, error) {
	fch, err := f.hw.FlowCell(f.flowcell)
	if err != nil {
		return ReagentRef{}, err
	}
	if n, ok := config.ToFloat(v); ok {
		port := int(n)
		if float64(port) != n {
			return ReagentRef{}, fmt.Errorf("port %v is not an integer", n)
		}
		if err := fch.Valve.Check(port); err != nil {
			return ReagentRef{}, err
		}
		return ReagentRef{Port: port}, nil
	}
	name, ok := v.(string)
	if !ok || strings.TrimSpace(name) == "" {
		return ReagentRef{}, fmt.Errorf("reagent must be a port number or a name, got %v", v)
	}
	ref := ReagentRef{Name: name}
	if f.reagents != nil {
		if r, found := f.reagents.Get(f.flowcell, name); found {
			ref.Port = r.Port
		}
	}
	return ref, nil
}

func (f *Formatter) valve(params interface{}) (Command, error) {
	v := params
	if m, ok := params.(map[string]interface{}); ok {
		var rec struct {
			Reagent interface{} `mapstructure:"reagent"`
			Port    interface{} `mapstructure:"port"`
		}
		if err := decode(m, &rec); err != nil {
			return nil, err
		}
		v = rec.Reagent
		if v == nil {
			v = rec.Port
		}
	}
	ref, err := f.reagentRef(v)
	if err != nil {
		return nil, err
	}
	f.lastReagent = ref
	return Valve{Reagent: ref}, nil
}

type pumpRecord struct {
	Volume   float64                `mapstructure:"volume"`
	FlowRate float64                `mapstructure:"flow_rate"`
	Reagent  interface{}            `mapstructure:"reagent"`
	Reverse  bool                   `mapstructure:"reverse"`
	Extra    map[string]interface{} `mapstructure:",remain"`
}

// pump 支持 PUMP: 100（体积）与 PUMP: {volume, flow_rate, reagent, reverse, ...}
// 未指定试剂时使用上一个选择的试剂
func (f *Formatter) pump(params interface{}) (Command, error) {
	var rec pumpRecord
	if m, ok := params.(map[string]interface{}); ok {
		if err := decode(m, &rec); err != nil {
			return nil, err
		}
	} else if v, ok := config.ToFloat(params); ok {
		rec.Volume = v
	} else {
		return nil, fmt.Errorf("pump expects a volume or a record, got %v", params)
	}

	fch, err := f.hw.FlowCell(f.flowcell)
	if err != nil {
		return nil, err
	}
	if rec.Volume <= 0 {
		return nil, fmt.Errorf("volume should be positive, got %v", rec.Volume)
	}
	if err := fch.Pump.Volume.Check("volume", rec.Volume); err != nil {
		return nil, err
	}
	if rec.FlowRate != 0 {
		if err := fch.Pump.FlowRate.Check("flow_rate", rec.FlowRate); err != nil {
			return nil, err
		}
	}
	extra := config.DeepMerge(rec.Extra, config.DeepMerge(f.exp.Pump.Extra, nil))
	if err := fch.Pump.CheckExtra(extra); err != nil {
		return nil, err
	}

	cmd := Pump{Volume: rec.Volume, FlowRate: rec.FlowRate, Reverse: rec.Reverse}
	if len(extra) > 0 {
		cmd.Extra = extra
	}
	if rec.Reagent == nil {
		if f.lastReagent.IsZero() {
			return nil, fmt.Errorf("no reagent selected before pump")
		}
		cmd.Reagent = f.lastReagent
	} else {
		ref, err := f.reagentRef(rec.Reagent)
		if err != nil {
			return nil, err
		}
		cmd.Reagent = ref
		f.lastReagent = ref
	}
	return cmd, nil
}

func (f *Formatter) hold(params interface{}) (Command, error) {
	v, ok := config.ToFloat(params)
	if m, isMap := params.(map[string]interface{}); isMap {
		var rec struct {
			Duration float64 `mapstructure:"duration"`
		}
		if err := decode(m, &rec); err != nil {
			return nil, err
		}
		v, ok = rec.Duration, true
	}
	if !ok {
		return nil, fmt.Errorf("hold expects a duration in minutes, got %v", params)
	}
	if v <= 0 {
		return nil, fmt.Errorf("hold duration should be positive, got %v", v)
	}
	return Hold{Minutes: v}, nil
}

func (f *Formatter) wait(params interface{}) (Command, error) {
	event, _ := params.(string)
	if m, ok := params.(map[string]interface{}); ok {
		event, _ = m["event"].(string)
	}
	if event != MicroscopeEvent {
		f.logger.Warn("只能等待显微镜", "requested", params)
	}
	return Wait{Event: MicroscopeEvent}, nil
}

// user 的 timeout 与 HOLD 一样以分钟为单位
func (f *Formatter) user(params interface{}) (Command, error) {
	var rec struct {
		Message string  `mapstructure:"message"`
		Timeout float64 `mapstructure:"timeout"`
	}
	switch p := params.(type) {
	case string:
		rec.Message = p
	case map[string]interface{}:
		if err := decode(p, &rec); err != nil {
			return nil, err
		}
	default:
		rec.Message = fmt.Sprint(params)
	}
	if rec.Timeout < 0 {
		return nil, fmt.Errorf("user timeout should be positive, got %v", rec.Timeout)
	}
	return User{Message: rec.Message, Timeout: time.Duration(rec.Timeout * float64(time.Minute))}, nil
}

// temperature 支持 TEMP: 55 与 TEMP: {temperature, timeout}，timeout 以分钟为单位
func (f *Formatter) temperature(params interface{}) (Command, error) {
	v, ok := config.ToFloat(params)
	var timeout float64
	if m, isMap := params.(map[string]interface{}); isMap {
		var rec struct {
			Temperature float64 `mapstructure:"temperature"`
			Timeout     float64 `mapstructure:"timeout"`
		}
		if err := decode(m, &rec); err != nil {
			return nil, err
		}
		v, ok, timeout = rec.Temperature, true, rec.Timeout
	}
	if !ok {
		return nil, fmt.Errorf("temperature expects a number, got %v", params)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("temperature timeout should be positive, got %v", timeout)
	}
	fch, err := f.hw.FlowCell(f.flowcell)
	if err != nil {
		return nil, err
	}
	if err := fch.Temperature.Check("temperature", v); err != nil {
		return nil, err
	}
	return Temperature{Celsius: v, Timeout: time.Duration(timeout * float64(time.Minute))}, nil
}

type imageRecord struct {
	Name   string              `mapstructure:"name"`
	NZ     int                 `mapstructure:"nz"`
	Output string              `mapstructure:"output"`
	Optics config.Optics       `mapstructure:",squash"`
	Stage  *registry.StageSpec `mapstructure:"stage"`
	Focus  *registry.FocusSpec `mapstructure:"focus"`
}

// image 支持 IMAGE: nz 与 IMAGE: {nz, optics..., stage, focus}
// 实验配置中的 nz 大于 0 时总是覆盖协议中的值
func (f *Formatter) image(params interface{}) (Command, error) {
	var rec imageRecord
	switch p := params.(type) {
	case nil:
	case map[string]interface{}:
		if err := decode(p, &rec); err != nil {
			return nil, err
		}
	default:
		v, ok := config.ToFloat(p)
		if !ok {
			return nil, fmt.Errorf("image expects a number of z planes or a record, got %v", params)
		}
		if float64(int(v)) != v {
			return nil, fmt.Errorf("number of z planes %v is not an integer", v)
		}
		rec.NZ = int(v)
	}
	if f.exp.Image.NZ > 0 {
		rec.NZ = f.exp.Image.NZ
	}
	if rec.NZ < 1 {
		return nil, fmt.Errorf("number of z planes, nz, is not specified")
	}
	if err := rec.Optics.Validate(f.hw); err != nil {
		return nil, err
	}

	cmd := Image{NZ: rec.NZ, Optics: rec.Optics, Output: rec.Output}
	if rec.Stage != nil {
		spec := registry.ROISpec{
			Stage: *rec.Stage,
			Image: registry.ImageSpec{Optics: rec.Optics, NZ: &cmd.NZ, Output: rec.Output},
		}
		if rec.Focus != nil {
			spec.Focus = *rec.Focus
		}
		if spec.Stage.FlowCell == "" {
			spec.Stage.FlowCell = string(f.flowcell)
		}
		roi, err := registry.NewROI(f.hw, f.exp, firstNonEmpty(rec.Name, "image"), spec)
		if err != nil {
			return nil, err
		}
		if roi.FlowCell() != f.flowcell {
			return nil, fmt.Errorf("stage belongs to flow cell %s, not %s", roi.FlowCell(), f.flowcell)
		}
		cmd.ROI = &roi
	}
	return cmd, nil
}

type exposeRecord struct {
	Name       string              `mapstructure:"name"`
	NExposures int                 `mapstructure:"n_exposures"`
	Optics     config.Optics       `mapstructure:",squash"`
	Stage      *registry.StageSpec `mapstructure:"stage"`
}

// expose 与 image 的规则相同，实验配置中的 n_exposures 优先
func (f *Formatter) expose(params interface{}) (Command, error) {
	var rec exposeRecord
	switch p := params.(type) {
	case nil:
	case map[string]interface{}:
		if err := decode(p, &rec); err != nil {
			return nil, err
		}
	default:
		v, ok := config.ToFloat(p)
		if !ok {
			return nil, fmt.Errorf("expose expects a number of exposures or a record, got %v", params)
		}
		if float64(int(v)) != v {
			return nil, fmt.Errorf("number of exposures %v is not an integer", v)
		}
		rec.NExposures = int(v)
	}
	if f.exp.Expose.NExposures > 0 {
		rec.NExposures = f.exp.Expose.NExposures
	}
	if rec.NExposures < 1 {
		return nil, fmt.Errorf("number of exposures, n_exposures, is not specified")
	}
	if err := rec.Optics.Validate(f.hw); err != nil {
		return nil, err
	}

	cmd := Expose{NExposures: rec.NExposures, Optics: rec.Optics}
	if rec.Stage != nil {
		spec := registry.ROISpec{
			Stage:  *rec.Stage,
			Expose: registry.ExposeSpec{Optics: rec.Optics, NExposures: &cmd.NExposures},
		}
		if spec.Stage.FlowCell == "" {
			spec.Stage.FlowCell = string(f.flowcell)
		}
		roi, err := registry.NewROI(f.hw, f.exp, firstNonEmpty(rec.Name, "expose"), spec)
		if err != nil {
			return nil, err
		}
		if roi.FlowCell() != f.flowcell {
			return nil, fmt.Errorf("stage belongs to flow cell %s, not %s", roi.FlowCell(), f.flowcell)
		}
		cmd.ROI = &roi
	}
	return cmd, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
