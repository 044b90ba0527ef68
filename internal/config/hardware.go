package config

import (
	"fmt"
	"slices"

	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/spf13/viper"
)

// Bounds 是某个仪器参数允许的闭区间 [min_val, max_val]
type Bounds struct {
	Min float64 `mapstructure:"min_val"`
	Max float64 `mapstructure:"max_val"`
}

// Check 校验 value 是否落在区间内
func (b Bounds) Check(name string, value float64) error {
	if value < b.Min || value > b.Max {
		return fmt.Errorf("%s value %v should be between %v and %v", name, value, b.Min, b.Max)
	}
	return nil
}

// StageBounds 是单轴位移台的行程与步长
type StageBounds struct {
	Bounds `mapstructure:",squash"`
	Step   int `mapstructure:"step"`
}

// PumpBounds 是泵的体积与流速边界，Extra 为仪器特有参数的边界
type PumpBounds struct {
	Volume   Bounds            `mapstructure:"volume"`
	FlowRate Bounds            `mapstructure:"flow_rate"`
	Extra    map[string]Bounds `mapstructure:"extra"`
}

// ValveBounds 列出阀门允许选择的端口
type ValveBounds struct {
	ValidList []int `mapstructure:"valid_list"`
}

// Check 校验端口是否在允许列表中
func (v ValveBounds) Check(port int) error {
	if !slices.Contains(v.ValidList, port) {
		return fmt.Errorf("port %d not in valid list %v", port, v.ValidList)
	}
	return nil
}

// FlowCellHardware 汇总一个流动池所属仪器的边界
type FlowCellHardware struct {
	Pump        PumpBounds  `mapstructure:"pump"`
	Valve       ValveBounds `mapstructure:"valve"`
	Temperature Bounds      `mapstructure:"temperature"`
}

// Hardware 是整台仪器的硬件边界，由 machine settings 文件描述
type Hardware struct {
	Name      string                      `mapstructure:"name"`
	XStage    StageBounds                 `mapstructure:"x_stage"`
	YStage    StageBounds                 `mapstructure:"y_stage"`
	ZStage    StageBounds                 `mapstructure:"z_stage"`
	Lasers    map[string]Bounds           `mapstructure:"lasers"`  // 激光颜色 -> 功率边界
	Camera    Bounds                      `mapstructure:"camera"`  // 曝光时间边界
	Filters   map[string][]float64        `mapstructure:"filters"` // 激光颜色 -> 可选滤光片
	FlowCells map[string]FlowCellHardware `mapstructure:"flowcells"`
}

// FlowCell 返回指定流动池的硬件边界
func (h *Hardware) FlowCell(id types.ActorID) (FlowCellHardware, error) {
	fc, ok := h.FlowCells[string(id)]
	if !ok {
		return FlowCellHardware{}, fmt.Errorf("no hardware configured for flow cell %s", id)
	}
	return fc, nil
}

// FlowCellIDs 返回配置中所有流动池的 ID（已排序）
func (h *Hardware) FlowCellIDs() []types.ActorID {
	ids := make([]types.ActorID, 0, len(h.FlowCells))
	for id := range h.FlowCells {
		ids = append(ids, types.ActorID(id))
	}
	slices.Sort(ids)
	return ids
}

// LoadHardware 读取仪器硬件边界配置
func LoadHardware(path string) (*Hardware, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("name", "virtual")
	v.SetDefault("z_stage.step", 10)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read machine settings: %w", err)
	}
	var hw Hardware
	if err := v.Unmarshal(&hw); err != nil {
		return nil, fmt.Errorf("decode machine settings: %w", err)
	}
	hw.normalize()
	return &hw, nil
}

// normalize 把流动池 key 统一为大写
// *** Viper 将 key 转换为小写，所以这里需要转换回来 ***
func (h *Hardware) normalize() {
	fcs := make(map[string]FlowCellHardware, len(h.FlowCells))
	for name, fc := range h.FlowCells {
		fcs[string(types.FlowCell(name))] = fc
	}
	h.FlowCells = fcs
}

// CheckExtra 校验泵的额外参数，只检查配置了边界的数值参数
func (p PumpBounds) CheckExtra(extra map[string]interface{}) error {
	for k, v := range extra {
		b, ok := p.Extra[k]
		if !ok {
			continue
		}
		f, ok := ToFloat(v)
		if !ok {
			return fmt.Errorf("%s must be a number, got %T", k, v)
		}
		if err := b.Check(k, f); err != nil {
			return err
		}
	}
	return nil
}

// ToFloat 把 YAML/TOML 解码出来的数值统一转换为 float64
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
