package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/spf13/viper"
)

// Optics 描述一次成像/对焦/曝光使用的光学参数
type Optics struct {
	LaserPower map[string]float64 `mapstructure:"laser_power" yaml:"laser_power"` // 激光颜色 -> 功率
	Filter     map[string]float64 `mapstructure:"filter" yaml:"filter"`           // 激光颜色 -> 滤光片
	Exposure   float64            `mapstructure:"exposure" yaml:"exposure"`       // 相机曝光时间
}

// Merge 返回以 o 为默认值、override 中非零字段覆盖后的新 Optics
func (o Optics) Merge(override Optics) Optics {
	out := Optics{
		LaserPower: maps.Clone(o.LaserPower),
		Filter:     maps.Clone(o.Filter),
		Exposure:   o.Exposure,
	}
	if out.LaserPower == nil {
		out.LaserPower = map[string]float64{}
	}
	if out.Filter == nil {
		out.Filter = map[string]float64{}
	}
	maps.Copy(out.LaserPower, override.LaserPower)
	maps.Copy(out.Filter, override.Filter)
	if override.Exposure != 0 {
		out.Exposure = override.Exposure
	}
	return out
}

// Validate 按硬件边界校验光学参数
func (o Optics) Validate(hw *Hardware) error {
	for color, power := range o.LaserPower {
		b, ok := hw.Lasers[color]
		if !ok {
			return fmt.Errorf("unknown laser %q", color)
		}
		if err := b.Check(color+" laser power", power); err != nil {
			return err
		}
	}
	for color, filter := range o.Filter {
		valid, ok := hw.Filters[color]
		if !ok {
			return fmt.Errorf("unknown filter wheel %q", color)
		}
		if !slices.Contains(valid, filter) {
			return fmt.Errorf("filter %v not in valid list for %s", filter, color)
		}
	}
	if o.Exposure != 0 {
		if err := hw.Camera.Check("exposure", o.Exposure); err != nil {
			return err
		}
	}
	return nil
}

// ExperimentPaths 是实验相关的文件位置
type ExperimentPaths struct {
	Name         string `mapstructure:"name"`
	ImagePath    string `mapstructure:"image_path"`
	FocusPath    string `mapstructure:"focus_path"`
	ProtocolPath string `mapstructure:"protocol_path"`
	ROIPath      string `mapstructure:"roi_path"`
	ReagentPath  string `mapstructure:"reagent_path"`
}

type ImageDefaults struct {
	NZ     int    `mapstructure:"nz"` // 大于 0 时覆盖协议中的 z 平面数
	Optics Optics `mapstructure:"optics"`
}

type FocusDefaults struct {
	Routine string `mapstructure:"routine"`
	Optics  Optics `mapstructure:"optics"`
}

type ExposeDefaults struct {
	NExposures int    `mapstructure:"n_exposures"` // 大于 0 时覆盖协议中的曝光次数
	Optics     Optics `mapstructure:"optics"`
}

type StageDefaults struct {
	ZStep    int     `mapstructure:"z_step"`
	XOverlap float64 `mapstructure:"x_overlap"`
	YOverlap float64 `mapstructure:"y_overlap"`
}

// PumpDefaults 中除 flow_rate 以外的键都作为泵的额外参数
type PumpDefaults struct {
	FlowRate float64                `mapstructure:"flow_rate"`
	Extra    map[string]interface{} `mapstructure:",remain"`
}

// Experiment 是一次实验的用户配置
type Experiment struct {
	Experiment ExperimentPaths        `mapstructure:"experiment"`
	Image      ImageDefaults          `mapstructure:"image"`
	Focus      FocusDefaults          `mapstructure:"focus"`
	Expose     ExposeDefaults         `mapstructure:"expose"`
	Stage      StageDefaults          `mapstructure:"stage"`
	Pump       PumpDefaults           `mapstructure:"pump"`
	Reagents   map[string]interface{} `mapstructure:"reagents"` // 名称 -> 端口 或 {port, flow_rate, ...}

	dir string
}

// LoadExperiment 读取实验配置，支持 TOML 与 YAML（按扩展名判断）
func LoadExperiment(path string) (*Experiment, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("experiment.name", "experiment")
	v.SetDefault("experiment.image_path", ".")
	v.SetDefault("focus.routine", "full once")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read experiment config: %w", err)
	}
	var exp Experiment
	if err := v.Unmarshal(&exp); err != nil {
		return nil, fmt.Errorf("decode experiment config: %w", err)
	}
	exp.dir = filepath.Dir(path)
	if exp.Experiment.FocusPath == "" {
		exp.Experiment.FocusPath = exp.Experiment.ImagePath
	}
	return &exp, nil
}

// Path 将相对路径解析为相对于实验配置文件所在目录的路径
func (e *Experiment) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || e.dir == "" {
		return p
	}
	return filepath.Join(e.dir, p)
}

// DeepMerge 递归地把 src 合并进 dst 并返回 dst，嵌套 map 会逐层合并
func DeepMerge(src, dst map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		sv, srcIsMap := v.(map[string]interface{})
		dv, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			DeepMerge(sv, dv)
			continue
		}
		dst[k] = v
	}
	return dst
}
