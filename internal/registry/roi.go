package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateROI = errors.New("duplicate ROI")
	ErrUnknownROI   = errors.New("unknown ROI")
)

// FocusRoutines 是允许的对焦流程
var FocusRoutines = []string{"full once", "partial once", "full", "partial"}

// StageSpec 是用户给出的位移台区域，未给出的可选字段取实验默认值
type StageSpec struct {
	FlowCell string   `mapstructure:"flowcell" yaml:"flowcell"`
	XInit    int      `mapstructure:"x_init" yaml:"x_init"`
	XLast    int      `mapstructure:"x_last" yaml:"x_last"`
	YInit    int      `mapstructure:"y_init" yaml:"y_init"`
	YLast    int      `mapstructure:"y_last" yaml:"y_last"`
	ZInit    int      `mapstructure:"z_init" yaml:"z_init"`
	NZ       *int     `mapstructure:"nz" yaml:"nz"`
	ZStep    *int     `mapstructure:"z_step" yaml:"z_step"`
	XOverlap *float64 `mapstructure:"x_overlap" yaml:"x_overlap"`
	YOverlap *float64 `mapstructure:"y_overlap" yaml:"y_overlap"`
}

// StagePosition 是经过校验的成像区域，派生量（视野数、中点、方向、z_last）每次读取时计算
type StagePosition struct {
	FlowCell types.ActorID `json:"flowcell"`
	XInit    int           `json:"x_init"`
	XLast    int           `json:"x_last"`
	YInit    int           `json:"y_init"`
	YLast    int           `json:"y_last"`
	ZInit    int           `json:"z_init"`
	NZ       int           `json:"nz"`
	ZStep    int           `json:"z_step"`
	XStep    int           `json:"x_step"`
	YStep    int           `json:"y_step"`
	XOverlap float64       `json:"x_overlap"`
	YOverlap float64       `json:"y_overlap"`
}

// NewStagePosition 用实验默认值补全 spec，计算派生字段并按硬件边界校验
func NewStagePosition(hw *config.Hardware, exp *config.Experiment, spec StageSpec) (StagePosition, error) {
	if strings.TrimSpace(spec.FlowCell) == "" {
		return StagePosition{}, fmt.Errorf("stage position has no flowcell")
	}
	var defaults config.Experiment
	if exp != nil {
		defaults = *exp
	}

	s := StagePosition{
		FlowCell: types.FlowCell(spec.FlowCell),
		XInit:    spec.XInit,
		XLast:    spec.XLast,
		YInit:    spec.YInit,
		YLast:    spec.YLast,
		ZInit:    spec.ZInit,
		NZ:       defaults.Image.NZ,
		ZStep:    hw.ZStage.Step,
		XStep:    hw.XStage.Step,
		YStep:    hw.YStage.Step,
		XOverlap: defaults.Stage.XOverlap,
		YOverlap: defaults.Stage.YOverlap,
	}
	if defaults.Stage.ZStep > 0 {
		s.ZStep = defaults.Stage.ZStep
	}
	if spec.NZ != nil {
		s.NZ = *spec.NZ
	}
	if spec.ZStep != nil {
		s.ZStep = *spec.ZStep
	}
	if spec.XOverlap != nil {
		s.XOverlap = *spec.XOverlap
	}
	if spec.YOverlap != nil {
		s.YOverlap = *spec.YOverlap
	}
	if _, err := hw.FlowCell(s.FlowCell); err != nil {
		return s, err
	}
	return s, s.validate(hw)
}

// WithNZ 返回 z 平面数替换为 nz 后重新校验的副本
func (s StagePosition) WithNZ(hw *config.Hardware, nz int) (StagePosition, error) {
	s.NZ = nz
	return s, s.validate(hw)
}

func (s StagePosition) validate(hw *config.Hardware) error {
	if s.NZ < 1 {
		return fmt.Errorf("nz should be at least 1, got %d", s.NZ)
	}
	if float64(s.XStep)-s.XOverlap <= 0 || float64(s.YStep)-s.YOverlap <= 0 {
		return fmt.Errorf("overlap (%v, %v) must be smaller than stage step (%d, %d)", s.XOverlap, s.YOverlap, s.XStep, s.YStep)
	}

	checks := []struct {
		name  string
		b     config.Bounds
		value int
	}{
		{"x_init", hw.XStage.Bounds, s.XInit},
		{"x_last", hw.XStage.Bounds, s.XLast},
		{"y_init", hw.YStage.Bounds, s.YInit},
		{"y_last", hw.YStage.Bounds, s.YLast},
		{"z_init", hw.ZStage.Bounds, s.ZInit},
		{"z_last", hw.ZStage.Bounds, s.ZLast()},
	}
	for _, c := range checks {
		if err := c.b.Check(c.name, float64(c.value)); err != nil {
			return err
		}
	}
	return nil
}

// NX 是 x 方向的视野数
func (s StagePosition) NX() int { return tiles(s.XInit, s.XLast, float64(s.XStep)-s.XOverlap) }

// NY 是 y 方向的视野数
func (s StagePosition) NY() int { return tiles(s.YInit, s.YLast, float64(s.YStep)-s.YOverlap) }

// ZLast 是 z 扫描的终点
func (s StagePosition) ZLast() int { return s.ZInit + s.ZStep*s.NZ }

// ZMiddle 是 z 扫描范围的中点
func (s StagePosition) ZMiddle() int { return s.ZInit + s.ZStep*s.NZ/2 }

// tiles 计算覆盖 [init, last] 需要的视野数，至少为 1
func tiles(init, last int, tile float64) int {
	n := int(math.Ceil(math.Abs(float64(last-init)) / tile))
	return max(n, 1)
}

// XMiddle/YMiddle 是区域中心，用于对焦
func (s StagePosition) XMiddle() int { return s.XInit + (s.XLast-s.XInit)/2 }
func (s StagePosition) YMiddle() int { return s.YInit + (s.YLast-s.YInit)/2 }

// XDirection 为 +1 或 -1，表示 x 方向的扫描方向
func (s StagePosition) XDirection() int { return direction(s.XInit, s.XLast) }
func (s StagePosition) YDirection() int { return direction(s.YInit, s.YLast) }

func direction(init, last int) int {
	return int(math.Copysign(1, float64(last-init)))
}

// ImageParams 是一次成像的参数
type ImageParams struct {
	Optics config.Optics `json:"optics"`
	Output string        `json:"output"`
	NZ     int           `json:"nz"`
}

// FocusParams 是对焦参数，ZFocus 小于 0 表示还没有找到焦点
type FocusParams struct {
	Optics  config.Optics `json:"optics"`
	Routine string        `json:"routine"`
	Output  string        `json:"output"`
	ZFocus  float64       `json:"z_focus"`
}

// ExposeParams 是光漂白/曝光参数
type ExposeParams struct {
	Optics     config.Optics `json:"optics"`
	NExposures int           `json:"n_exposures"`
}

// ROI 是一个已命名的成像区域
type ROI struct {
	Name   string        `json:"name"`
	Stage  StagePosition `json:"stage"`
	Image  ImageParams   `json:"image"`
	Focus  FocusParams   `json:"focus"`
	Expose ExposeParams  `json:"expose"`
}

// FlowCell 返回 ROI 所属的流动池
func (r ROI) FlowCell() types.ActorID { return r.Stage.FlowCell }

type ImageSpec struct {
	Optics config.Optics `mapstructure:"optics" yaml:"optics"`
	NZ     *int          `mapstructure:"nz" yaml:"nz"`
	Output string        `mapstructure:"output" yaml:"output"`
}

type FocusSpec struct {
	Optics  config.Optics `mapstructure:"optics" yaml:"optics"`
	Routine string        `mapstructure:"routine" yaml:"routine"`
	Output  string        `mapstructure:"output" yaml:"output"`
	ZFocus  *float64      `mapstructure:"z_focus" yaml:"z_focus"`
}

type ExposeSpec struct {
	Optics     config.Optics `mapstructure:"optics" yaml:"optics"`
	NExposures *int          `mapstructure:"n_exposures" yaml:"n_exposures"`
}

// ROISpec 是 ROI 文件中的一个条目
type ROISpec struct {
	Stage  StageSpec  `mapstructure:"stage" yaml:"stage"`
	Image  ImageSpec  `mapstructure:"image" yaml:"image"`
	Focus  FocusSpec  `mapstructure:"focus" yaml:"focus"`
	Expose ExposeSpec `mapstructure:"expose" yaml:"expose"`
}

// NewROI 用实验默认值补全 spec 并校验
func NewROI(hw *config.Hardware, exp *config.Experiment, name string, spec ROISpec) (ROI, error) {
	var defaults config.Experiment
	if exp != nil {
		defaults = *exp
	}
	if spec.Stage.NZ == nil {
		spec.Stage.NZ = spec.Image.NZ
	}
	stage, err := NewStagePosition(hw, exp, spec.Stage)
	if err != nil {
		return ROI{}, fmt.Errorf("roi %s: %w", name, err)
	}

	roi := ROI{
		Name:  name,
		Stage: stage,
		Image: ImageParams{
			Optics: defaults.Image.Optics.Merge(spec.Image.Optics),
			Output: firstNonEmpty(spec.Image.Output, defaults.Experiment.ImagePath),
			NZ:     stage.NZ,
		},
		Focus: FocusParams{
			Optics:  defaults.Focus.Optics.Merge(spec.Focus.Optics),
			Routine: firstNonEmpty(spec.Focus.Routine, defaults.Focus.Routine, FocusRoutines[0]),
			Output:  firstNonEmpty(spec.Focus.Output, defaults.Experiment.FocusPath),
			ZFocus:  -1,
		},
		Expose: ExposeParams{
			Optics:     defaults.Expose.Optics.Merge(spec.Expose.Optics),
			NExposures: max(defaults.Expose.NExposures, 1),
		},
	}
	if spec.Focus.ZFocus != nil {
		roi.Focus.ZFocus = *spec.Focus.ZFocus
	}
	if spec.Expose.NExposures != nil {
		roi.Expose.NExposures = *spec.Expose.NExposures
	}
	if err := roi.Validate(hw); err != nil {
		return ROI{}, err
	}
	return roi, nil
}

// Validate 校验 ROI 的光学参数与对焦流程
func (r ROI) Validate(hw *config.Hardware) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("roi has no name")
	}
	for _, o := range []config.Optics{r.Image.Optics, r.Focus.Optics, r.Expose.Optics} {
		if err := o.Validate(hw); err != nil {
			return fmt.Errorf("roi %s: %w", r.Name, err)
		}
	}
	if !slices.Contains(FocusRoutines, r.Focus.Routine) {
		return fmt.Errorf("roi %s: focus routine %q not in %v", r.Name, r.Focus.Routine, FocusRoutines)
	}
	if r.Expose.NExposures < 1 {
		return fmt.Errorf("roi %s: n_exposures should be at least 1", r.Name)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ROIs 按流动池保存 ROI，名称在流动池内唯一
type ROIs struct {
	mu      sync.Mutex
	byFC    map[types.ActorID]map[string]ROI
	changed chan struct{} // 每次添加时关闭并替换，唤醒 WaitForROIs
	logger  *slog.Logger
}

// NewROIs 创建空的 ROI 目录
func NewROIs(logger *slog.Logger) *ROIs {
	return &ROIs{
		byFC:    make(map[types.ActorID]map[string]ROI),
		changed: make(chan struct{}),
		logger:  logger.With("component", "rois"),
	}
}

// Add 添加 ROI，同名时拒绝
func (r *ROIs) Add(roi ROI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc := roi.FlowCell()
	if _, ok := r.byFC[fc][roi.Name]; ok {
		r.logger.Warn("ROI 名称重复", "flowcell", fc, "roi", roi.Name)
		return fmt.Errorf("%s on flow cell %s: %w", roi.Name, fc, ErrDuplicateROI)
	}
	if r.byFC[fc] == nil {
		r.byFC[fc] = make(map[string]ROI)
	}
	r.byFC[fc][roi.Name] = roi
	close(r.changed)
	r.changed = make(chan struct{})
	r.logger.Info("添加 ROI", "flowcell", fc, "roi", roi.Name, "nx", roi.Stage.NX(), "ny", roi.Stage.NY(), "nz", roi.Stage.NZ)
	return nil
}

// Update 替换已存在的同名 ROI，例如在对焦后记录焦点位置
func (r *ROIs) Update(roi ROI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc := roi.FlowCell()
	if _, ok := r.byFC[fc][roi.Name]; !ok {
		return fmt.Errorf("%s on flow cell %s: %w", roi.Name, fc, ErrUnknownROI)
	}
	r.byFC[fc][roi.Name] = roi
	return nil
}

// Remove 删除 ROI，返回是否存在
func (r *ROIs) Remove(fc types.ActorID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byFC[fc][name]; !ok {
		return false
	}
	delete(r.byFC[fc], name)
	r.logger.Info("删除 ROI", "flowcell", fc, "roi", name)
	return true
}

// Reset 清空流动池的全部 ROI
func (r *ROIs) Reset(fc types.ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byFC, fc)
}

// Get 按名称查找 ROI
func (r *ROIs) Get(fc types.ActorID, name string) (ROI, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roi, ok := r.byFC[fc][name]
	return roi, ok
}

// List 返回流动池全部 ROI，按名称排序
func (r *ROIs) List(fc types.ActorID) []ROI {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ROI, 0, len(r.byFC[fc]))
	for _, roi := range r.byFC[fc] {
		out = append(out, roi)
	}
	slices.SortFunc(out, func(a, b ROI) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Count 返回流动池的 ROI 数量
func (r *ROIs) Count(fc types.ActorID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFC[fc])
}

// WaitForROIs 阻塞直到流动池至少有一个 ROI
func (r *ROIs) WaitForROIs(ctx context.Context, fc types.ActorID) error {
	for {
		r.mu.Lock()
		n := len(r.byFC[fc])
		wake := r.changed
		r.mu.Unlock()
		if n > 0 {
			return nil
		}
		r.logger.Info("等待 ROI", "flowcell", fc)
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoadROIFile 读取 ROI 文件中属于 fc 的条目
// 顶层 key 可以是流动池名称（其下为 ROI 名称 -> 定义），也可以直接是 ROI 名称（stage.flowcell 指明流动池）
func LoadROIFile(hw *config.Hardware, exp *config.Experiment, path string, fc types.ActorID) ([]ROI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roi file: %w", err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse roi file: %w", err)
	}

	var rois []ROI
	var errs []error
	add := func(name string, node yaml.Node, owner string) {
		var spec ROISpec
		if err := node.Decode(&spec); err != nil {
			errs = append(errs, fmt.Errorf("roi %s: %w", name, err))
			return
		}
		if owner != "" {
			spec.Stage.FlowCell = owner
		}
		if types.FlowCell(spec.Stage.FlowCell) != fc {
			return
		}
		roi, err := NewROI(hw, exp, name, spec)
		if err != nil {
			errs = append(errs, err)
			return
		}
		rois = append(rois, roi)
	}

	for key, node := range doc {
		if _, isFlowCell := hw.FlowCells[string(types.FlowCell(key))]; isFlowCell {
			var nested map[string]yaml.Node
			if err := node.Decode(&nested); err != nil {
				errs = append(errs, fmt.Errorf("flow cell %s: %w", key, err))
				continue
			}
			for name, n := range nested {
				add(name, n, key)
			}
			continue
		}
		add(key, node, "")
	}
	slices.SortFunc(rois, func(a, b ROI) int { return strings.Compare(a.Name, b.Name) })
	return rois, errors.Join(errs...)
}
