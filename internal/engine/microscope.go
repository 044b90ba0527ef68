package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/protocol"
	"github.com/PySeqEcosystem/pyseq-core/internal/registry"
	"github.com/PySeqEcosystem/pyseq-core/internal/reservation"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
)

// ErrNoROIs 表示成像命令没有可用的 ROI
var ErrNoROIs = errors.New("no ROIs registered")

// Microscope 是共享的成像 actor
// 成像、对焦、曝光由流动池任务调用，先通过 Coordinator 获得显微镜，再把每个动作作为子任务排入显微镜自己的队列
type Microscope struct {
	queue  *Queue
	hw     instrument.MicroscopeHardware
	bounds *config.Hardware
	rois   *registry.ROIs
	coord  *reservation.Coordinator
	logger *slog.Logger
}

func NewMicroscope(hw instrument.MicroscopeHardware, bounds *config.Hardware, rois *registry.ROIs, coord *reservation.Coordinator, bus *event.Bus, logger *slog.Logger) *Microscope {
	return &Microscope{
		queue:  NewQueue(types.MicroscopeID, bus, logger),
		hw:     hw,
		bounds: bounds,
		rois:   rois,
		coord:  coord,
		logger: logger.With("component", "microscope"),
	}
}

// Queue 返回显微镜的任务队列
func (m *Microscope) Queue() *Queue { return m.queue }

// Image 以 fc 的身份持有显微镜，对命令指定的内联 ROI 或 fc 全部已登记的 ROI 成像
func (m *Microscope) Image(ctx context.Context, fc types.ActorID, cmd protocol.Image) error {
	return m.coord.Use(ctx, fc, func(ctx context.Context) error {
		targets, registered, err := m.targets(fc, cmd.ROI, nil)
		if err != nil {
			return err
		}
		for _, roi := range targets {
			if err := m.imageROI(ctx, fc, roi, registered, cmd); err != nil {
				return fmt.Errorf("image %s: %w", roi.Name, err)
			}
		}
		return nil
	})
}

// Focus 对指定名称的 ROI（为空时全部 ROI）重新对焦，并把焦点写回 ROI 目录
func (m *Microscope) Focus(ctx context.Context, fc types.ActorID, names ...string) error {
	return m.coord.Use(ctx, fc, func(ctx context.Context) error {
		targets, _, err := m.targets(fc, nil, names)
		if err != nil {
			return err
		}
		for _, roi := range targets {
			if _, err := m.focus(ctx, fc, roi, true); err != nil {
				return fmt.Errorf("focus %s: %w", roi.Name, err)
			}
		}
		return nil
	})
}

// Expose 以 fc 的身份持有显微镜，按曝光参数逐个 ROI 照射
func (m *Microscope) Expose(ctx context.Context, fc types.ActorID, cmd protocol.Expose) error {
	return m.coord.Use(ctx, fc, func(ctx context.Context) error {
		targets, _, err := m.targets(fc, cmd.ROI, nil)
		if err != nil {
			return err
		}
		for _, roi := range targets {
			if err := m.exposeROI(ctx, fc, roi, cmd); err != nil {
				return fmt.Errorf("expose %s: %w", roi.Name, err)
			}
		}
		return nil
	})
}

// targets 返回要处理的 ROI，registered 表示它们来自 ROI 目录
func (m *Microscope) targets(fc types.ActorID, inline *registry.ROI, names []string) ([]registry.ROI, bool, error) {
	if inline != nil {
		return []registry.ROI{*inline}, false, nil
	}
	all := m.rois.List(fc)
	if len(names) > 0 {
		all = slices.DeleteFunc(all, func(r registry.ROI) bool { return !slices.Contains(names, r.Name) })
		if len(all) != len(names) {
			return nil, true, fmt.Errorf("flow cell %s: %w: %v", fc, registry.ErrUnknownROI, names)
		}
	}
	if len(all) == 0 {
		return nil, true, fmt.Errorf("flow cell %s: %w", fc, ErrNoROIs)
	}
	return all, true, nil
}

func (m *Microscope) imageROI(ctx context.Context, fc types.ActorID, roi registry.ROI, registered bool, cmd protocol.Image) error {
	stage := roi.Stage
	if cmd.ROI == nil && cmd.NZ > 0 && cmd.NZ != stage.NZ {
		var err error
		if stage, err = stage.WithNZ(m.bounds, cmd.NZ); err != nil {
			return err
		}
	}
	if needsFocus(roi.Focus) {
		z, err := m.focus(ctx, fc, roi, registered)
		if err != nil {
			return err
		}
		stage = m.centerOn(stage, z)
	} else if roi.Focus.ZFocus >= 0 {
		stage = m.centerOn(stage, roi.Focus.ZFocus)
	}

	optics := roi.Image.Optics.Merge(cmd.Optics)
	output := roi.Image.Output
	if cmd.Output != "" {
		output = cmd.Output
	}
	m.logger.Info("开始成像", "flowcell", fc, "roi", roi.Name, "nx", stage.NX(), "ny", stage.NY(), "nz", stage.NZ)

	if err := m.run(ctx, fmt.Sprintf("%s: move to %s", fc, roi.Name), m.moveTo(stage.XInit, stage.YInit, stage.ZInit)); err != nil {
		return err
	}
	if err := m.run(ctx, fmt.Sprintf("%s: image optics", fc), m.setOptics(optics)); err != nil {
		return err
	}
	return m.run(ctx, fmt.Sprintf("%s: scan %s", fc, roi.Name), m.scan(fc, roi.Name, stage, output))
}

// needsFocus 判断成像前是否需要对焦："once" 流程只在焦点未知时对焦
func needsFocus(f registry.FocusParams) bool {
	switch f.Routine {
	case "full", "partial":
		return true
	default:
		return f.ZFocus < 0
	}
}

// focus 找到 ROI 的焦点，registered 为 true 时把结果写回 ROI 目录
func (m *Microscope) focus(ctx context.Context, fc types.ActorID, roi registry.ROI, registered bool) (float64, error) {
	s := roi.Stage
	zInit, zLast := s.ZInit, s.ZLast()
	if roi.Focus.Routine == "partial" || roi.Focus.Routine == "partial once" {
		if roi.Focus.ZFocus >= 0 {
			half := s.ZStep * s.NZ
			zInit = max(int(roi.Focus.ZFocus)-half, int(m.bounds.ZStage.Min))
			zLast = min(int(roi.Focus.ZFocus)+half, int(m.bounds.ZStage.Max))
		}
	}

	if err := m.run(ctx, fmt.Sprintf("%s: move to %s center", fc, roi.Name), m.moveTo(s.XMiddle(), s.YMiddle(), s.ZMiddle())); err != nil {
		return -1, err
	}
	if err := m.run(ctx, fmt.Sprintf("%s: focus optics", fc), m.setOptics(roi.Focus.Optics)); err != nil {
		return -1, err
	}
	var z int
	err := m.run(ctx, fmt.Sprintf("%s: find focus %s", fc, roi.Name), func(ctx context.Context) error {
		var err error
		z, err = m.hw.Focuser.FindFocus(ctx, zInit, zLast)
		return err
	})
	if err != nil {
		return -1, err
	}

	m.logger.Info("找到焦点", "flowcell", fc, "roi", roi.Name, "z_focus", z, "routine", roi.Focus.Routine)
	if registered {
		roi.Focus.ZFocus = float64(z)
		if err := m.rois.Update(roi); err != nil {
			m.logger.Warn("无法记录焦点", "flowcell", fc, "roi", roi.Name, "error", err)
		}
	}
	return float64(z), nil
}

// centerOn 把 z 扫描范围移到以焦点为中心，并限制在 z 轴边界内
func (m *Microscope) centerOn(s registry.StagePosition, zFocus float64) registry.StagePosition {
	span := s.ZStep * s.NZ
	zInit := int(zFocus) - span/2
	zInit = min(zInit, int(m.bounds.ZStage.Max)-span)
	s.ZInit = max(zInit, int(m.bounds.ZStage.Min))
	return s
}

func (m *Microscope) exposeROI(ctx context.Context, fc types.ActorID, roi registry.ROI, cmd protocol.Expose) error {
	n := roi.Expose.NExposures
	if cmd.NExposures > 0 {
		n = cmd.NExposures
	}
	optics := roi.Expose.Optics.Merge(cmd.Optics)
	stage := roi.Stage
	m.logger.Info("开始曝光", "flowcell", fc, "roi", roi.Name, "n_exposures", n)

	if err := m.run(ctx, fmt.Sprintf("%s: expose optics", fc), m.setOptics(optics)); err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		desc := fmt.Sprintf("%s: expose %s %d/%d", fc, roi.Name, i, n)
		err := m.run(ctx, desc, func(ctx context.Context) error {
			if err := m.moveTo(stage.XInit, stage.YInit, stage.ZMiddle())(ctx); err != nil {
				return err
			}
			return m.withShutter(ctx, func() error {
				return m.sweep(ctx, stage, func(ctx context.Context, col, row int) error { return nil })
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// run 把一个动作作为子任务排入显微镜队列并等待结果
// ctx 取消时撤销子任务；已经开始的子任务会被协作式取消，并在其结束后才返回，保证释放预约后不再操作显微镜
func (m *Microscope) run(ctx context.Context, description string, op Operation) error {
	var started atomic.Bool
	t := m.queue.Submit(description, func(taskCtx context.Context) error {
		started.Store(true)
		if err := taskCtx.Err(); err != nil {
			return err
		}
		return op(taskCtx)
	})
	err := t.Wait(ctx)
	if ctx.Err() == nil {
		return err
	}
	m.queue.Cancel(t.ID)
	if started.Load() {
		<-t.Done()
	}
	return ctx.Err()
}

func (m *Microscope) moveTo(x, y, z int) Operation {
	return func(ctx context.Context) error {
		if err := m.hw.X.Move(ctx, x); err != nil {
			return err
		}
		if err := m.hw.Y.Move(ctx, y); err != nil {
			return err
		}
		return m.hw.Z.Move(ctx, z)
	}
}

func (m *Microscope) setOptics(o config.Optics) Operation {
	return func(ctx context.Context) error {
		for _, color := range slices.Sorted(maps.Keys(o.LaserPower)) {
			laser, ok := m.hw.Lasers[color]
			if !ok {
				return fmt.Errorf("unknown laser %q", color)
			}
			if err := laser.SetPower(ctx, o.LaserPower[color]); err != nil {
				return err
			}
		}
		for _, color := range slices.Sorted(maps.Keys(o.Filter)) {
			wheel, ok := m.hw.Filters[color]
			if !ok {
				return fmt.Errorf("unknown filter wheel %q", color)
			}
			if err := wheel.SetFilter(ctx, o.Filter[color]); err != nil {
				return err
			}
		}
		if o.Exposure > 0 {
			return m.hw.Camera.SetExposure(ctx, o.Exposure)
		}
		return nil
	}
}

// scan 在快门打开时逐个视野、逐个 z 平面拍摄并保存
func (m *Microscope) scan(fc types.ActorID, roi string, s registry.StagePosition, output string) Operation {
	return func(ctx context.Context) error {
		return m.withShutter(ctx, func() error {
			return m.sweep(ctx, s, func(ctx context.Context, col, row int) error {
				for plane := 0; plane < s.NZ; plane++ {
					if err := m.hw.Z.Move(ctx, s.ZInit+plane*s.ZStep); err != nil {
						return err
					}
					frame, err := m.hw.Camera.Capture(ctx)
					if err != nil {
						return err
					}
					name := fmt.Sprintf("%s_%s_x%03d_y%03d_z%03d.tiff", fc, roi, col, row, plane)
					if err := m.hw.Camera.Save(ctx, frame, filepath.Join(output, name)); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
}

// sweep 按扫描方向依次移动到每个视野并调用 visit
func (m *Microscope) sweep(ctx context.Context, s registry.StagePosition, visit func(ctx context.Context, col, row int) error) error {
	xStep := int(float64(s.XStep) - s.XOverlap)
	yStep := int(float64(s.YStep) - s.YOverlap)
	for col := 0; col < s.NX(); col++ {
		if err := m.hw.X.Move(ctx, s.XInit+s.XDirection()*col*xStep); err != nil {
			return err
		}
		for row := 0; row < s.NY(); row++ {
			if err := m.hw.Y.Move(ctx, s.YInit+s.YDirection()*row*yStep); err != nil {
				return err
			}
			if err := visit(ctx, col, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// withShutter 打开快门运行 fn，无论结果如何都会关闭快门
func (m *Microscope) withShutter(ctx context.Context, fn func() error) (err error) {
	if err := m.hw.Shutter.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := m.hw.Shutter.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn()
}
