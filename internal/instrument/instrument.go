package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// 每种仪器只暴露一个小的能力接口，模拟器与真实驱动实现同一接口，由配置决定使用哪一个

// Stage 是单轴位移台
type Stage interface {
	Move(ctx context.Context, position int) error
	Position(ctx context.Context) (int, error)
}

// Pump 以 uL 和 uL/min 为单位
type Pump interface {
	Pump(ctx context.Context, volume, flowRate float64, extra map[string]interface{}) error
	ReversePump(ctx context.Context, volume, flowRate float64, extra map[string]interface{}) error
}

// Valve 是选择试剂端口的多通阀
type Valve interface {
	Select(ctx context.Context, port int) error
	CurrentPort(ctx context.Context) (int, error)
}

type Laser interface {
	SetPower(ctx context.Context, power float64) error
	Power(ctx context.Context) (float64, error)
}

type FilterWheel interface {
	SetFilter(ctx context.Context, filter float64) error
}

type Shutter interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Frame 是相机拍摄的一帧的元数据
type Frame struct {
	ID       string    `json:"frame_id"`
	Exposure float64   `json:"exposure"`
	Taken    time.Time `json:"taken"`
}

type Camera interface {
	SetExposure(ctx context.Context, exposure float64) error
	Capture(ctx context.Context) (Frame, error)
	Save(ctx context.Context, frame Frame, path string) error
}

// Focuser 在 [zInit, zLast] 范围内寻找焦点
type Focuser interface {
	FindFocus(ctx context.Context, zInit, zLast int) (int, error)
}

// TemperatureController 控制流动池温度（摄氏度）
type TemperatureController interface {
	SetTemperature(ctx context.Context, celsius float64) error
	Temperature(ctx context.Context) (float64, error)
}

// MicroscopeHardware 是显微镜使用的全部仪器
type MicroscopeHardware struct {
	X, Y, Z Stage
	Lasers  map[string]Laser       // 激光颜色 -> 激光器
	Filters map[string]FilterWheel // 激光颜色 -> 滤光轮
	Camera  Camera
	Shutter Shutter
	Focuser Focuser
}

// FlowCellHardware 是一个流动池使用的全部仪器
type FlowCellHardware struct {
	Pump        Pump
	Valve       Valve
	Temperature TemperatureController
}

// ErrTemperatureTimeout 表示在超时前没有达到目标温度
var ErrTemperatureTimeout = errors.New("temperature not reached before timeout")

// WaitForTemperature 轮询温度直到与目标相差不超过 tolerance
// timeout 不大于 0 时只受 ctx 限制
func WaitForTemperature(ctx context.Context, tc TemperatureController, target, tolerance float64, timeout, interval time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		current, err := tc.Temperature(ctx)
		if err != nil {
			return err
		}
		if math.Abs(current-target) <= tolerance {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("waiting %v for %v C (at %v C): %w", timeout, target, current, ErrTemperatureTimeout)
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v C (at %v C): %w", target, current, ctx.Err())
		}
	}
}
