package instrument

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/google/uuid"
)

// Recorder 记录模拟仪器收到的调用，并可以让指定调用失败
type Recorder struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
}

func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]error)}
}

// FailOn 让名称为 call 的调用返回 err（例如 "A.pump"）
func (r *Recorder) FailOn(call string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[call] = err
}

// Calls 返回按时间顺序记录的调用
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Recorder) record(call, format string, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := call
	if format != "" {
		entry += " " + fmt.Sprintf(format, args...)
	}
	r.calls = append(r.calls, entry)
	return r.failures[call]
}

// simDevice 是所有模拟仪器共用的部分：模拟耗时与调用记录
type simDevice struct {
	name  string
	delay time.Duration
	rec   *Recorder
}

func (d simDevice) act(ctx context.Context, op, format string, args ...interface{}) error {
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	return d.rec.record(d.name+"."+op, format, args...)
}

type SimStage struct {
	simDevice
	mu  sync.Mutex
	pos int
}

func (s *SimStage) Move(ctx context.Context, position int) error {
	if err := s.act(ctx, "move", "%d", position); err != nil {
		return err
	}
	s.mu.Lock()
	s.pos = position
	s.mu.Unlock()
	return nil
}

func (s *SimStage) Position(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

type SimPump struct{ simDevice }

func (p *SimPump) Pump(ctx context.Context, volume, flowRate float64, extra map[string]interface{}) error {
	return p.act(ctx, "pump", "%v %v", volume, flowRate)
}

func (p *SimPump) ReversePump(ctx context.Context, volume, flowRate float64, extra map[string]interface{}) error {
	return p.act(ctx, "reverse_pump", "%v %v", volume, flowRate)
}

type SimValve struct {
	simDevice
	mu   sync.Mutex
	port int
}

func (v *SimValve) Select(ctx context.Context, port int) error {
	if err := v.act(ctx, "select", "%d", port); err != nil {
		return err
	}
	v.mu.Lock()
	v.port = port
	v.mu.Unlock()
	return nil
}

func (v *SimValve) CurrentPort(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.port, nil
}

type SimLaser struct {
	simDevice
	mu    sync.Mutex
	power float64
}

func (l *SimLaser) SetPower(ctx context.Context, power float64) error {
	if err := l.act(ctx, "power", "%v", power); err != nil {
		return err
	}
	l.mu.Lock()
	l.power = power
	l.mu.Unlock()
	return nil
}

func (l *SimLaser) Power(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.power, nil
}

type SimFilterWheel struct{ simDevice }

func (f *SimFilterWheel) SetFilter(ctx context.Context, filter float64) error {
	return f.act(ctx, "filter", "%v", filter)
}

type SimShutter struct{ simDevice }

func (s *SimShutter) Open(ctx context.Context) error  { return s.act(ctx, "open", "") }
func (s *SimShutter) Close(ctx context.Context) error { return s.act(ctx, "close", "") }

type SimCamera struct {
	simDevice
	mu       sync.Mutex
	exposure float64
}

func (c *SimCamera) SetExposure(ctx context.Context, exposure float64) error {
	if err := c.act(ctx, "exposure", "%v", exposure); err != nil {
		return err
	}
	c.mu.Lock()
	c.exposure = exposure
	c.mu.Unlock()
	return nil
}

func (c *SimCamera) Capture(ctx context.Context) (Frame, error) {
	if err := c.act(ctx, "capture", ""); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Frame{ID: uuid.NewString(), Exposure: c.exposure, Taken: time.Now()}, nil
}

func (c *SimCamera) Save(ctx context.Context, frame Frame, path string) error {
	return c.act(ctx, "save", "%s", path)
}

// SimFocuser 总是把焦点放在扫描范围的中点
type SimFocuser struct{ simDevice }

func (f *SimFocuser) FindFocus(ctx context.Context, zInit, zLast int) (int, error) {
	if err := f.act(ctx, "find_focus", "%d %d", zInit, zLast); err != nil {
		return 0, err
	}
	return zInit + (zLast-zInit)/2, nil
}

// SimTemperature 在设定后立即达到目标温度
type SimTemperature struct {
	simDevice
	mu      sync.Mutex
	celsius float64
}

func (t *SimTemperature) SetTemperature(ctx context.Context, celsius float64) error {
	if err := t.act(ctx, "set_temperature", "%v", celsius); err != nil {
		return err
	}
	t.mu.Lock()
	t.celsius = celsius
	t.mu.Unlock()
	return nil
}

func (t *SimTemperature) Temperature(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.celsius, nil
}

// NewSimMicroscope 按硬件配置创建模拟显微镜，每种激光颜色一个激光器和滤光轮
func NewSimMicroscope(hw *config.Hardware, delay time.Duration, rec *Recorder) MicroscopeHardware {
	dev := func(name string) simDevice { return simDevice{name: name, delay: delay, rec: rec} }
	m := MicroscopeHardware{
		X:       &SimStage{simDevice: dev("x")},
		Y:       &SimStage{simDevice: dev("y")},
		Z:       &SimStage{simDevice: dev("z")},
		Lasers:  make(map[string]Laser),
		Filters: make(map[string]FilterWheel),
		Camera:  &SimCamera{simDevice: dev("camera")},
		Shutter: &SimShutter{simDevice: dev("shutter")},
		Focuser: &SimFocuser{simDevice: dev("focus")},
	}
	for color := range hw.Lasers {
		m.Lasers[color] = &SimLaser{simDevice: dev(color + "_laser")}
	}
	for color := range hw.Filters {
		m.Filters[color] = &SimFilterWheel{simDevice: dev(color + "_filter")}
	}
	return m
}

// NewSimFlowCell 创建模拟流动池仪器，调用记录以流动池 ID 为前缀
func NewSimFlowCell(id types.ActorID, delay time.Duration, rec *Recorder) FlowCellHardware {
	dev := func(name string) simDevice { return simDevice{name: string(id) + name, delay: delay, rec: rec} }
	return FlowCellHardware{
		Pump:        &SimPump{simDevice: dev("")},
		Valve:       &SimValve{simDevice: dev("")},
		Temperature: &SimTemperature{simDevice: dev(""), celsius: 20},
	}
}
