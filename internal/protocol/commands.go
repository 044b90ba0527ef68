package protocol

import (
	"fmt"
	"strconv"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/registry"
)

// Kind 是协议步骤的关键字，匹配区分大小写
type Kind string

const (
	KindValve       Kind = "VALVE"
	KindPump        Kind = "PUMP"
	KindHold        Kind = "HOLD"
	KindWait        Kind = "WAIT"
	KindUser        Kind = "USER"
	KindImage       Kind = "IMAGE"
	KindExpose      Kind = "EXPOSE"
	KindTemperature Kind = "TEMP"
)

// MicroscopeEvent 是 WAIT 唯一支持的事件
const MicroscopeEvent = "microscope"

// Command 是经过校验的协议步骤，生成后不再修改
type Command interface {
	Kind() Kind
	String() string
}

// ReagentRef 指向一个试剂，可以是名称，也可以是阀门端口
// 名称能在试剂目录中找到时 Port 也会被填上
type ReagentRef struct {
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`
}

func (r ReagentRef) IsZero() bool { return r.Name == "" && r.Port == 0 }

func (r ReagentRef) String() string {
	if r.Name != "" {
		return r.Name
	}
	return strconv.Itoa(r.Port)
}

type Valve struct {
	Reagent ReagentRef `json:"reagent"`
}

func (Valve) Kind() Kind { return KindValve }
func (c Valve) String() string { return fmt.Sprintf("VALVE %s", c.Reagent) }

// Pump 的 FlowRate 为 0 时，执行时使用试剂的默认流速
type Pump struct {
	Volume   float64                `json:"volume"`
	FlowRate float64                `json:"flow_rate"`
	Reagent  ReagentRef             `json:"reagent"`
	Reverse  bool                   `json:"reverse"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

func (Pump) Kind() Kind { return KindPump }
func (c Pump) String() string {
	verb := "PUMP"
	if c.Reverse {
		verb = "REVERSE PUMP"
	}
	return fmt.Sprintf("%s %v uL of %s", verb, c.Volume, c.Reagent)
}

// Hold 以分钟为单位
type Hold struct {
	Minutes float64 `json:"minutes"`
}

func (Hold) Kind() Kind { return KindHold }
func (c Hold) String() string { return fmt.Sprintf("HOLD %v min", c.Minutes) }
func (c Hold) Duration() time.Duration { return time.Duration(c.Minutes * float64(time.Minute)) }

type Wait struct {
	Event string `json:"event"`
}

func (Wait) Kind() Kind { return KindWait }
func (c Wait) String() string { return "WAIT for " + c.Event }

// User 的 Timeout 为 0 表示一直等待用户确认
type User struct {
	Message string        `json:"message"`
	Timeout time.Duration `json:"timeout"`
}

func (User) Kind() Kind { return KindUser }
func (c User) String() string { return "USER " + c.Message }

type Temperature struct {
	Celsius float64       `json:"temperature"`
	Timeout time.Duration `json:"timeout,omitempty"` // 0 表示一直等待到达设定值
}

func (Temperature) Kind() Kind { return KindTemperature }
func (c Temperature) String() string { return fmt.Sprintf("TEMP %v C", c.Celsius) }

// Image 在 ROI 为 nil 时对流动池已登记的全部 ROI 成像，否则只对该内联 ROI 成像
type Image struct {
	NZ     int           `json:"nz"`
	Optics config.Optics `json:"optics"` // 覆盖 ROI 自身的成像参数
	Output string        `json:"output,omitempty"`
	ROI    *registry.ROI `json:"roi,omitempty"`
}

func (Image) Kind() Kind { return KindImage }
func (c Image) String() string {
	if c.ROI != nil {
		return fmt.Sprintf("IMAGE %s nz=%d", c.ROI.Name, c.NZ)
	}
	return fmt.Sprintf("IMAGE nz=%d", c.NZ)
}

// Expose 与 Image 相同，ROI 为 nil 时曝光全部已登记的 ROI
type Expose struct {
	NExposures int           `json:"n_exposures"`
	Optics     config.Optics `json:"optics"`
	ROI        *registry.ROI `json:"roi,omitempty"`
}

func (Expose) Kind() Kind { return KindExpose }
func (c Expose) String() string {
	if c.ROI != nil {
		return fmt.Sprintf("EXPOSE %s x%d", c.ROI.Name, c.NExposures)
	}
	return fmt.Sprintf("EXPOSE x%d", c.NExposures)
}
