package types

import "strings"

// ActorID 标识一个拥有独立任务队列的执行者（流动池、显微镜或顶层编排器）
// 使用字符串类型，方便在日志和配置中直接使用
type ActorID string

const (
	MicroscopeID ActorID = "microscope" // 共享的成像显微镜
	SequencerID  ActorID = "sequencer"  // 顶层编排器
)

// FlowCell 将任意大小写的流动池名称规范化为大写 ID
// Viper 会把配置中的 key 转换为小写，所以查找前必须统一
func FlowCell(name string) ActorID {
	return ActorID(strings.ToUpper(strings.TrimSpace(name)))
}
