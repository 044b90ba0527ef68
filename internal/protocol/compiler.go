package protocol

import (
	"fmt"
	"maps"
	"slices"

	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// Step 是协议中一个已校验的步骤
// Rule 不为空时，只有表达式在排队时求值为 true 才会执行该步骤
type Step struct {
	Index      int
	Command    Command
	RuleSource string
	rule       *vm.Program
}

// Protocol 是编译后的协议，编译后不再修改
type Protocol struct {
	Name   string
	Cycles int
	Steps  []Step
}

// Failure 记录一个校验失败的步骤
type Failure struct {
	Protocol string
	Step     int
	Keyword  string
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("protocol %s: step %d (%s): %v", f.Protocol, f.Step, f.Keyword, f.Err)
}

// CompileError 汇总整个协议文件的全部校验错误
type CompileError struct {
	Count    int
	Failures []Failure
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("protocol has %d errors, check the log for details", e.Count)
}

// RuleEnv 是步骤规则表达式可以使用的变量
type RuleEnv struct {
	Cycle    int
	Cycles   int
	FlowCell types.ActorID
	Protocol string
}

func (e RuleEnv) vars() map[string]interface{} {
	return map[string]interface{}{
		"cycle":    e.Cycle,
		"cycles":   e.Cycles,
		"flowcell": string(e.FlowCell),
		"protocol": e.Protocol,
	}
}

// Compile 校验并格式化全部协议，任何一个步骤出错都不返回协议
// 每个协议开始时清除携带的试剂端口，VALVE 步骤并入后续 PUMP，不单独成为步骤
func Compile(f *Formatter, docs []Document) ([]*Protocol, error) {
	var failures []Failure
	fail := func(doc Document, i int, keyword string, err error) {
		failure := Failure{Protocol: doc.Name, Step: i, Keyword: keyword, Err: err}
		f.logger.Error("协议步骤校验失败", "protocol", doc.Name, "step", i, "command", keyword, "error", err)
		failures = append(failures, failure)
	}

	protocols := make([]*Protocol, 0, len(docs))
	for _, doc := range docs {
		f.Reset()
		p := &Protocol{Name: doc.Name, Cycles: doc.Cycles}
		if doc.Cycles < 1 {
			fail(doc, -1, "cycles", fmt.Errorf("cycles should be at least 1, got %d", doc.Cycles))
		}
		for i, raw := range doc.Steps {
			params, ruleSrc := splitRule(raw.Params)
			cmd, err := f.Format(raw.Keyword, params)
			if err != nil {
				fail(doc, i, raw.Keyword, err)
				continue
			}
			step := Step{Index: i, Command: cmd, RuleSource: ruleSrc}
			if ruleSrc != "" {
				program, err := expr.Compile(ruleSrc, expr.Env(RuleEnv{}.vars()), expr.AsBool())
				if err != nil {
					fail(doc, i, raw.Keyword, fmt.Errorf("rule %q: %w", ruleSrc, err))
					continue
				}
				step.rule = program
			}
			if cmd.Kind() == KindValve {
				continue
			}
			p.Steps = append(p.Steps, step)
		}
		protocols = append(protocols, p)
	}

	if len(failures) > 0 {
		return nil, &CompileError{Count: len(failures), Failures: failures}
	}
	f.logger.Debug("协议格式化完成", "protocols", len(protocols))
	return protocols, nil
}

// splitRule 取出结构化参数中的 rule 字段
func splitRule(params interface{}) (interface{}, string) {
	m, ok := params.(map[string]interface{})
	if !ok {
		return params, ""
	}
	src, ok := m["rule"].(string)
	if !ok {
		return params, ""
	}
	rest := maps.Clone(m)
	delete(rest, "rule")
	return rest, src
}

// Applies 判断步骤在给定环境下是否执行
func (s Step) Applies(env RuleEnv) (bool, error) {
	if s.rule == nil {
		return true, nil
	}
	out, err := expr.Run(s.rule, env.vars())
	if err != nil {
		return false, fmt.Errorf("rule %q: %w", s.RuleSource, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// PlannedStep 是展开循环后的一个待排队步骤
type PlannedStep struct {
	Protocol string
	Cycle    int // 从 1 开始
	Cycles   int
	Step     Step
}

// Plan 把协议按循环次数展开为有序的步骤列表
func Plan(protocols []*Protocol) []PlannedStep {
	var plan []PlannedStep
	for _, p := range protocols {
		for cycle := 1; cycle <= p.Cycles; cycle++ {
			for _, s := range p.Steps {
				plan = append(plan, PlannedStep{Protocol: p.Name, Cycle: cycle, Cycles: p.Cycles, Step: s})
			}
		}
	}
	return plan
}

// MissingReagents 返回协议中按名称引用、但试剂目录中不存在的试剂（已排序、去重）
func MissingReagents(fc types.ActorID, protocols []*Protocol, reagents ReagentLookup) []string {
	missing := make(map[string]struct{})
	for _, p := range protocols {
		for _, s := range p.Steps {
			pump, ok := s.Command.(Pump)
			if !ok || pump.Reagent.Name == "" {
				continue
			}
			if _, found := reagents.Get(fc, pump.Reagent.Name); !found {
				missing[pump.Reagent.Name] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(missing))
}

// NeedsRegisteredROIs 判断协议中是否有不带内联位置、需要使用已登记 ROI 的成像或曝光步骤
func NeedsRegisteredROIs(protocols []*Protocol) bool {
	for _, p := range protocols {
		for _, s := range p.Steps {
			switch c := s.Command.(type) {
			case Image:
				if c.ROI == nil {
					return true
				}
			case Expose:
				if c.ROI == nil {
					return true
				}
			}
		}
	}
	return false
}
