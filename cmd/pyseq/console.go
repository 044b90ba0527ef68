package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PySeqEcosystem/pyseq-core/internal/engine"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"gopkg.in/yaml.v3"
)

const consoleHelp = `commands:
  state                              show every actor queue
  prompts                            list open user prompts
  confirm <flowcell>                 answer the open prompt
  pause [actor...]                   pause queues (all when empty)
  resume [actor...]                  resume queues (all when empty)
  drain <flowcell>                   cancel every task of a flow cell
  focus <flowcell> [roi...]          queue a focus routine
  rois <path> [flowcell...]          load ROIs from a file (all flow cells when empty)
  cmd <flowcell> <KEYWORD> <params>  queue a protocol step, params in YAML
`

// runConsole 从 in 逐行读取操作员命令，直到输入结束或 ctx 取消
func runConsole(ctx context.Context, in io.Reader, out io.Writer, seq *engine.Sequencer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := consoleCommand(ctx, out, seq, line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func consoleCommand(ctx context.Context, out io.Writer, seq *engine.Sequencer, line string) error {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "help":
		fmt.Fprint(out, consoleHelp)
	case "state":
		for _, st := range seq.Snapshot() {
			current := "-"
			if st.Current != nil {
				current = st.Current.Description
			}
			fmt.Fprintf(out, "%-10s %-8s paused=%-5v pending=%-3d current=%s\n", st.Actor, st.State, st.Paused, len(st.Pending), current)
		}
	case "prompts":
		for _, p := range seq.Prompts().Open() {
			fmt.Fprintf(out, "%s: %s\n", p.FlowCell, p.Message)
		}
	case "confirm":
		if len(args) != 1 {
			return fmt.Errorf("usage: confirm <flowcell>")
		}
		if !seq.Prompts().Confirm(types.FlowCell(args[0])) {
			return fmt.Errorf("no open prompt for flow cell %s", args[0])
		}
		fmt.Fprintln(out, "ok")
	case "pause":
		if err := seq.Pause(args...); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
	case "resume":
		if err := seq.Resume(args...); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
	case "drain":
		if len(args) != 1 {
			return fmt.Errorf("usage: drain <flowcell>")
		}
		if err := seq.Drain(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
	case "focus":
		if len(args) == 0 {
			return fmt.Errorf("usage: focus <flowcell> [roi...]")
		}
		task, err := seq.Focus(args[0], args[1:]...)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued task %d\n", task.ID)
	case "rois":
		if len(args) == 0 {
			return fmt.Errorf("usage: rois <path> [flowcell...]")
		}
		added, err := seq.AddROIs(args[0], args[1:]...)
		if err != nil {
			return fmt.Errorf("added %d ROIs: %w", added, err)
		}
		fmt.Fprintf(out, "added %d ROIs\n", added)
	case "cmd":
		if len(args) < 3 {
			return fmt.Errorf("usage: cmd <flowcell> <KEYWORD> <params>")
		}
		// 参数部分按 YAML 解析，与协议文件中的写法一致
		raw := strings.TrimSpace(strings.SplitN(line, args[1], 2)[1])
		var params interface{}
		if err := yaml.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
		tasks, err := seq.Command(args[1], params, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued task %d\n", tasks[0].ID)
	default:
		return fmt.Errorf("unknown command %q (try help)", name)
	}
	return nil
}
