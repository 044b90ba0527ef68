package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RawStep 是未经校验的 {KEYWORD: params} 步骤
type RawStep struct {
	Keyword string
	Params  interface{}
}

// Document 是协议文件中的一个协议
type Document struct {
	Name   string
	Cycles int
	Steps  []RawStep
}

type document struct {
	Name   string      `yaml:"name"`
	Cycles *int        `yaml:"cycles"`
	Steps  []yaml.Node `yaml:"steps"`
}

// ReadFile 读取协议文件
func ReadFile(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol: %w", err)
	}
	docs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// Parse 解析协议文本
// 结构化格式是多文档 YAML，每个文档包含 name、cycles、steps；
// 没有 steps 的文本按旧格式处理，每个非空行是一条指令
func Parse(data []byte) ([]Document, error) {
	docs, err := parseStructured(data)
	if err == nil && len(docs) > 0 {
		return docs, nil
	}
	legacy, lerr := parseLegacy(data)
	if lerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, lerr
	}
	return []Document{legacy}, nil
}

// errNotStructured 表示文档中没有 steps，需要按旧格式解析
var errNotStructured = errors.New("no steps")

func parseStructured(data []byte) ([]Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []Document
	for i := 1; ; i++ {
		var raw document
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if raw.Steps == nil {
			return nil, errNotStructured
		}
		doc := Document{Name: raw.Name, Cycles: 1}
		if doc.Name == "" {
			doc.Name = fmt.Sprintf("Protocol %d", i)
		}
		if raw.Cycles != nil {
			doc.Cycles = *raw.Cycles
		}
		steps, err := decodeSteps(raw.Steps)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.Name, err)
		}
		doc.Steps = steps
		docs = append(docs, doc)
	}
	return docs, nil
}

func parseLegacy(data []byte) (Document, error) {
	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			b.WriteString("- " + line + "\n")
		}
	}
	if err := sc.Err(); err != nil {
		return Document{}, err
	}
	var nodes []yaml.Node
	if err := yaml.Unmarshal([]byte(b.String()), &nodes); err != nil {
		return Document{}, fmt.Errorf("legacy protocol: %w", err)
	}
	steps, err := decodeSteps(nodes)
	if err != nil {
		return Document{}, fmt.Errorf("legacy protocol: %w", err)
	}
	return Document{Name: "Protocol 1", Cycles: 1, Steps: steps}, nil
}

// decodeSteps 保持 YAML 中的书写顺序
func decodeSteps(nodes []yaml.Node) ([]RawStep, error) {
	var steps []RawStep
	for i, n := range nodes {
		if n.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("step %d: expected {COMMAND: params}, got %q", i, n.Value)
		}
		for j := 0; j+1 < len(n.Content); j += 2 {
			var params interface{}
			if err := n.Content[j+1].Decode(&params); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			steps = append(steps, RawStep{Keyword: n.Content[j].Value, Params: params})
		}
	}
	return steps, nil
}
