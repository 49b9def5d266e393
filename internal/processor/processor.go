// Package processor post-processes command output with configurable
// processor chains.
package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type NodeType string

const (
	NodeTypeObject NodeType = "object"
	NodeTypeString NodeType = "string"
	NodeTypeArray  NodeType = "array"
)

const (
	ProcessorTypeTrim         string = "trim"
	ProcessorTypeKeyValue     string = "key_value"
	ProcessorTypeKeyValueJSON string = "key_value_json"
	ProcessorTypeSplitLines   string = "split_lines"
)

// Processor defines the interface for processing string slices.
type Processor interface {
	// Process applies the processor's logic to the input lines.
	Process([]string, NodeType) ([]string, error)
	Name() string
}

// Chain manages a collection of processors and applies them in sequence.
type Chain struct {
	processors        map[string]Processor
	allowEmptyResults bool
}

// NewChain returns a Chain with the default processors registered.
func NewChain() *Chain {
	pc := &Chain{
		processors:        make(map[string]Processor),
		allowEmptyResults: true,
	}
	pc.registerDefaults()
	return pc
}

func (pc *Chain) registerDefaults() {
	pc.Register(&TrimProcessor{})
	pc.Register(&SplitLinesProcessor{})
	pc.Register(&KeyValueProcessor{})
	pc.Register(&KeyValueJSONProcessor{})
}

// Register adds a processor to the chain.
func (pc *Chain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Has reports whether a processor called name is registered.
func (pc *Chain) Has(name string) bool {
	_, ok := pc.processors[name]
	return ok
}

func isValidNodeType(nt NodeType) bool {
	return nt == NodeTypeObject || nt == NodeTypeString || nt == NodeTypeArray
}

// Process applies the named processors to lines in order.
func (pc *Chain) Process(lines []string, nodeType NodeType, processorNames ...string) ([]string, error) {
	if !isValidNodeType(nodeType) {
		return nil, fmt.Errorf("invalid nodeType: %v", nodeType)
	}
	for _, name := range processorNames {
		if !pc.Has(name) {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	if len(lines) == 0 {
		return lines, nil
	}
	result := lines
	for _, name := range processorNames {
		var err error
		result, err = pc.processors[name].Process(result, nodeType)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
		if len(result) == 0 && !pc.allowEmptyResults {
			break
		}
	}
	return result, nil
}

// TrimProcessor trims whitespace from each line in the input.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }
func (p *TrimProcessor) Process(lines []string, _ NodeType) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

// ParseKeyValue collects "key: value" pairs from lines. Lines without a
// colon are skipped; for repeated keys the first occurrence wins.
func ParseKeyValue(lines []string) (map[string]string, error) {
	kv := make(map[string]string)

	// single string with embedded newlines
	if len(lines) == 1 {
		inputLines := strings.Split(strings.TrimSpace(lines[0]), "\n")
		if len(inputLines) > 1 {
			lines = inputLines
		}
	}

	for _, line := range lines {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		if _, seen := kv[key]; seen {
			continue
		}
		kv[key] = value
	}
	return kv, nil
}

// KeyValueProcessor normalises string nodes in key:value format. Output is
// sorted by key.
type KeyValueProcessor struct{}

func (p *KeyValueProcessor) Name() string { return ProcessorTypeKeyValue }

func (p *KeyValueProcessor) Process(lines []string, nodeType NodeType) ([]string, error) {
	if nodeType != NodeTypeString || len(lines) == 0 {
		return lines, nil
	}

	kv, err := ParseKeyValue(lines)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(kv))
	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s: %s", k, kv[k]))
	}
	return result, nil
}

// KeyValueJSONProcessor renders key:value string nodes as one JSON object.
type KeyValueJSONProcessor struct{}

func (p *KeyValueJSONProcessor) Name() string { return ProcessorTypeKeyValueJSON }

func (p *KeyValueJSONProcessor) Process(lines []string, nodeType NodeType) ([]string, error) {
	if nodeType != NodeTypeString || len(lines) == 0 {
		return lines, nil
	}

	kv, err := ParseKeyValue(lines)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(kv)
	if err != nil {
		return nil, fmt.Errorf("key_value marshal error: %w", err)
	}
	return []string{string(result)}, nil
}

// SplitLinesProcessor splits each line into fields for array node types.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return ProcessorTypeSplitLines }

func (p *SplitLinesProcessor) Process(lines []string, nodeType NodeType) ([]string, error) {
	if nodeType != NodeTypeArray {
		return lines, nil
	}
	result := make([]string, 0, len(lines)*3)
	for _, line := range lines {
		result = append(result, strings.Fields(line)...)
	}
	return result, nil
}
