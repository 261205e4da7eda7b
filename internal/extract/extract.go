// Package extract parses structured JSON out of free-form worker stdout.
// Workers narrate before and after their JSON payload; the extractor accepts
// the whole output when it is pure JSON and otherwise recovers the last
// balanced object or array. It never edits the output it was given.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veracity-research/veracity/internal/fault"
)

// JSON returns the structured payload embedded in raw.
func JSON(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.New(fault.OutputParse, "worker output is empty")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	block, start := lastBalancedBlock(trimmed)
	if block == "" {
		return nil, fault.New(fault.OutputParse, "no JSON object or array found in worker output (%d bytes)", len(raw))
	}
	var probe any
	if err := json.Unmarshal([]byte(block), &probe); err != nil {
		offset := int64(0)
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			offset = syn.Offset
		}
		return nil, fault.New(fault.OutputParse, "candidate JSON block at byte %d failed to parse at offset %d: %v", start, offset, err)
	}
	return json.RawMessage(block), nil
}

// lastBalancedBlock scans for top-level {...} and [...] blocks, tracking
// string literals and escapes, and returns the last one with its start index.
func lastBalancedBlock(s string) (string, int) {
	var (
		stack     []byte
		start     = -1
		lastBlock string
		lastStart int
		inString  bool
		escaped   bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if len(stack) > 0 {
				inString = true
			}
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			open := stack[len(stack)-1]
			if (c == '}' && open != '{') || (c == ']' && open != '[') {
				// Mismatched close: abandon this candidate.
				stack = nil
				start = -1
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && start >= 0 {
				lastBlock = s[start : i+1]
				lastStart = start
				start = -1
			}
		}
	}
	return lastBlock, lastStart
}

// CompileSchema compiles a required-outputs fragment expressed as a plain
// map. A nil fragment compiles to the permissive empty object schema.
func CompileSchema(fragment map[string]any) (*jsonschema.Schema, error) {
	if fragment == nil {
		fragment = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(fragment)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Validate checks raw against schema. Unknown fields pass through; only
// missing required fields and wrong primitive types fail.
func Validate(raw json.RawMessage, schema *jsonschema.Schema) error {
	if schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fault.Wrap(fault.OutputParse, err, "decode extracted JSON")
	}
	if err := schema.Validate(v); err != nil {
		return fault.Wrap(fault.OutputParse, err, "worker output failed schema validation")
	}
	return nil
}

// JSONInto extracts, validates, and decodes in one step.
func JSONInto(raw string, schema *jsonschema.Schema, out any) error {
	block, err := JSON(raw)
	if err != nil {
		return err
	}
	if err := Validate(block, schema); err != nil {
		return err
	}
	if err := json.Unmarshal(block, out); err != nil {
		return fault.New(fault.OutputParse, "decode worker output into %T: %v", out, err)
	}
	return nil
}
