package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"maestro/internal/types"
)

// Output is the parsed result of one agent invocation. Fields the parser
// does not model are preserved in Extra and flow into the audit metadata.
type Output struct {
	Content   string
	CostUSD   float64
	Model     string
	SessionID string
	Tokens    *types.TokenUsage
	Type      string
	Extra     map[string]string
}

// ParseOutput decodes agent stdout according to the declared format.
// Unparsable JSON degrades to plain text rather than losing the output.
func ParseOutput(raw []byte, format string) *Output {
	switch format {
	case "json":
		if out, err := parseJSON(raw); err == nil {
			return out
		}
	case "stream-json":
		if out, err := parseStreamJSON(raw); err == nil {
			return out
		}
	}
	return &Output{Content: string(raw), Type: "text"}
}

func parseJSON(raw []byte) (*Output, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &fields); err != nil {
		return nil, err
	}
	out := &Output{Type: "json"}
	out.apply(fields)
	return out, nil
}

// parseStreamJSON consumes line-delimited JSON objects, concatenating their
// content and letting later lines override the scalar fields.
func parseStreamJSON(raw []byte) (*Output, error) {
	out := &Output{Type: "stream-json"}
	var content strings.Builder
	parsed := 0

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(line, &fields); err != nil {
			return nil, err
		}
		chunk := out.apply(fields)
		content.WriteString(chunk)
		parsed++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if parsed == 0 {
		return nil, fmt.Errorf("no JSON lines in output")
	}
	out.Content = content.String()
	return out, nil
}

// apply maps one decoded object onto the output and returns its content
// chunk. Unknown fields land in Extra.
func (o *Output) apply(fields map[string]json.RawMessage) string {
	var chunk string
	for key, value := range fields {
		switch key {
		case "content":
			var s string
			if json.Unmarshal(value, &s) == nil {
				chunk = s
			}
		case "cost_usd":
			json.Unmarshal(value, &o.CostUSD)
		case "model":
			json.Unmarshal(value, &o.Model)
		case "session_id":
			json.Unmarshal(value, &o.SessionID)
		case "tokens":
			var t struct {
				Input  int64 `json:"input"`
				Output int64 `json:"output"`
			}
			if json.Unmarshal(value, &t) == nil {
				if o.Tokens == nil {
					o.Tokens = &types.TokenUsage{}
				}
				o.Tokens.Add(t.Input, t.Output)
			}
		default:
			if o.Extra == nil {
				o.Extra = map[string]string{}
			}
			o.Extra[key] = string(value)
		}
	}
	if o.Type == "json" {
		o.Content = chunk
	}
	return chunk
}
