package core

import (
	"strings"
	"time"
)

// Finding is one structured observation extracted from tool output
type Finding struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	ToolID      string                 `json:"tool_id,omitempty"`
	CaseID      string                 `json:"case_id,omitempty"`
	Target      Target                 `json:"target"`
	Fields      map[string]interface{} `json:"fields"`
	Indicators  []IndicatorRef         `json:"indicators,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Lookup resolves a dot-notation path. Top-level attributes are addressable
// as execution_id, tool_id, case_id and target.destination.
// A missing path returns (nil, false).
func (f *Finding) Lookup(path string) (interface{}, bool) {
	switch path {
	case "execution_id":
		return f.ExecutionID, f.ExecutionID != ""
	case "tool_id":
		return f.ToolID, f.ToolID != ""
	case "case_id":
		return f.CaseID, f.CaseID != ""
	case "target.destination":
		return f.Target.Destination, f.Target.Destination != ""
	case "target.surface":
		return string(f.Target.Surface), f.Target.Surface != ""
	case "target.agent_id":
		return f.Target.AgentID, f.Target.AgentID != ""
	}

	if v, ok := f.Fields[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	var current interface{} = f.Fields
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
