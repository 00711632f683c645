package parsers

import (
	"encoding/json"
	"strings"

	"argus/core"
)

// JSONParser accepts a single JSON object, a JSON array of objects, or
// newline-delimited JSON objects on stdout
type JSONParser struct{}

// Parse implements Parser
func (JSONParser) Parse(raw RawOutput) (map[string]interface{}, error) {
	body := strings.TrimSpace(strings.Join(raw.Stdout, "\n"))
	if body == "" {
		return nil, core.NewParseError("json", "no output on stdout")
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err == nil {
		switch v := doc.(type) {
		case map[string]interface{}:
			if len(v) == 0 {
				return nil, core.NewParseError("json", "empty object")
			}
			return v, nil
		case []interface{}:
			if len(v) == 0 {
				return nil, core.NewParseError("json", "empty array")
			}
			return map[string]interface{}{KeyFindings: v, "count": len(v)}, nil
		default:
			return nil, core.NewParseError("json", "top-level value is not an object or array")
		}
	}

	var findings []interface{}
	for _, line := range raw.Stdout {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		findings = append(findings, obj)
	}
	if len(findings) == 0 {
		return nil, core.NewParseError("json", "no JSON objects found")
	}
	return map[string]interface{}{KeyFindings: findings, "count": len(findings)}, nil
}
