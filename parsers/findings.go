package parsers

import (
	"argus/core"
)

// Result keys with special meaning
const (
	KeyFindings   = "findings"
	KeyIndicators = "indicators"
)

// ExtractedFinding is the field set and indicator references of one finding
type ExtractedFinding struct {
	Fields     map[string]interface{}
	Indicators []core.IndicatorRef
}

// ExtractFindings splits a parse result into findings. A "findings" list of
// objects yields one finding per object; otherwise the whole result is one
// finding. An "indicators" list of {type, value} objects on a finding becomes
// its indicator references; malformed entries are skipped.
func ExtractFindings(result map[string]interface{}) []ExtractedFinding {
	if len(result) == 0 {
		return nil
	}

	if list, ok := result[KeyFindings].([]interface{}); ok {
		var out []ExtractedFinding
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			out = append(out, extractOne(m))
		}
		if len(out) > 0 {
			return out
		}
	}
	return []ExtractedFinding{extractOne(result)}
}

func extractOne(m map[string]interface{}) ExtractedFinding {
	fields := core.CloneMap(m)
	return ExtractedFinding{
		Fields:     fields,
		Indicators: indicatorRefs(fields[KeyIndicators]),
	}
}

func indicatorRefs(v interface{}) []core.IndicatorRef {
	var refs []core.IndicatorRef
	add := func(typ, value interface{}) {
		t, ok1 := typ.(string)
		val, ok2 := value.(string)
		if !ok1 || !ok2 || val == "" || !core.IndicatorType(t).IsValid() {
			return
		}
		refs = append(refs, core.IndicatorRef{Type: core.IndicatorType(t), Value: val})
	}

	switch list := v.(type) {
	case []interface{}:
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				add(m["type"], m["value"])
			}
		}
	case []map[string]interface{}:
		for _, m := range list {
			add(m["type"], m["value"])
		}
	}
	return refs
}
