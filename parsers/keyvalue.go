package parsers

import (
	"strconv"
	"strings"

	"argus/core"
)

// KeyValueParser reads "key: value" or "key=value" lines from stdout.
// Numeric values are converted; repeated keys keep the last value.
type KeyValueParser struct{}

// Parse implements Parser
func (KeyValueParser) Parse(raw RawOutput) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, line := range raw.Stdout {
		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = n
		} else {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil, core.NewParseError("keyvalue", "no key/value lines found")
	}
	return out, nil
}

func splitKeyValue(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	sep := strings.IndexAny(line, ":=")
	if sep <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(line[:sep]))
	if strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.TrimSpace(line[sep+1:]), true
}
