package parsers

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"argus/core"
)

// Loki log levels
const (
	lokiAlert   = "ALERT"
	lokiWarning = "WARNING"
	lokiNotice  = "NOTICE"
	lokiError   = "ERROR"
	lokiInfo    = "INFO"
	lokiResult  = "RESULT"
)

var (
	lokiLinePattern = regexp.MustCompile(`^\s*(?:\S+\s+)?\[(ALERT|WARNING|NOTICE|ERROR|INFO|RESULT|DEBUG)\]\s*(.*)$`)
	lokiKeyPattern  = regexp.MustCompile(`(?:^|\s)([A-Z][A-Z0-9_]*): `)
)

// LokiParser parses the console log of the Loki IOC scanner. The summary
// counts alerts, warnings and notices; alert and warning lines become
// matches, and their file names and hashes become indicator references.
type LokiParser struct{}

// Parse implements Parser
func (LokiParser) Parse(raw RawOutput) (map[string]interface{}, error) {
	if raw.IsEmpty() {
		return nil, core.NewParseError("loki", "no output captured")
	}

	counts := map[string]int{}
	recognised := 0
	matches := []interface{}{}
	indicators := []interface{}{}
	seen := map[string]bool{}

	for _, line := range append(append([]string{}, raw.Stdout...), raw.Stderr...) {
		m := lokiLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		recognised++
		level, msg := m[1], m[2]
		counts[level]++

		if level != lokiAlert && level != lokiWarning {
			continue
		}
		kv := parseLokiFields(msg)
		match := map[string]interface{}{
			"level":   strings.ToLower(level),
			"message": msg,
		}
		for k, v := range kv {
			match[strings.ToLower(k)] = v
		}
		if score, err := strconv.Atoi(kv["SCORE"]); err == nil {
			match["score"] = score
		}
		matches = append(matches, match)

		for _, ref := range lokiIndicators(kv) {
			key := ref.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			indicators = append(indicators, map[string]interface{}{"type": string(ref.Type), "value": ref.Value})
		}
	}

	if recognised == 0 {
		return nil, core.NewParseError("loki", "no loki log lines recognised")
	}

	return map[string]interface{}{
		"alerts":     counts[lokiAlert],
		"warnings":   counts[lokiWarning],
		"notices":    counts[lokiNotice],
		"errors":     counts[lokiError],
		"results":    counts[lokiResult],
		"matches":    matches,
		"indicators": indicators,
	}, nil
}

// parseLokiFields splits "FILE: /x SCORE: 70 MD5: ..." into its keys
func parseLokiFields(msg string) map[string]string {
	out := map[string]string{}
	idx := lokiKeyPattern.FindAllStringSubmatchIndex(msg, -1)
	for i, loc := range idx {
		key := msg[loc[2]:loc[3]]
		end := len(msg)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		out[key] = strings.TrimSpace(msg[loc[1]:end])
	}
	return out
}

func lokiIndicators(kv map[string]string) []core.IndicatorRef {
	var refs []core.IndicatorRef
	if file := kv["FILE"]; file != "" {
		name := path.Base(strings.ReplaceAll(file, "\\", "/"))
		if name != "" && name != "." && name != "/" {
			refs = append(refs, core.IndicatorRef{Type: core.IndicatorTypeFileName, Value: name})
		}
	}
	hashes := []struct {
		key string
		typ core.IndicatorType
	}{
		{"MD5", core.IndicatorTypeMD5},
		{"SHA1", core.IndicatorTypeSHA1},
		{"SHA256", core.IndicatorTypeSHA256},
	}
	for _, h := range hashes {
		v := strings.ToLower(kv[h.key])
		if v != "" && core.ValidateIndicatorValue(h.typ, v) == nil {
			refs = append(refs, core.IndicatorRef{Type: h.typ, Value: v})
		}
	}
	return refs
}
