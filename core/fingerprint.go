package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// AlertFingerprint computes the deduplication key of a rule firing: the rule id
// plus the set of referenced indicators. Order and duplicates of refs do not
// change the result. A non-zero generation distinguishes separate threshold
// firings of the same rule and group.
func AlertFingerprint(ruleID string, refs []IndicatorRef, generation uint64) string {
	keys := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		k := ref.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, "rule="+ruleID)
	if generation > 0 {
		parts = append(parts, "gen="+strconv.FormatUint(generation, 10))
	}
	for _, k := range keys {
		parts = append(parts, "ioc="+k)
	}
	return hashParts(parts)
}

// DedupeRefs returns refs with duplicates (by normalized key) removed, order preserved
func DedupeRefs(refs []IndicatorRef) []IndicatorRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]IndicatorRef, 0, len(refs))
	for _, ref := range refs {
		k := ref.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, IndicatorRef{Type: ref.Type, Value: NormalizeIndicatorValue(ref.Type, ref.Value)})
	}
	return out
}

func hashParts(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
