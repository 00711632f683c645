package core

import "strings"

// Severity is shared by indicator threat levels, rules and alerts
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AllSeverities is ordered from least to most severe
var AllSeverities = []Severity{
	SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical,
}

// IsValid checks if the severity is known
func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// Rank orders severities, info=0 through critical=4. Unknown values rank -1.
func (s Severity) Rank() int {
	for i, v := range AllSeverities {
		if s == v {
			return i
		}
	}
	return -1
}

// Raise returns the severity n levels above s, never exceeding ceiling
func (s Severity) Raise(n int, ceiling Severity) Severity {
	rank := s.Rank() + n
	if max := ceiling.Rank(); max >= 0 && rank > max {
		rank = max
	}
	if rank < 0 {
		rank = 0
	}
	if rank >= len(AllSeverities) {
		rank = len(AllSeverities) - 1
	}
	return AllSeverities[rank]
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a case-insensitive severity name
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", false
	}
	return sev, true
}
