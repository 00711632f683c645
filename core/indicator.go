package core

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Indicator Types and Constants
// =============================================================================

// IndicatorType represents the kind of indicator of compromise
type IndicatorType string

const (
	IndicatorTypeIP          IndicatorType = "ip"
	IndicatorTypeDomain      IndicatorType = "domain"
	IndicatorTypeURL         IndicatorType = "url"
	IndicatorTypeEmail       IndicatorType = "email"
	IndicatorTypeMD5         IndicatorType = "hash-md5"
	IndicatorTypeSHA1        IndicatorType = "hash-sha1"
	IndicatorTypeSHA256      IndicatorType = "hash-sha256"
	IndicatorTypeFileName    IndicatorType = "file-name"
	IndicatorTypeProcessName IndicatorType = "process-name"
	IndicatorTypeRegistryKey IndicatorType = "registry-key"
)

// AllIndicatorTypes returns all valid indicator types for validation
var AllIndicatorTypes = []IndicatorType{
	IndicatorTypeIP, IndicatorTypeDomain, IndicatorTypeURL, IndicatorTypeEmail,
	IndicatorTypeMD5, IndicatorTypeSHA1, IndicatorTypeSHA256,
	IndicatorTypeFileName, IndicatorTypeProcessName, IndicatorTypeRegistryKey,
}

// IsValid checks if the indicator type is valid
func (t IndicatorType) IsValid() bool {
	for _, valid := range AllIndicatorTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// TagDeprecated marks an indicator retired by case management
const TagDeprecated = "deprecated"

// Maximum lengths for indicator fields
const (
	MaxIndicatorValueLength = 4096
	MaxIndicatorTagLength   = 100
	MaxIndicatorTagCount    = 50
	MaxConfidence           = 100.0
)

// Validation patterns - compiled once at package init
var (
	domainPattern   = regexp.MustCompile(`^(?:[a-z0-9_](?:[a-z0-9_-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
	md5Pattern      = regexp.MustCompile(`^[a-f0-9]{32}$`)
	sha1Pattern     = regexp.MustCompile(`^[a-f0-9]{40}$`)
	sha256Pattern   = regexp.MustCompile(`^[a-f0-9]{64}$`)
	registryPattern = regexp.MustCompile(`(?i)^(HKLM|HKCU|HKCR|HKU|HKCC|HKEY_[A-Z_]+)\\`)
)

// IndicatorRef is a non-owning reference to an indicator by type and value
type IndicatorRef struct {
	Type  IndicatorType `json:"type"`
	Value string        `json:"value"`
}

// Key returns the canonical uniqueness key for the reference
func (r IndicatorRef) Key() string {
	return IndicatorKey(r.Type, r.Value)
}

// IndicatorKey returns "type|normalized-value"
func IndicatorKey(t IndicatorType, value string) string {
	return string(t) + "|" + NormalizeIndicatorValue(t, value)
}

// EnrichmentRecord is the result of one enrichment source
type EnrichmentRecord struct {
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	FetchedAt  time.Time              `json:"fetched_at"`
}

// Indicator is a known or observed artifact of interest
type Indicator struct {
	ID          string                      `json:"id"`
	Type        IndicatorType               `json:"type"`
	Value       string                      `json:"value"`
	Normalized  string                      `json:"normalized"`
	ThreatLevel Severity                    `json:"threat_level"`
	Confidence  float64                     `json:"confidence"`
	Tags        []string                    `json:"tags"`
	Enrichment  map[string]EnrichmentRecord `json:"enrichment,omitempty"`
	FirstSeen   time.Time                   `json:"first_seen"`
	LastSeen    time.Time                   `json:"last_seen"`
	SeenCount   int64                       `json:"seen_count"`
}

// IsDeprecated reports whether case management retired the indicator
func (i *Indicator) IsDeprecated() bool {
	for _, t := range i.Tags {
		if t == TagDeprecated {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (i *Indicator) Clone() *Indicator {
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	if i.Enrichment != nil {
		c.Enrichment = make(map[string]EnrichmentRecord, len(i.Enrichment))
		for k, v := range i.Enrichment {
			rec := v
			rec.Payload = CloneMap(v.Payload)
			if v.Confidence != nil {
				conf := *v.Confidence
				rec.Confidence = &conf
			}
			c.Enrichment[k] = rec
		}
	}
	return &c
}

// IndicatorInput is an observation to upsert into the indicator store
type IndicatorInput struct {
	Type        IndicatorType `json:"type"`
	Value       string        `json:"value"`
	ThreatLevel Severity      `json:"threat_level"`
	Confidence  float64       `json:"confidence"`
	Tags        []string      `json:"tags,omitempty"`
}

// Validate checks the observation and its value format
func (in *IndicatorInput) Validate() error {
	if !in.Type.IsValid() {
		return NewValidationError("type", fmt.Sprintf("unknown indicator type %q", in.Type))
	}
	if in.ThreatLevel != "" && !in.ThreatLevel.IsValid() {
		return NewValidationError("threat_level", fmt.Sprintf("unknown threat level %q", in.ThreatLevel))
	}
	if in.Confidence < 0 || in.Confidence > MaxConfidence {
		return NewValidationError("confidence", "must be between 0 and 100")
	}
	if len(in.Tags) > MaxIndicatorTagCount {
		return NewValidationError("tags", fmt.Sprintf("at most %d tags allowed", MaxIndicatorTagCount))
	}
	for _, tag := range in.Tags {
		if len(tag) > MaxIndicatorTagLength {
			return NewValidationError("tags", fmt.Sprintf("tag exceeds %d characters", MaxIndicatorTagLength))
		}
	}
	return ValidateIndicatorValue(in.Type, in.Value)
}

// ValidateIndicatorValue checks a value against its type's format
func ValidateIndicatorValue(t IndicatorType, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return NewValidationError("value", "must not be empty")
	}
	if len(value) > MaxIndicatorValueLength {
		return NewValidationError("value", fmt.Sprintf("exceeds %d characters", MaxIndicatorValueLength))
	}

	normalized := NormalizeIndicatorValue(t, value)
	var ok bool
	switch t {
	case IndicatorTypeIP:
		ok = net.ParseIP(value) != nil
	case IndicatorTypeDomain:
		ok = domainPattern.MatchString(normalized)
	case IndicatorTypeURL:
		u, err := url.Parse(value)
		ok = err == nil && u.Scheme != "" && u.Host != ""
	case IndicatorTypeEmail:
		_, err := mail.ParseAddress(value)
		ok = err == nil
	case IndicatorTypeMD5:
		ok = md5Pattern.MatchString(normalized)
	case IndicatorTypeSHA1:
		ok = sha1Pattern.MatchString(normalized)
	case IndicatorTypeSHA256:
		ok = sha256Pattern.MatchString(normalized)
	case IndicatorTypeRegistryKey:
		ok = registryPattern.MatchString(value)
	case IndicatorTypeFileName, IndicatorTypeProcessName:
		ok = !strings.ContainsRune(value, 0)
	default:
		return NewValidationError("type", fmt.Sprintf("unknown indicator type %q", t))
	}
	if !ok {
		return NewValidationError("value", fmt.Sprintf("%q is not a valid %s", value, t))
	}
	return nil
}

// NormalizeIndicatorValue returns the canonical form used for uniqueness
func NormalizeIndicatorValue(t IndicatorType, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case IndicatorTypeIP:
		if ip := net.ParseIP(value); ip != nil {
			return ip.String()
		}
		return value
	case IndicatorTypeDomain:
		return strings.TrimSuffix(strings.ToLower(value), ".")
	case IndicatorTypeEmail, IndicatorTypeMD5, IndicatorTypeSHA1, IndicatorTypeSHA256:
		return strings.ToLower(value)
	case IndicatorTypeRegistryKey:
		return strings.ToUpper(value)
	default:
		return value
	}
}

// MergeTags returns the sorted union of two tag sets
func MergeTags(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range b {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IndicatorFilter selects indicators for listing
type IndicatorFilter struct {
	Type              IndicatorType `json:"type,omitempty"`
	Tag               string        `json:"tag,omitempty"`
	MinConfidence     float64       `json:"min_confidence,omitempty"`
	IncludeDeprecated bool          `json:"include_deprecated,omitempty"`
	Limit             int           `json:"limit,omitempty"`
}

// Matches reports whether ind satisfies the filter
func (f IndicatorFilter) Matches(ind *Indicator) bool {
	if f.Type != "" && ind.Type != f.Type {
		return false
	}
	if ind.Confidence < f.MinConfidence {
		return false
	}
	if !f.IncludeDeprecated && ind.IsDeprecated() {
		return false
	}
	if f.Tag != "" {
		for _, t := range ind.Tags {
			if t == f.Tag {
				return true
			}
		}
		return false
	}
	return true
}
