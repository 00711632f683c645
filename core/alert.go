package core

import (
	"time"
)

// AlertStatus is the investigator-facing lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// AllAlertStatuses lists every valid alert status
var AllAlertStatuses = []AlertStatus{
	AlertStatusNew, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive,
}

// IsValid checks if the alert status is known
func (s AlertStatus) IsValid() bool {
	for _, valid := range AllAlertStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// IsActive reports whether the alert still accepts deduplicated firings
func (s AlertStatus) IsActive() bool {
	return s == AlertStatusNew || s == AlertStatusInvestigating
}

// validAlertTransitions defines allowed state transitions for alerts
var validAlertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:           {AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusInvestigating: {AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusResolved:      {},
	AlertStatusFalsePositive: {},
}

// MaxAlertLinks caps the execution and finding ids kept on one alert
const MaxAlertLinks = 1000

// Alert is a prioritized, deduplicated notification for an investigator
type Alert struct {
	ID           string         `json:"id"`
	RuleID       string         `json:"rule_id,omitempty"`
	AnomalyScore *float64       `json:"anomaly_score,omitempty"`
	Severity     Severity       `json:"severity"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Indicators   []IndicatorRef `json:"indicators,omitempty"`
	Status       AlertStatus    `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastFiredAt  time.Time      `json:"last_fired_at"`
	FiringCount  int            `json:"firing_count"`
	CaseID       string         `json:"case_id,omitempty"`
	ExecutionIDs []string       `json:"execution_ids,omitempty"`
	FindingIDs   []string       `json:"finding_ids,omitempty"`
	Fingerprint  string         `json:"fingerprint"`
}

// Validate checks that the alert references a rule or an anomaly score
func (a *Alert) Validate() error {
	if a.RuleID == "" && a.AnomalyScore == nil {
		return NewValidationError("rule_id", "alert must reference a rule or an anomaly score")
	}
	if !a.Severity.IsValid() {
		return NewValidationError("severity", "unknown severity "+string(a.Severity))
	}
	if !a.Status.IsValid() {
		return NewValidationError("status", "unknown status "+string(a.Status))
	}
	return nil
}

// TransitionTo validates and executes an alert state transition
func (a *Alert) TransitionTo(newStatus AlertStatus) error {
	if !newStatus.IsValid() {
		return NewValidationError("status", "unknown status "+string(newStatus))
	}
	if !a.CanTransitionTo(newStatus) {
		allowed := make([]string, 0, len(validAlertTransitions[a.Status]))
		for _, s := range validAlertTransitions[a.Status] {
			allowed = append(allowed, string(s))
		}
		return &TransitionError{From: string(a.Status), To: string(newStatus), Allowed: allowed}
	}
	a.Status = newStatus
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	for _, status := range validAlertTransitions[a.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns all valid transitions from the current state
func (a *Alert) GetAllowedTransitions() []AlertStatus {
	allowed := validAlertTransitions[a.Status]
	result := make([]AlertStatus, len(allowed))
	copy(result, allowed)
	return result
}

// IsFinalState checks if the alert is in a final state
func (a *Alert) IsFinalState() bool {
	allowed, exists := validAlertTransitions[a.Status]
	return exists && len(allowed) == 0
}

// RecordFiring folds a duplicate firing into the alert
func (a *Alert) RecordFiring(executionID, findingID string, at time.Time) {
	a.FiringCount++
	a.LastFiredAt = at
	a.UpdatedAt = time.Now().UTC()
	a.ExecutionIDs = appendLink(a.ExecutionIDs, executionID)
	a.FindingIDs = appendLink(a.FindingIDs, findingID)
}

// AddLinks appends execution and finding ids, skipping duplicates and
// stopping at MaxAlertLinks
func (a *Alert) AddLinks(executionIDs, findingIDs []string) {
	for _, id := range executionIDs {
		a.ExecutionIDs = appendLink(a.ExecutionIDs, id)
	}
	for _, id := range findingIDs {
		a.FindingIDs = appendLink(a.FindingIDs, id)
	}
}

func appendLink(ids []string, id string) []string {
	if id == "" || len(ids) >= MaxAlertLinks {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Clone returns a deep copy
func (a *Alert) Clone() *Alert {
	c := *a
	if a.AnomalyScore != nil {
		score := *a.AnomalyScore
		c.AnomalyScore = &score
	}
	c.Indicators = append([]IndicatorRef(nil), a.Indicators...)
	c.ExecutionIDs = append([]string(nil), a.ExecutionIDs...)
	c.FindingIDs = append([]string(nil), a.FindingIDs...)
	return &c
}

// AlertFilter selects alerts for listing. Zero fields match everything.
type AlertFilter struct {
	Status      AlertStatus `json:"status,omitempty"`
	MinSeverity Severity    `json:"min_severity,omitempty"`
	RuleID      string      `json:"rule_id,omitempty"`
	CaseID      string      `json:"case_id,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// Matches reports whether a satisfies the filter
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.CaseID != "" && a.CaseID != f.CaseID {
		return false
	}
	return true
}
