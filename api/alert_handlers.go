package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"argus/core"
	"argus/correlate"
)

// FindingRequest is the body of POST /api/v1/findings
type FindingRequest struct {
	ID          string                 `json:"id,omitempty" validate:"max=200"`
	ExecutionID string                 `json:"execution_id,omitempty" validate:"max=200"`
	ToolID      string                 `json:"tool_id,omitempty" validate:"max=100"`
	CaseID      string                 `json:"case_id,omitempty" validate:"max=200"`
	Target      core.Target            `json:"target"`
	Fields      map[string]interface{} `json:"fields" validate:"required"`
	Indicators  []core.IndicatorRef    `json:"indicators,omitempty" validate:"max=1000"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`
}

// IngestFindingResponse lists the alerts a finding created or updated
type IngestFindingResponse struct {
	FindingID string        `json:"finding_id"`
	Alerts    []*core.Alert `json:"alerts"`
}

// AlertStatusRequest is the body of PUT /api/v1/alerts/{id}/status
type AlertStatusRequest struct {
	Status core.AlertStatus `json:"status" validate:"required,oneof=new investigating resolved false_positive"`
}

func (a *API) ingestFinding(w http.ResponseWriter, r *http.Request) {
	var req FindingRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	f := &core.Finding{
		ID:          req.ID,
		ExecutionID: req.ExecutionID,
		ToolID:      req.ToolID,
		CaseID:      req.CaseID,
		Target:      req.Target,
		Fields:      req.Fields,
		Indicators:  req.Indicators,
		Timestamp:   req.Timestamp,
	}

	alerts, err := a.alerts.IngestFinding(r.Context(), f)
	if err != nil && len(alerts) == 0 {
		a.writeServiceError(w, r, err)
		return
	}
	if err != nil {
		// Some rules raised alerts; the failures are logged and the partial result returned
		a.logger.Warnw("Finding ingested with errors", "finding_id", f.ID, "error", err)
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	a.respondJSON(w, IngestFindingResponse{FindingID: f.ID, Alerts: alerts}, http.StatusOK)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	filter := core.AlertFilter{
		Status:      core.AlertStatus(q.Get("status")),
		MinSeverity: core.Severity(q.Get("min_severity")),
		RuleID:      q.Get("rule_id"),
		CaseID:      q.Get("case_id"),
		Limit:       limit,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		a.writeServiceError(w, r, core.NewValidationError("status", "unknown alert status"))
		return
	}
	if filter.MinSeverity != "" && !filter.MinSeverity.IsValid() {
		a.writeServiceError(w, r, core.NewValidationError("min_severity", "unknown severity"))
		return
	}

	alerts, err := a.alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	a.respondJSON(w, alerts, http.StatusOK)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, alert, http.StatusOK)
}

func (a *API) setAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req AlertStatusRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	alert, err := a.alerts.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, alert, http.StatusOK)
}

func (a *API) raiseAnomalyAlert(w http.ResponseWriter, r *http.Request) {
	var req correlate.AnomalyAlert
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	alert, err := a.alerts.RaiseAnomalyAlert(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, alert, http.StatusCreated)
}

func (a *API) getRuleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.alerts.RuleStats()
	if stats == nil {
		stats = []correlate.RuleStats{}
	}
	a.respondJSON(w, stats, http.StatusOK)
}
